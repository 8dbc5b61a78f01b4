package models

import (
	"fmt"
	"strings"
)

// OutputKind is the media flavour a user asked for.
type OutputKind string

const (
	KindAudio OutputKind = "audio"
	KindVideo OutputKind = "video"
	KindVoice OutputKind = "voice"
)

// ParseKind maps user-facing names onto an OutputKind.
func ParseKind(s string) (OutputKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "audio", "mp3":
		return KindAudio, nil
	case "video", "mp4":
		return KindVideo, nil
	case "voice", "ogg":
		return KindVoice, nil
	}
	return "", fmt.Errorf("unsupported output kind %q", s)
}

// Extension is the file extension of the converted artifact, without the dot.
func (k OutputKind) Extension() string {
	switch k {
	case KindAudio:
		return "mp3"
	case KindVideo:
		return "mp4"
	case KindVoice:
		return "ogg"
	}
	return ""
}

// Splittable reports whether an oversized artifact of this kind may be cut into parts.
// Voice messages are single clips on the chat side, so they are never split.
func (k OutputKind) Splittable() bool {
	return k == KindAudio || k == KindVideo
}
