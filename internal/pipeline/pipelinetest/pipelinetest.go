// Package pipelinetest provides stand-ins for the external media tools and
// the chat transport.
package pipelinetest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"mediabot/internal/pipeline"
)

// Call is one recorded tool invocation.
type Call struct {
	Name string
	Args []string
}

// Arg returns the value following flag, or "".
func (c Call) Arg(flag string) string {
	for i := 0; i < len(c.Args)-1; i++ {
		if c.Args[i] == flag {
			return c.Args[i+1]
		}
	}
	return ""
}

// Has reports whether flag appears in the arguments.
func (c Call) Has(flag string) bool {
	for _, a := range c.Args {
		if a == flag {
			return true
		}
	}
	return false
}

// Last returns the final argument.
func (c Call) Last() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[len(c.Args)-1]
}

// ToolFunc overrides one tool's behaviour.
type ToolFunc func(ctx context.Context, call Call) (stdout, stderr []byte, err error)

// Tools is a pipeline.Runner that imitates yt-dlp, ffmpeg and ffprobe by
// writing sparse files of the expected names and sizes.
type Tools struct {
	// FetchSize is the size of the file "downloaded" by yt-dlp. Default 4 KiB.
	FetchSize int64
	// FetchExt is the extension yt-dlp picks. Default "webm".
	FetchExt string
	// TranscodeSize overrides the transcoder output size; default keeps the input size.
	TranscodeSize int64
	// Duration is what ffprobe reports, in seconds. Default 600.
	Duration float64

	Fetch     ToolFunc
	Transcode ToolFunc
	Segment   ToolFunc

	mu    sync.Mutex
	calls []Call
}

var _ pipeline.Runner = (*Tools)(nil)

func (t *Tools) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	call := Call{Name: filepath.Base(name), Args: append([]string(nil), args...)}
	t.mu.Lock()
	t.calls = append(t.calls, call)
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("%s interrupted: %w", name, context.Cause(ctx))
	}

	switch call.Name {
	case "yt-dlp", "ffmpeg", "ffprobe":
		if len(args) == 1 && (args[0] == "-version" || args[0] == "--version") {
			return []byte(call.Name + " version test\n"), nil, nil
		}
	}

	switch call.Name {
	case "yt-dlp":
		if t.Fetch != nil {
			return t.Fetch(ctx, call)
		}
		return nil, nil, t.DefaultFetch(call)
	case "ffprobe":
		d := t.Duration
		if d <= 0 {
			d = 600
		}
		return []byte(strconv.FormatFloat(d, 'f', 3, 64) + "\n"), nil, nil
	case "ffmpeg":
		if call.Arg("-f") == "segment" {
			if t.Segment != nil {
				return t.Segment(ctx, call)
			}
			return nil, nil, t.DefaultSegment(call)
		}
		if t.Transcode != nil && !call.Has("-map_metadata") {
			return t.Transcode(ctx, call)
		}
		return nil, nil, t.defaultTranscode(call)
	}
	return nil, []byte("command not found"), fmt.Errorf("exec: %q: executable file not found in $PATH", name)
}

// Calls returns every invocation so far.
func (t *Tools) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// CallsTo returns the invocations of one tool.
func (t *Tools) CallsTo(name string) []Call {
	var out []Call
	for _, c := range t.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// DefaultFetch writes the file yt-dlp would have produced.
func (t *Tools) DefaultFetch(call Call) error {
	ext := t.FetchExt
	if ext == "" {
		ext = "webm"
	}
	size := t.FetchSize
	if size <= 0 {
		size = 4 << 10
	}
	out := strings.ReplaceAll(call.Arg("--output"), "%(ext)s", ext)
	if out == "" {
		return errors.New("yt-dlp called without --output")
	}
	return WriteSparse(out, size)
}

func (t *Tools) defaultTranscode(call Call) error {
	in := call.Arg("-i")
	info, err := os.Stat(in)
	if err != nil {
		return fmt.Errorf("ffmpeg: %s: No such file or directory", in)
	}
	size := info.Size()
	if t.TranscodeSize > 0 && !call.Has("-map_metadata") {
		size = t.TranscodeSize
	}
	return WriteSparse(call.Last(), size)
}

// DefaultSegment cuts the input into evenly sized parts, as many as the
// requested segment time fits into the probed duration.
func (t *Tools) DefaultSegment(call Call) error {
	in := call.Arg("-i")
	info, err := os.Stat(in)
	if err != nil {
		return err
	}
	segTime, err := strconv.ParseFloat(call.Arg("-segment_time"), 64)
	if err != nil || segTime <= 0 {
		return fmt.Errorf("bad -segment_time %q", call.Arg("-segment_time"))
	}
	d := t.Duration
	if d <= 0 {
		d = 600
	}
	n := int(math.Round(d / segTime))
	if n < 1 {
		n = 1
	}
	sizes := make([]int64, n)
	for i := range sizes {
		sizes[i] = info.Size() / int64(n)
	}
	sizes[n-1] += info.Size() % int64(n)
	return WriteSegments(call.Last(), sizes)
}

// WriteSegments creates files named after an ffmpeg %03d pattern.
func WriteSegments(pattern string, sizes []int64) error {
	for i, size := range sizes {
		if err := WriteSparse(fmt.Sprintf(pattern, i), size); err != nil {
			return err
		}
	}
	return nil
}

// WriteSparse creates path with the given size without writing its data.
func WriteSparse(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// SentFile is one upload seen by Transport.
type SentFile struct {
	ChatID int64
	File   pipeline.OutgoingFile
	Size   int64
}

// SentText is one text message seen by Transport.
type SentText struct {
	ChatID int64
	Text   string
}

// Transport records uploads and messages. FailFile, when set, is consulted
// before each upload attempt (1-based across the whole transport).
type Transport struct {
	FailFile func(attempt int, file pipeline.OutgoingFile) error

	mu       sync.Mutex
	attempts int
	files    []SentFile
	texts    []SentText
	notify   chan struct{}
}

var _ pipeline.Transport = (*Transport)(nil)

func (t *Transport) SendText(ctx context.Context, chatID int64, text string) error {
	t.mu.Lock()
	t.texts = append(t.texts, SentText{ChatID: chatID, Text: text})
	t.signalLocked()
	t.mu.Unlock()
	return nil
}

func (t *Transport) SendFile(ctx context.Context, chatID int64, file pipeline.OutgoingFile) error {
	t.mu.Lock()
	t.attempts++
	attempt := t.attempts
	t.mu.Unlock()

	if t.FailFile != nil {
		if err := t.FailFile(attempt, file); err != nil {
			return err
		}
	}
	info, err := os.Stat(file.Path)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	t.mu.Lock()
	t.files = append(t.files, SentFile{ChatID: chatID, File: file, Size: info.Size()})
	t.signalLocked()
	t.mu.Unlock()
	return nil
}

// Files returns the uploads accepted so far.
func (t *Transport) Files() []SentFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SentFile(nil), t.files...)
}

// Texts returns the messages sent so far.
func (t *Transport) Texts() []SentText {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SentText(nil), t.texts...)
}

// TextsTo returns the messages sent to one chat.
func (t *Transport) TextsTo(chatID int64) []string {
	var out []string
	for _, m := range t.Texts() {
		if m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

// Attempts counts SendFile calls, failed ones included.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Changed returns a channel signalled after every recorded send.
func (t *Transport) Changed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.notify == nil {
		t.notify = make(chan struct{}, 1)
	}
	return t.notify
}

func (t *Transport) signalLocked() {
	if t.notify == nil {
		t.notify = make(chan struct{}, 1)
	}
	select {
	case t.notify <- struct{}{}:
	default:
	}
}
