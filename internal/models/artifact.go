package models

import (
	"fmt"
	"os"
)

// Artifact is a file produced inside a job's work directory.
type Artifact struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// StatArtifact builds an Artifact from an existing file.
func StatArtifact(path string) (Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("stat artifact: %w", err)
	}
	if info.IsDir() {
		return Artifact{}, fmt.Errorf("artifact %s is a directory", path)
	}
	return Artifact{Path: path, Size: info.Size()}, nil
}
