package container

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

const tmpSuffix = ".tmp"

// output is the file behind a writer. Data goes to TempPath until commit
// renames it to FilePath.
type output struct {
	FilePath string
	TempPath string

	file    *os.File
	written atomic.Int64
}

func createOutput(dir, name, ext string) (*output, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	o := &output{
		FilePath: filepath.Join(dir, name+ext),
		TempPath: filepath.Join(dir, name+ext+tmpSuffix),
	}
	f, err := os.OpenFile(o.TempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	o.file = f
	return o, nil
}

func (o *output) Write(p []byte) (int, error) {
	n, err := o.file.Write(p)
	o.written.Add(int64(n))
	return n, err
}

// Size returns the bytes written so far.
func (o *output) Size() int64 { return o.written.Load() }

// commit syncs and closes the temp file, moves it into place and returns
// its checksum.
func (o *output) commit() (string, error) {
	if err := o.file.Sync(); err != nil {
		_ = o.file.Close()
		return "", fmt.Errorf("sync output: %w", err)
	}
	if err := o.file.Close(); err != nil {
		return "", fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(o.TempPath, o.FilePath); err != nil {
		return "", fmt.Errorf("move output into place: %w", err)
	}
	return fileChecksum(o.FilePath)
}

// abort closes and removes the temp file.
func (o *output) abort() {
	_ = o.file.Close()
	_ = os.Remove(o.TempPath)
}

// fileChecksum computes the SHA256 checksum of a file
func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// CleanupStale removes temporary outputs in dir older than maxAge, left
// behind by a crash mid-recording. It returns the removed paths.
func CleanupStale(dir string, maxAge time.Duration) ([]string, error) {
	tempFiles, err := filepath.Glob(filepath.Join(dir, "*"+tmpSuffix))
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, file := range tempFiles {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > maxAge {
			if err := os.Remove(file); err == nil {
				removed = append(removed, file)
			}
		}
	}
	return removed, nil
}
