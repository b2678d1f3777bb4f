// Package channels reads the list of channels to poll from a JSON file.
package channels

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	json "github.com/goccy/go-json"
)

// FileSource reads a JSON array of channel names from Path on every call, so edits to the
// file are picked up by the next cycle.
type FileSource struct {
	Path string
}

// NewFileSource returns a source for path.
func NewFileSource(path string) *FileSource { return &FileSource{Path: path} }

// Channels returns the string entries of the file in order. Null and non-string entries are
// dropped and logged; blank names are left for the caller to filter.
func (f *FileSource) Channels(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read channel list: %w", err)
	}
	names, dropped, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("parse channel list %s: %w", f.Path, err)
	}
	if dropped > 0 {
		slog.Warn("channel list contains non-string entries",
			slog.String("component", "channels"),
			slog.String("path", f.Path),
			slog.Int("dropped", dropped))
	}
	return names, nil
}

// Check reports whether the file exists and is readable.
func (f *FileSource) Check(ctx context.Context) error {
	fh, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	return fh.Close()
}

// Parse decodes a JSON array, keeping string entries and counting the rest.
func Parse(b []byte) (names []string, dropped int, err error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, 0, err
	}
	names = make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err != nil || bytes.Equal(bytes.TrimSpace(r), []byte("null")) {
			dropped++
			continue
		}
		names = append(names, s)
	}
	return names, dropped, nil
}
