// Package downloader acquires binary files from CDNs that actively
// block non-browser clients. Two variants hide behind one interface: a
// cheap direct HTTP fetch with ordered header/referer/cookie strategies,
// and a headless-browser engine that performs the fetch from inside a
// challenge-passed page when header spoofing is not enough.
package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

// ErrAllStrategiesFailed is returned when every fetch strategy has been
// tried without a 2xx response.
var ErrAllStrategiesFailed = errors.New("all download strategies failed")

// ErrPayloadTooSmall marks a response that returned 200 but is too small
// to be the real binary; CDNs like to disguise error pages as 200 OK.
var ErrPayloadTooSmall = errors.New("payload below minimum size")

// Job is one file acquisition: where the binary lives, the share page it
// was observed on, and where the durable copy must land.
type Job struct {
	RecordID string
	FileURL  string
	PageURL  string
	Dest     string
	// Cookies as captured by the producing browser, "k=v; k2=v2" form.
	// Optional; only the direct downloader uses them.
	Cookies string
}

// Downloader fetches a Job's file to Job.Dest. A nil error means the
// destination file exists and is complete; any failure leaves no file
// behind, so absence on disk is the durable failure signal.
type Downloader interface {
	Fetch(ctx context.Context, job Job) error
}

// Chain tries each Downloader in order and stops at the first success.
type Chain struct {
	steps []Downloader
}

// NewChain composes downloaders into an ordered fallback chain.
func NewChain(steps ...Downloader) *Chain {
	return &Chain{steps: steps}
}

// Fetch runs the chain. The last error wins when everything fails.
func (c *Chain) Fetch(ctx context.Context, job Job) error {
	err := ErrAllStrategiesFailed
	for _, d := range c.steps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = d.Fetch(ctx, job); err == nil {
			return nil
		}
	}
	return err
}

// writeAtomic lands payload at dest via a .part file so a partial write
// is never mistaken for a completed download.
func writeAtomic(dest string, payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	part := dest + ".part"
	if err := os.WriteFile(part, payload, 0o644); err != nil {
		os.Remove(part)
		return err
	}
	return os.Rename(part, dest)
}
