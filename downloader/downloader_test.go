package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDownloader writes body on success, or fails with err.
type fakeDownloader struct {
	err   error
	body  []byte
	calls int
}

func (f *fakeDownloader) Fetch(ctx context.Context, job Job) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return writeAtomic(job.Dest, f.body)
}

func TestChainFirstSuccessWins(t *testing.T) {
	failing := &fakeDownloader{err: errors.New("blocked")}
	working := &fakeDownloader{body: []byte("bytes")}
	spare := &fakeDownloader{body: []byte("never")}

	dest := filepath.Join(t.TempDir(), "clip.mp4")
	err := NewChain(failing, working, spare).Fetch(context.Background(), Job{Dest: dest})
	require.NoError(t, err)

	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, working.calls)
	assert.Equal(t, 0, spare.calls, "chain stops at the first success")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "bytes", string(got))
}

func TestChainReturnsLastError(t *testing.T) {
	first := &fakeDownloader{err: errors.New("first")}
	last := &fakeDownloader{err: errors.New("last")}

	err := NewChain(first, last).Fetch(context.Background(), Job{Dest: filepath.Join(t.TempDir(), "x")})
	require.Error(t, err)
	assert.Equal(t, "last", err.Error())
}

func TestChainHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := &fakeDownloader{body: []byte("x")}
	err := NewChain(d).Fetch(ctx, Job{Dest: filepath.Join(t.TempDir(), "x")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, d.calls)
}

func TestEmptyChainFails(t *testing.T) {
	err := NewChain().Fetch(context.Background(), Job{})
	assert.ErrorIs(t, err, ErrAllStrategiesFailed)
}
