package upload

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveDirect(t *testing.T) {
	dir := t.TempDir()
	a := NewAssembler(filepath.Join(dir, "tmp"))
	dest := filepath.Join(dir, "video", "clip.mp4")

	size, err := a.SaveDirect(dest, strings.NewReader("payload"), 1024)
	require.NoError(t, err)
	assert.Equal(t, int64(7), size)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestSaveDirectRejectsOversize(t *testing.T) {
	dir := t.TempDir()
	a := NewAssembler(filepath.Join(dir, "tmp"))
	dest := filepath.Join(dir, "video", "clip.mp4")

	_, err := a.SaveDirect(dest, strings.NewReader("0123456789"), 5)
	require.Error(t, err)

	// Failure leaves nothing behind, partial or final.
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(statErr))
}

func TestChunkedReassemblyOrderIndependent(t *testing.T) {
	chunks := [][]byte{
		[]byte("alpha-"),
		[]byte("bravo-"),
		[]byte("charlie-"),
		[]byte("delta-"),
		[]byte("echo"),
	}
	want := bytes.Join(chunks, nil)

	// Delivery order must not matter, only the declared index.
	perm := rand.New(rand.NewSource(42)).Perm(len(chunks))

	dir := t.TempDir()
	a := NewAssembler(filepath.Join(dir, "tmp"))
	dest := filepath.Join(dir, "video", "clip.mp4")

	for i, idx := range perm {
		received, assembled, err := a.SaveChunk("rec1", dest, idx, len(chunks), bytes.NewReader(chunks[idx]))
		require.NoError(t, err)
		assert.Equal(t, i+1, received)
		assert.Equal(t, i == len(perm)-1, assembled, "assembly happens exactly when the last chunk lands")
	}

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Staging dir is gone after assembly.
	_, err = os.Stat(filepath.Join(dir, "tmp", "rec1"))
	assert.True(t, os.IsNotExist(err))
}

func TestChunkedMissingChunkBlocksAssembly(t *testing.T) {
	dir := t.TempDir()
	a := NewAssembler(filepath.Join(dir, "tmp"))
	dest := filepath.Join(dir, "video", "clip.mp4")

	_, assembled, err := a.SaveChunk("rec1", dest, 0, 3, strings.NewReader("aa"))
	require.NoError(t, err)
	assert.False(t, assembled)
	_, assembled, err = a.SaveChunk("rec1", dest, 2, 3, strings.NewReader("cc"))
	require.NoError(t, err)
	assert.False(t, assembled)

	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "assembly is all-or-nothing")

	// The gap retried later completes the file.
	_, assembled, err = a.SaveChunk("rec1", dest, 1, 3, strings.NewReader("bb"))
	require.NoError(t, err)
	assert.True(t, assembled)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "aabbcc", string(got))
}

func TestChunkResendOverwrites(t *testing.T) {
	dir := t.TempDir()
	a := NewAssembler(filepath.Join(dir, "tmp"))
	dest := filepath.Join(dir, "video", "clip.mp4")

	_, _, err := a.SaveChunk("rec1", dest, 0, 2, strings.NewReader("bad"))
	require.NoError(t, err)
	_, _, err = a.SaveChunk("rec1", dest, 0, 2, strings.NewReader("good-"))
	require.NoError(t, err)
	_, assembled, err := a.SaveChunk("rec1", dest, 1, 2, strings.NewReader("tail"))
	require.NoError(t, err)
	require.True(t, assembled)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "good-tail", string(got))
}

func TestSaveChunkRejectsBadIndexes(t *testing.T) {
	a := NewAssembler(t.TempDir())
	_, _, err := a.SaveChunk("rec1", "x", -1, 3, strings.NewReader("a"))
	assert.Error(t, err)
	_, _, err = a.SaveChunk("rec1", "x", 3, 3, strings.NewReader("a"))
	assert.Error(t, err)
	_, _, err = a.SaveChunk("rec1", "x", 0, 0, strings.NewReader("a"))
	assert.Error(t, err)
}

func TestStaleChunkFromEarlierSessionIgnored(t *testing.T) {
	dir := t.TempDir()
	a := NewAssembler(filepath.Join(dir, "tmp"))
	dest := filepath.Join(dir, "video", "clip.mp4")

	// A first attempt declared 5 chunks and died after chunk 4.
	_, assembled, err := a.SaveChunk("rec1", dest, 4, 5, strings.NewReader("stale"))
	require.NoError(t, err)
	require.False(t, assembled)

	// The retry re-chunks the same payload as 3 pieces. The stale chunk
	// must neither count toward the total nor leak into the file.
	received, assembled, err := a.SaveChunk("rec1", dest, 0, 3, strings.NewReader("aa"))
	require.NoError(t, err)
	assert.Equal(t, 1, received)
	assert.False(t, assembled)

	received, assembled, err = a.SaveChunk("rec1", dest, 1, 3, strings.NewReader("bb"))
	require.NoError(t, err)
	assert.Equal(t, 2, received)
	require.False(t, assembled, "out-of-range leftover must not trigger assembly")

	_, assembled, err = a.SaveChunk("rec1", dest, 2, 3, strings.NewReader("cc"))
	require.NoError(t, err)
	require.True(t, assembled)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "aabbcc", string(got))
}

func TestRecordLocksAreIndependent(t *testing.T) {
	a := NewAssembler(t.TempDir())
	l1 := a.recordLock("rec1")
	l2 := a.recordLock("rec2")
	assert.NotSame(t, l1, l2)
	assert.Same(t, l1, a.recordLock("rec1"))
}

func TestSlowUploadDoesNotBlockOtherRecords(t *testing.T) {
	dir := t.TempDir()
	a := NewAssembler(filepath.Join(dir, "tmp"))

	// A relay stuck mid-copy holds its record's lock.
	slow := a.recordLock("rec-slow")
	slow.Lock()
	defer slow.Unlock()

	done := make(chan error, 1)
	go func() {
		_, _, err := a.SaveChunk("rec-fast", filepath.Join(dir, "video", "fast.mp4"), 0, 1, strings.NewReader("x"))
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("upload for an unrelated record was blocked")
	}
}

func TestAbortDropsStagedChunks(t *testing.T) {
	dir := t.TempDir()
	a := NewAssembler(filepath.Join(dir, "tmp"))
	dest := filepath.Join(dir, "video", "clip.mp4")

	_, _, err := a.SaveChunk("rec1", dest, 0, 2, strings.NewReader("aa"))
	require.NoError(t, err)
	require.NoError(t, a.Abort("rec1"))

	_, err = os.Stat(filepath.Join(dir, "tmp", "rec1"))
	assert.True(t, os.IsNotExist(err))
}
