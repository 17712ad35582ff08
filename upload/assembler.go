// Package upload reassembles fallback bytes pushed back by a producing
// browser when every backend acquisition strategy has failed. The
// client's browser holds a valid session the backend cannot replicate,
// so it fetches the file itself and relays it here, whole or in indexed
// chunks.
package upload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
)

// Assembler lands direct and chunked uploads at a record's destination
// path. Chunk files for an in-flight session live under
// <tmpDir>/<recordID>/ named by zero-padded index; assembly is
// all-or-nothing once the received count equals the declared total.
type Assembler struct {
	tmpDir string

	// One upload session mutates one record's chunk dir at a time;
	// sessions for different records proceed independently.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAssembler creates an Assembler with the given chunk staging dir.
func NewAssembler(tmpDir string) *Assembler {
	return &Assembler{tmpDir: tmpDir, locks: map[string]*sync.Mutex{}}
}

func (a *Assembler) recordLock(recordID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[recordID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[recordID] = l
	}
	return l
}

// SaveDirect writes a non-chunked payload straight to dest, capped at
// limit bytes. Returns the byte count written.
func (a *Assembler) SaveDirect(dest string, r io.Reader, limit int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}

	part := dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		return 0, err
	}

	lr := &io.LimitedReader{R: r, N: limit + 1}
	written, err := io.Copy(f, lr)
	if err != nil {
		f.Close()
		os.Remove(part)
		return 0, err
	}
	if written > limit {
		f.Close()
		os.Remove(part)
		return 0, fmt.Errorf("payload exceeds %d bytes", limit)
	}
	if err := f.Close(); err != nil {
		os.Remove(part)
		return 0, err
	}
	return written, os.Rename(part, dest)
}

// SaveChunk stores one indexed chunk for the record and, once every
// declared chunk is on disk, assembles dest in index order and removes
// the staging dir. Chunks may arrive in any order over the wire; only
// the declared index matters. A re-sent index overwrites its file.
// Returns how many chunks have been received and whether dest was
// assembled by this call.
func (a *Assembler) SaveChunk(recordID, dest string, index, total int, r io.Reader) (received int, assembled bool, err error) {
	if index < 0 || total <= 0 || index >= total {
		return 0, false, fmt.Errorf("invalid chunk index %d of %d", index, total)
	}

	l := a.recordLock(recordID)
	l.Lock()
	defer l.Unlock()

	dir := filepath.Join(a.tmpDir, recordID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, false, err
	}

	chunkPath := filepath.Join(dir, chunkName(index))
	f, err := os.Create(chunkPath)
	if err != nil {
		return 0, false, err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(chunkPath)
		return 0, false, err
	}
	if err := f.Close(); err != nil {
		os.Remove(chunkPath)
		return 0, false, err
	}

	indexes, err := receivedChunks(dir, total)
	if err != nil {
		return 0, false, err
	}
	if len(indexes) < total {
		// A missing chunk blocks assembly indefinitely; the producer
		// retries the gap and this path runs again.
		return len(indexes), false, nil
	}

	if err := a.assemble(dir, dest, indexes); err != nil {
		return len(indexes), false, err
	}
	return len(indexes), true, nil
}

// assemble concatenates chunk files in index order into dest, then
// drops the staging dir.
func (a *Assembler) assemble(dir, dest string, indexes []int) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return err
	}

	sort.Ints(indexes)
	for _, idx := range indexes {
		in, err := os.Open(filepath.Join(dir, chunkName(idx)))
		if err != nil {
			out.Close()
			os.Remove(part)
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			os.Remove(part)
			return err
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(part)
		return err
	}
	if err := os.Rename(part, dest); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// Abort drops a record's staging dir, discarding any received chunks.
func (a *Assembler) Abort(recordID string) error {
	l := a.recordLock(recordID)
	l.Lock()
	defer l.Unlock()
	return os.RemoveAll(filepath.Join(a.tmpDir, recordID))
}

func chunkName(index int) string {
	return fmt.Sprintf("%05d", index)
}

// receivedChunks lists the chunk indexes present in dir, ignoring
// anything that does not parse as one. Indexes outside 0..total-1 are
// stale leftovers from an earlier session with a different chunking;
// counting them would assemble a corrupt file.
func receivedChunks(dir string, total int) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var indexes []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, err := strconv.Atoi(e.Name())
		if err != nil || idx < 0 || idx >= total {
			continue
		}
		indexes = append(indexes, idx)
	}
	return indexes, nil
}
