package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Jeffrey0117/tampermonkey-lurl-download/models"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/utils"
)

// ErrNotFound is returned when a record id has no entry in the log.
var ErrNotFound = errors.New("record not found")

// RecordStore owns the line-delimited JSON record log. The whole log is
// loaded into memory at open; every mutation transforms the in-memory
// copy under one mutex and rewrites the file atomically. Serializing
// writers this way closes the lost-update race the read-all/rewrite-all
// pattern has without it; nothing stronger is attempted, one process
// owns the data dir.
type RecordStore struct {
	mu      sync.Mutex
	path    string
	records []models.Record
	byID    map[string]int
}

// OpenRecordStore loads the record log at path, creating it if absent.
// Malformed lines are skipped with a warning so a partially corrupted or
// forward-versioned log never blocks startup.
func OpenRecordStore(path string) (*RecordStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	s := &RecordStore{path: path, byID: map[string]int{}}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open record log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec models.Record
		if err := json.Unmarshal(raw, &rec); err != nil || rec.ID == "" {
			if utils.Sugar != nil {
				utils.Sugar.Warnf("skipping malformed record line %d in %s", line, path)
			}
			continue
		}
		if _, dup := s.byID[rec.ID]; dup {
			continue
		}
		s.byID[rec.ID] = len(s.records)
		s.records = append(s.records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read record log: %w", err)
	}
	return s, nil
}

// Append adds a new record and persists it with a single appended line.
func (s *RecordStore) Append(rec models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[rec.ID]; exists {
		return fmt.Errorf("duplicate record id %s", rec.ID)
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	s.byID[rec.ID] = len(s.records)
	s.records = append(s.records, rec)
	return nil
}

// All returns a copy of every record, newest first.
func (s *RecordStore) All() []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Record, len(s.records))
	for i, rec := range s.records {
		out[len(s.records)-1-i] = rec
	}
	return out
}

// Get returns the record with the given id.
func (s *RecordStore) Get(id string) (models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[id]
	if !ok {
		return models.Record{}, ErrNotFound
	}
	return s.records[i], nil
}

// FindByPageURL returns the first record matching pageURL. Blocked
// records are excluded unless includeBlocked is set; dedup matching must
// not let a blocked record satisfy a fresh capture, while the capture
// path still needs to see blocked entries to refuse re-downloading them.
func (s *RecordStore) FindByPageURL(pageURL string, includeBlocked bool) (models.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		if rec.PageURL != pageURL {
			continue
		}
		if rec.Blocked && !includeBlocked {
			continue
		}
		return rec, true
	}
	return models.Record{}, false
}

// Missing returns records whose backing file is absent, blocked excluded.
// Presence is computed against the filesystem at call time.
func (s *RecordStore) Missing(dataDir string) []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Record
	for _, rec := range s.records {
		if rec.Blocked {
			continue
		}
		if !rec.HasBackup(dataDir) {
			out = append(out, rec)
		}
	}
	return out
}

// UpdateFileURL rotates the stored CDN URL for a record.
func (s *RecordStore) UpdateFileURL(id, fileURL string) error {
	return s.update(id, func(rec *models.Record) {
		rec.FileURL = fileURL
	})
}

// UpdateThumbnail attaches a thumbnail path to a record.
func (s *RecordStore) UpdateThumbnail(id, thumbnailPath string) error {
	return s.update(id, func(rec *models.Record) {
		rec.ThumbnailPath = thumbnailPath
	})
}

// Vote bumps the like or dislike counter.
func (s *RecordStore) Vote(id string, like bool) error {
	return s.update(id, func(rec *models.Record) {
		if like {
			rec.LikeCount++
		} else {
			rec.DislikeCount++
		}
	})
}

// SetBlocked toggles the blocked flag.
func (s *RecordStore) SetBlocked(id string, blocked bool) error {
	return s.update(id, func(rec *models.Record) {
		rec.Blocked = blocked
	})
}

// Delete removes a record and its backing file. Admin action only; the
// metadata and the binary go together.
func (s *RecordStore) Delete(id, dataDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec := s.records[i]

	s.records = append(s.records[:i], s.records[i+1:]...)
	delete(s.byID, id)
	for j := i; j < len(s.records); j++ {
		s.byID[s.records[j].ID] = j
	}
	if err := s.rewriteLocked(); err != nil {
		return err
	}

	if rec.BackupPath != "" {
		_ = os.Remove(rec.BackupFile(dataDir))
	}
	return nil
}

func (s *RecordStore) update(id string, mutate func(*models.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	mutate(&s.records[i])
	return s.rewriteLocked()
}

// rewriteLocked persists the full in-memory log via temp file + rename so
// a crash mid-write never truncates the live log.
func (s *RecordStore) rewriteLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range s.records {
		if err := enc.Encode(rec); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}
