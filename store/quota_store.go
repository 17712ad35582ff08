package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Jeffrey0117/tampermonkey-lurl-download/models"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/utils"
)

// ErrQuotaExhausted signals that a visitor has no recoveries left. It is
// a distinct kind from not-found so the caller can drive an upsell flow.
var ErrQuotaExhausted = errors.New("quota exhausted")

// RecoverResult is the outcome of a quota-gated recovery.
type RecoverResult struct {
	BackupURL        string
	AlreadyRecovered bool
	Remaining        int
	Total            int
}

// QuotaStore owns the visitor quota ledger, one JSON line per visitor.
// Same single-writer treatment as the record log: the check-and-increment
// of a recovery must be atomic or a retried request could double-charge.
type QuotaStore struct {
	mu        sync.Mutex
	path      string
	freeQuota int
	visitors  map[string]*models.VisitorQuota
}

// OpenQuotaStore loads the ledger at path, creating it if absent. New
// visitors start with freeQuota recoveries.
func OpenQuotaStore(path string, freeQuota int) (*QuotaStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	s := &QuotaStore{path: path, freeQuota: freeQuota, visitors: map[string]*models.VisitorQuota{}}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open quota ledger: %w", err)
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
		var v models.VisitorQuota
		if err := json.Unmarshal(raw, &v); err != nil || v.VisitorID == "" {
			if utils.Sugar != nil {
				utils.Sugar.Warnf("skipping malformed quota line %d in %s", line, path)
			}
			continue
		}
		vc := v
		s.visitors[v.VisitorID] = &vc
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read quota ledger: %w", err)
	}
	return s, nil
}

// Visitor returns a copy of the visitor's ledger entry, materializing a
// fresh one with the default free quota when unseen. Reads never persist.
func (s *QuotaStore) Visitor(id string) models.VisitorQuota {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.visitorLocked(id)
}

func (s *QuotaStore) visitorLocked(id string) *models.VisitorQuota {
	v, ok := s.visitors[id]
	if !ok {
		v = &models.VisitorQuota{VisitorID: id, FreeQuota: s.freeQuota}
		s.visitors[id] = v
	}
	return v
}

// Recover spends one recovery for the slug, or replays it for free when
// the slug is already in the visitor's history. UsedCount only ever
// increases, and only for first-time slugs.
func (s *QuotaStore) Recover(visitorID, slug, backupURL string) (RecoverResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.visitorLocked(visitorID)

	if prev, ok := v.Recovered(slug); ok {
		return RecoverResult{
			BackupURL:        prev.BackupURL,
			AlreadyRecovered: true,
			Remaining:        v.Remaining(),
			Total:            v.Total(),
		}, nil
	}

	if v.Remaining() <= 0 {
		return RecoverResult{Remaining: 0, Total: v.Total()}, ErrQuotaExhausted
	}

	v.History = append(v.History, models.RecoveryEntry{
		Slug:      slug,
		BackupURL: backupURL,
		UsedAt:    time.Now(),
	})
	v.UsedCount++

	if err := s.rewriteLocked(); err != nil {
		// Roll back the in-memory charge so memory and disk agree.
		v.History = v.History[:len(v.History)-1]
		v.UsedCount--
		return RecoverResult{}, err
	}

	return RecoverResult{
		BackupURL: backupURL,
		Remaining: v.Remaining(),
		Total:     v.Total(),
	}, nil
}

// GrantPaid tops up a visitor's paid quota. Admin action.
func (s *QuotaStore) GrantPaid(visitorID string, n int) (models.VisitorQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.visitorLocked(visitorID)
	v.PaidQuota += n
	if err := s.rewriteLocked(); err != nil {
		v.PaidQuota -= n
		return models.VisitorQuota{}, err
	}
	return *v, nil
}

func (s *QuotaStore) rewriteLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, v := range s.visitors {
		if err := enc.Encode(v); err != nil {
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
