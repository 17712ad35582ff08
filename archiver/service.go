// Package archiver orchestrates the content-acquisition pipeline:
// capture ingestion with dedup, fire-and-forget direct fetch, batch
// browser retry for records still missing their binary, and quota-gated
// recovery of expired share links.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Jeffrey0117/tampermonkey-lurl-download/downloader"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/models"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/store"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/utils"
)

// ErrNoBackup is returned by Recover when no usable record exists for a
// slug: never captured, blocked, or the binary never arrived.
var ErrNoBackup = errors.New("no backup for this link")

// Service wires the stores and downloaders together.
type Service struct {
	Records *store.RecordStore
	Quota   *store.QuotaStore

	// Direct is fired on fresh captures; Engine only runs in batches.
	Direct downloader.Downloader
	Engine *downloader.Engine

	DataDir       string
	PublicBaseURL string

	// Guards against overlapping batch retries, scheduled or admin.
	retrying atomic.Bool
}

// CaptureRequest is what the producer userscript reports.
type CaptureRequest struct {
	Title   string
	PageURL string
	FileURL string
	Type    string
	Ref     string
	Cookies string
}

// CaptureResult mirrors the producer-facing response contract.
type CaptureResult struct {
	Duplicate  bool
	ID         string
	NeedUpload bool
	Blocked    bool
}

// Capture ingests one observed item. Dedup keys on PageURL. A blocked
// record for the same page short-circuits: no new record, no download.
// A duplicate whose file is missing gets its stored FileURL rotated to
// the fresh one and needUpload so the producer retries acquisition.
func (s *Service) Capture(req CaptureRequest) (CaptureResult, error) {
	// Blocklist check comes before anything that could re-download.
	if rec, ok := s.Records.FindByPageURL(req.PageURL, true); ok && rec.Blocked {
		return CaptureResult{Blocked: true, ID: rec.ID}, nil
	}

	if rec, ok := s.Records.FindByPageURL(req.PageURL, false); ok {
		if rec.HasBackup(s.DataDir) {
			return CaptureResult{Duplicate: true, ID: rec.ID}, nil
		}
		// Binary never arrived; the CDN URL has likely rotated.
		if req.FileURL != "" && req.FileURL != rec.FileURL {
			if err := s.Records.UpdateFileURL(rec.ID, req.FileURL); err != nil {
				return CaptureResult{}, err
			}
			rec.FileURL = req.FileURL
			utils.InvalidateByPrefix("cache:records:")
		}
		s.fetchAsync(rec, req.Cookies)
		return CaptureResult{Duplicate: true, ID: rec.ID, NeedUpload: true}, nil
	}

	rec := models.Record{
		ID:         newRecordID(),
		Title:      utils.SanitizeTitle(req.Title),
		PageURL:    req.PageURL,
		FileURL:    req.FileURL,
		Type:       req.Type,
		Ref:        req.Ref,
		CapturedAt: time.Now(),
	}
	rec.BackupPath = backupPath(rec)

	if err := s.Records.Append(rec); err != nil {
		return CaptureResult{}, err
	}
	utils.InvalidateByPrefix("cache:records:")

	s.fetchAsync(rec, req.Cookies)
	return CaptureResult{ID: rec.ID}, nil
}

// fetchAsync fires the direct downloader and forgets it. Failure is not
// an error anywhere on the request path: the file simply stays absent
// and later shows up via batch retry or fallback upload.
func (s *Service) fetchAsync(rec models.Record, cookies string) {
	if rec.FileURL == "" {
		return
	}
	job := s.jobFor(rec, cookies)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.Direct.Fetch(ctx, job); err != nil {
			if utils.Sugar != nil {
				utils.Sugar.Infof("direct fetch failed record=%s: %v", rec.ID, err)
			}
			return
		}
		// The file just appeared, so cached listings are stale.
		utils.InvalidateByPrefix("cache:records:")
	}()
}

// BatchResult summarizes one batch retry run.
type BatchResult struct {
	SuccessCount int      `json:"successCount"`
	SuccessIDs   []string `json:"successIds"`
	Total        int      `json:"total"`
}

// RetryMissing pushes every record with an absent backing file through
// the browser bypass engine. progress, if non-nil, observes each item as
// it completes. Cancelling ctx aborts cooperatively between groups and
// returns what finished so far.
func (s *Service) RetryMissing(ctx context.Context, progress func(downloader.Progress)) (BatchResult, error) {
	missing := s.Records.Missing(s.DataDir)
	result := BatchResult{Total: len(missing), SuccessIDs: []string{}}
	if len(missing) == 0 {
		return result, nil
	}

	jobs := make([]downloader.Job, 0, len(missing))
	for _, rec := range missing {
		jobs = append(jobs, s.jobFor(rec, ""))
	}

	events, err := s.Engine.RetryBatch(ctx, jobs)
	if err != nil {
		return result, err
	}
	for ev := range events {
		if ev.Err == nil {
			result.SuccessCount++
			result.SuccessIDs = append(result.SuccessIDs, ev.Job.RecordID)
		} else {
			utils.Sugar.Warnf("bypass retry failed record=%s: %v", ev.Job.RecordID, ev.Err)
		}
		if progress != nil {
			progress(ev)
		}
	}

	if result.SuccessCount > 0 {
		utils.InvalidateByPrefix("cache:records:")
	}
	return result, ctx.Err()
}

// RecoverOutcome is the visitor-facing recovery result.
type RecoverOutcome struct {
	BackupURL        string
	AlreadyRecovered bool
	Remaining        int
	Total            int
}

// Recover services an anonymous "recover my expired link" request.
// Matching is on slug equality, not full URL equality; blocked records
// and records without a backing file do not exist as far as visitors
// are concerned. Replays of an already-recovered slug are free.
func (s *Service) Recover(visitorID, pageURL string) (RecoverOutcome, error) {
	slug := utils.Slug(pageURL)
	if slug == "" {
		return RecoverOutcome{}, ErrNoBackup
	}

	var match *models.Record
	for _, rec := range s.Records.All() {
		if rec.Blocked {
			continue
		}
		if utils.Slug(rec.PageURL) != slug {
			continue
		}
		if !rec.HasBackup(s.DataDir) {
			continue
		}
		r := rec
		match = &r
		break
	}
	if match == nil {
		return RecoverOutcome{}, ErrNoBackup
	}

	res, err := s.Quota.Recover(visitorID, slug, s.backupURL(*match))
	if err != nil {
		return RecoverOutcome{Remaining: res.Remaining, Total: res.Total}, err
	}
	return RecoverOutcome{
		BackupURL:        res.BackupURL,
		AlreadyRecovered: res.AlreadyRecovered,
		Remaining:        res.Remaining,
		Total:            res.Total,
	}, nil
}

func (s *Service) jobFor(rec models.Record, cookies string) downloader.Job {
	return downloader.Job{
		RecordID: rec.ID,
		FileURL:  rec.FileURL,
		PageURL:  rec.PageURL,
		Dest:     rec.BackupFile(s.DataDir),
		Cookies:  cookies,
	}
}

func (s *Service) backupURL(rec models.Record) string {
	return strings.TrimRight(s.PublicBaseURL, "/") + "/files/" + rec.BackupPath
}

// newRecordID builds an opaque, time-derived id: base36 millis plus a
// uuid fragment so same-millisecond captures stay unique.
func newRecordID() string {
	millis := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return millis + "-" + uuid.NewString()[:8]
}

// backupPath derives the type-scoped relative path for a record's
// binary. The sanitized title is only cosmetic; the id suffix is what
// keeps same-title captures from colliding.
func backupPath(rec models.Record) string {
	name := utils.SanitizeFilename(rec.Title)
	return fmt.Sprintf("%s/%s-%s%s", rec.Type, name, rec.ID, fileExt(rec))
}

func fileExt(rec models.Record) string {
	if u, err := url.Parse(rec.FileURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 5 {
			return ext
		}
	}
	if rec.Type == models.TypeVideo {
		return ".mp4"
	}
	return ".jpg"
}
