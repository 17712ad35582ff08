package models

import (
	"os"
	"path/filepath"
	"time"
)

// Record types. Captures outside these two are rejected at the API edge.
const (
	TypeVideo = "video"
	TypeImage = "image"
)

// Record is one archived item: the metadata a producer userscript observed
// on a share page, plus where the durable copy lives once acquired. One
// record is one line of records.jsonl.
type Record struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	PageURL       string    `json:"page_url"`
	FileURL       string    `json:"file_url"`
	Type          string    `json:"type"`
	BackupPath    string    `json:"backup_path"` // relative to the data dir, e.g. video/clip-xyz.mp4
	ThumbnailPath string    `json:"thumbnail_path,omitempty"`
	Ref           string    `json:"ref,omitempty"` // referring article URL, if any
	Blocked       bool      `json:"blocked"`
	LikeCount     int       `json:"like_count"`
	DislikeCount  int       `json:"dislike_count"`
	CapturedAt    time.Time `json:"captured_at"`
}

// BackupFile returns the absolute path of the record's backing file.
func (r *Record) BackupFile(dataDir string) string {
	return filepath.Join(dataDir, filepath.FromSlash(r.BackupPath))
}

// HasBackup reports whether the backing file exists on disk. Presence is
// never stored on the record because downloads complete asynchronously
// after the record is written; disk is the only truth.
func (r *Record) HasBackup(dataDir string) bool {
	if r.BackupPath == "" {
		return false
	}
	info, err := os.Stat(r.BackupFile(dataDir))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// RecordView is the API representation of a Record with the derived
// presence flag attached.
type RecordView struct {
	Record
	HasBackup bool `json:"has_backup"`
}
