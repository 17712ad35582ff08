package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jeffrey0117/tampermonkey-lurl-download/models"
)

func testRecord(id, pageURL string) models.Record {
	return models.Record{
		ID:         id,
		Title:      "clip " + id,
		PageURL:    pageURL,
		FileURL:    "https://cdn.example.com/" + id + ".mp4",
		Type:       models.TypeVideo,
		BackupPath: "video/clip-" + id + ".mp4",
		CapturedAt: time.Now(),
	}
}

func TestRecordStoreAppendAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")

	s, err := OpenRecordStore(path)
	require.NoError(t, err)

	require.NoError(t, s.Append(testRecord("a1", "https://lurl.cc/aaa")))
	require.NoError(t, s.Append(testRecord("a2", "https://lurl.cc/bbb")))
	assert.Error(t, s.Append(testRecord("a1", "https://lurl.cc/ccc")), "duplicate id must be rejected")

	// Reopen and make sure the log round-trips.
	s2, err := OpenRecordStore(path)
	require.NoError(t, err)
	all := s2.All()
	require.Len(t, all, 2)
	// Newest first.
	assert.Equal(t, "a2", all[0].ID)
	assert.Equal(t, "a1", all[1].ID)
}

func TestRecordStoreSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")

	s, err := OpenRecordStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(testRecord("a1", "https://lurl.cc/aaa")))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json at all\n\n{\"no_id\":true}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, s.Append(testRecord("a2", "https://lurl.cc/bbb")))

	s2, err := OpenRecordStore(path)
	require.NoError(t, err)
	assert.Len(t, s2.All(), 2)
}

func TestRecordStoreFindByPageURLBlockedAware(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	s, err := OpenRecordStore(path)
	require.NoError(t, err)

	rec := testRecord("a1", "https://lurl.cc/aaa")
	require.NoError(t, s.Append(rec))
	require.NoError(t, s.SetBlocked("a1", true))

	// A blocked record never satisfies dedup matching...
	_, ok := s.FindByPageURL("https://lurl.cc/aaa", false)
	assert.False(t, ok)

	// ...but the blocklist re-check can still see it.
	got, ok := s.FindByPageURL("https://lurl.cc/aaa", true)
	require.True(t, ok)
	assert.True(t, got.Blocked)
}

func TestRecordStoreMutatorsPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	s, err := OpenRecordStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(testRecord("a1", "https://lurl.cc/aaa")))

	require.NoError(t, s.UpdateFileURL("a1", "https://cdn2.example.com/rotated.mp4"))
	require.NoError(t, s.UpdateThumbnail("a1", "thumbs/a1.jpg"))
	require.NoError(t, s.Vote("a1", true))
	require.NoError(t, s.Vote("a1", true))
	require.NoError(t, s.Vote("a1", false))

	s2, err := OpenRecordStore(path)
	require.NoError(t, err)
	rec, err := s2.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn2.example.com/rotated.mp4", rec.FileURL)
	assert.Equal(t, "thumbs/a1.jpg", rec.ThumbnailPath)
	assert.Equal(t, 2, rec.LikeCount)
	assert.Equal(t, 1, rec.DislikeCount)

	assert.ErrorIs(t, s2.Vote("nope", true), ErrNotFound)
}

func TestRecordStoreMissing(t *testing.T) {
	dataDir := t.TempDir()
	s, err := OpenRecordStore(filepath.Join(dataDir, "records.jsonl"))
	require.NoError(t, err)

	present := testRecord("p1", "https://lurl.cc/aaa")
	absent := testRecord("m1", "https://lurl.cc/bbb")
	blocked := testRecord("b1", "https://lurl.cc/ccc")
	require.NoError(t, s.Append(present))
	require.NoError(t, s.Append(absent))
	require.NoError(t, s.Append(blocked))
	require.NoError(t, s.SetBlocked("b1", true))

	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "video"), 0o755))
	require.NoError(t, os.WriteFile(present.BackupFile(dataDir), []byte("binary"), 0o644))

	missing := s.Missing(dataDir)
	require.Len(t, missing, 1)
	assert.Equal(t, "m1", missing[0].ID)
}

func TestRecordStoreDeleteRemovesFile(t *testing.T) {
	dataDir := t.TempDir()
	s, err := OpenRecordStore(filepath.Join(dataDir, "records.jsonl"))
	require.NoError(t, err)

	rec := testRecord("a1", "https://lurl.cc/aaa")
	require.NoError(t, s.Append(rec))
	require.NoError(t, s.Append(testRecord("a2", "https://lurl.cc/bbb")))

	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "video"), 0o755))
	require.NoError(t, os.WriteFile(rec.BackupFile(dataDir), []byte("binary"), 0o644))

	require.NoError(t, s.Delete("a1", dataDir))
	_, err = s.Get("a1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(rec.BackupFile(dataDir))
	assert.True(t, os.IsNotExist(err))

	// The survivor is still reachable after the index reshuffle.
	got, err := s.Get("a2")
	require.NoError(t, err)
	assert.Equal(t, "a2", got.ID)
}
