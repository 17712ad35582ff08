package archiver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Jeffrey0117/tampermonkey-lurl-download/config"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/downloader"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/store"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/utils"
)

func TestMain(m *testing.M) {
	config.SetForTest(config.AppConfig{
		AppPort:       "8080",
		PublicBaseURL: "http://backup.test",
		JWTSecret:     "test-secret",
		AdminUsername: "admin",
		AdminSecret:   "test-secret",
		FreeQuota:     3,
		RedisHost:     "127.0.0.1",
		RedisPort:     6379,
	})
	utils.Logger = zap.NewNop()
	utils.Sugar = utils.Logger.Sugar()
	os.Exit(m.Run())
}

// blockedFetcher parks fetch jobs so tests stay deterministic: nothing
// ever lands on disk unless the test puts it there.
type blockedFetcher struct{}

func (blockedFetcher) Fetch(ctx context.Context, job downloader.Job) error {
	return downloader.ErrAllStrategiesFailed
}

// writingFetcher lands a payload at the destination like a successful
// direct fetch would.
type writingFetcher struct{}

func (writingFetcher) Fetch(ctx context.Context, job downloader.Job) error {
	if err := os.MkdirAll(filepath.Dir(job.Dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(job.Dest, []byte("fetched bytes"), 0o644)
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	dataDir := t.TempDir()

	records, err := store.OpenRecordStore(filepath.Join(dataDir, "records.jsonl"))
	require.NoError(t, err)
	quota, err := store.OpenQuotaStore(filepath.Join(dataDir, "quota.jsonl"), 3)
	require.NoError(t, err)

	return &Service{
		Records:       records,
		Quota:         quota,
		Direct:        blockedFetcher{},
		DataDir:       dataDir,
		PublicBaseURL: "http://backup.test",
	}
}

func captureReq(pageURL, fileURL string) CaptureRequest {
	return CaptureRequest{
		Title:   "some clip",
		PageURL: pageURL,
		FileURL: fileURL,
		Type:    "video",
	}
}

func placeBackup(t *testing.T, svc *Service, id string) {
	t.Helper()
	rec, err := svc.Records.Get(id)
	require.NoError(t, err)
	dest := rec.BackupFile(svc.DataDir)
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, []byte("binary payload"), 0o644))
}

func TestCaptureCreatesRecord(t *testing.T) {
	svc := newTestService(t)

	res, err := svc.Capture(captureReq("https://lurl.cc/abcde", "https://v.lurl.cc/a.mp4"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.NotEmpty(t, res.ID)

	rec, err := svc.Records.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, "video", rec.Type)
	assert.Equal(t, "video/some-clip-"+rec.ID+".mp4", rec.BackupPath)
}

func TestCaptureDuplicateWithBackupPresent(t *testing.T) {
	svc := newTestService(t)

	first, err := svc.Capture(captureReq("https://lurl.cc/abcde", "https://v.lurl.cc/a.mp4"))
	require.NoError(t, err)
	placeBackup(t, svc, first.ID)

	second, err := svc.Capture(captureReq("https://lurl.cc/abcde", "https://v.lurl.cc/a.mp4"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, second.NeedUpload)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, svc.Records.All(), 1, "no second record for a duplicate")
}

func TestCaptureDuplicateMissingFileRotatesURL(t *testing.T) {
	svc := newTestService(t)

	first, err := svc.Capture(captureReq("https://lurl.cc/abcde", "https://v.lurl.cc/old.mp4"))
	require.NoError(t, err)

	second, err := svc.Capture(captureReq("https://lurl.cc/abcde", "https://v.lurl.cc/rotated.mp4"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.True(t, second.NeedUpload, "absent backup means the producer must retry acquisition")

	rec, err := svc.Records.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://v.lurl.cc/rotated.mp4", rec.FileURL)
}

func TestCaptureBlockedShortCircuits(t *testing.T) {
	svc := newTestService(t)

	first, err := svc.Capture(captureReq("https://lurl.cc/abcde", "https://v.lurl.cc/a.mp4"))
	require.NoError(t, err)
	require.NoError(t, svc.Records.SetBlocked(first.ID, true))

	res, err := svc.Capture(captureReq("https://lurl.cc/abcde", "https://v.lurl.cc/b.mp4"))
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Len(t, svc.Records.All(), 1, "blocked page must not grow the log")

	// The blocked record's FileURL stays untouched.
	rec, err := svc.Records.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://v.lurl.cc/a.mp4", rec.FileURL)
}

func TestRecoverHappyPath(t *testing.T) {
	svc := newTestService(t)

	res, err := svc.Capture(captureReq("https://lurl.cc/AbCdE", "https://v.lurl.cc/a.mp4"))
	require.NoError(t, err)
	placeBackup(t, svc, res.ID)
	rec, err := svc.Records.Get(res.ID)
	require.NoError(t, err)

	// Casing and prefix drift; slugs still join.
	out, err := svc.Recover("v1", "http://www.lurl.cc/abcde")
	require.NoError(t, err)
	assert.False(t, out.AlreadyRecovered)
	assert.Equal(t, "http://backup.test/files/"+rec.BackupPath, out.BackupURL)
	assert.Equal(t, 2, out.Remaining)

	again, err := svc.Recover("v1", "https://lurl.cc/ABCDE")
	require.NoError(t, err)
	assert.True(t, again.AlreadyRecovered)
	assert.Equal(t, 2, again.Remaining)
}

func TestRecoverNoBackupCases(t *testing.T) {
	svc := newTestService(t)

	// Never captured.
	_, err := svc.Recover("v1", "https://lurl.cc/nothing")
	assert.ErrorIs(t, err, ErrNoBackup)

	// Captured but the binary never arrived.
	res, err := svc.Capture(captureReq("https://lurl.cc/abcde", "https://v.lurl.cc/a.mp4"))
	require.NoError(t, err)
	_, err = svc.Recover("v1", "https://lurl.cc/abcde")
	assert.ErrorIs(t, err, ErrNoBackup)

	// Present but blocked: invisible to visitors.
	placeBackup(t, svc, res.ID)
	require.NoError(t, svc.Records.SetBlocked(res.ID, true))
	_, err = svc.Recover("v1", "https://lurl.cc/abcde")
	assert.ErrorIs(t, err, ErrNoBackup)
}

func TestRecoverQuotaExhausted(t *testing.T) {
	svc := newTestService(t)

	slugs := []string{"aaaa1", "bbbb2", "cccc3", "dddd4"}
	for _, slug := range slugs {
		res, err := svc.Capture(captureReq("https://lurl.cc/"+slug, "https://v.lurl.cc/"+slug+".mp4"))
		require.NoError(t, err)
		placeBackup(t, svc, res.ID)
	}

	for _, slug := range slugs[:3] {
		_, err := svc.Recover("v1", "https://lurl.cc/"+slug)
		require.NoError(t, err)
	}

	_, err := svc.Recover("v1", "https://lurl.cc/"+slugs[3])
	assert.ErrorIs(t, err, store.ErrQuotaExhausted)

	v := svc.Quota.Visitor("v1")
	assert.Equal(t, 3, v.UsedCount)
	assert.Len(t, v.History, 3)

	// A different visitor still has their own allowance.
	_, err = svc.Recover("v2", "https://lurl.cc/"+slugs[3])
	require.NoError(t, err)
}

func TestRetryMissingNothingToDo(t *testing.T) {
	svc := newTestService(t)

	res, err := svc.Capture(captureReq("https://lurl.cc/abcde", "https://v.lurl.cc/a.mp4"))
	require.NoError(t, err)
	placeBackup(t, svc, res.ID)

	// No missing records means the engine (nil here) is never touched.
	out, err := svc.RetryMissing(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Total)
	assert.Empty(t, out.SuccessIDs)
}

func TestBackupPathUniquePerRecord(t *testing.T) {
	svc := newTestService(t)

	// Identical titles on different pages must not collide on disk.
	a, err := svc.Capture(captureReq("https://lurl.cc/one11", "https://v.lurl.cc/a.mp4"))
	require.NoError(t, err)
	b, err := svc.Capture(captureReq("https://lurl.cc/two22", "https://v.lurl.cc/b.mp4"))
	require.NoError(t, err)

	recA, err := svc.Records.Get(a.ID)
	require.NoError(t, err)
	recB, err := svc.Records.Get(b.ID)
	require.NoError(t, err)
	assert.NotEqual(t, recA.BackupPath, recB.BackupPath)
}

func TestNewRecordIDsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := newRecordID()
		require.False(t, seen[id], "id collision: %s", id)
		seen[id] = true
	}
}

func TestCaptureFetchSuccessLandsFile(t *testing.T) {
	svc := newTestService(t)
	svc.Direct = writingFetcher{}

	res, err := svc.Capture(captureReq("https://lurl.cc/abcde", "https://v.lurl.cc/a.mp4"))
	require.NoError(t, err)

	rec, err := svc.Records.Get(res.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return rec.HasBackup(svc.DataDir)
	}, 5*time.Second, 10*time.Millisecond, "background fetch must land the file")
}

func TestTryRetryMissingConflictIsPerService(t *testing.T) {
	a := newTestService(t)
	b := newTestService(t)

	a.retrying.Store(true)
	_, skipped, err := a.TryRetryMissing(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, skipped)

	// An in-flight batch on one service never blocks another.
	res, skipped, err := b.TryRetryMissing(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Equal(t, 0, res.Total)
}

func TestCaptureFetchFailureIsNotAnError(t *testing.T) {
	svc := newTestService(t)

	// Direct always fails here; capture still succeeds and the record
	// simply has no backing file.
	res, err := svc.Capture(captureReq("https://lurl.cc/abcde", "https://v.lurl.cc/a.mp4"))
	require.NoError(t, err)

	rec, err := svc.Records.Get(res.ID)
	require.NoError(t, err)
	assert.False(t, rec.HasBackup(svc.DataDir))
	assert.True(t, errors.Is(blockedFetcher{}.Fetch(context.Background(), downloader.Job{}), downloader.ErrAllStrategiesFailed))
}
