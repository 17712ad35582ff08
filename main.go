package main

import (
	"path/filepath"
	"time"

	"github.com/Jeffrey0117/tampermonkey-lurl-download/archiver"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/config"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/downloader"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/routes"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/store"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/upload"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/utils"
)

func main() {
	cfg := config.Load()

	// Initialize logger early
	if err := utils.InitLogger(cfg); err != nil {
		panic(err)
	}

	records, err := store.OpenRecordStore(filepath.Join(cfg.DataDir, "records.jsonl"))
	if err != nil {
		utils.Sugar.Fatalf("open record store: %v", err)
	}
	quota, err := store.OpenQuotaStore(filepath.Join(cfg.DataDir, "quota.jsonl"), cfg.FreeQuota)
	if err != nil {
		utils.Sugar.Fatalf("open quota store: %v", err)
	}

	engine := downloader.NewEngine(
		downloader.NewBrowser(cfg.BrowserExecPath),
		downloader.EngineConfig{
			GroupSize:       cfg.BrowserGroupSize,
			NavTimeout:      time.Duration(cfg.BrowserNavTimeoutSec) * time.Second,
			ChallengeWait:   time.Duration(cfg.ChallengeWaitSec) * time.Second,
			MinPayloadBytes: cfg.MinPayloadBytes,
		},
	)

	// Fresh captures run the fallback chain; the engine stays batch-only
	// so chrome never launches on the request path.
	svc := &archiver.Service{
		Records:       records,
		Quota:         quota,
		Direct:        downloader.NewChain(downloader.NewDirect()),
		Engine:        engine,
		DataDir:       cfg.DataDir,
		PublicBaseURL: cfg.PublicBaseURL,
	}

	assembler := upload.NewAssembler(filepath.Join(cfg.DataDir, "tmp", "chunks"))

	// Background retry of records still missing their binary (best-effort)
	svc.StartRetryScheduler(time.Duration(cfg.RetryIntervalMin) * time.Minute)

	r := routes.SetupRouter(svc, assembler)

	utils.Sugar.Infof("Starting server on port %s (graceful)", cfg.AppPort)
	if err := utils.GraceServer(":"+cfg.AppPort, r); err != nil {
		utils.Sugar.Fatalf("server stopped with error: %v", err)
	}
}
