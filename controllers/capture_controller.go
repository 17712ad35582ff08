package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Jeffrey0117/tampermonkey-lurl-download/archiver"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/models"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/store"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/upload"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/utils"
)

// Fallback uploads carry whole video payloads relayed by the client.
const maxUploadSize = 200 * 1024 * 1024

// CaptureController ingests producer captures and fallback uploads.
type CaptureController struct {
	svc       *archiver.Service
	assembler *upload.Assembler
}

// NewCaptureController creates a new CaptureController instance.
func NewCaptureController(svc *archiver.Service, assembler *upload.Assembler) *CaptureController {
	return &CaptureController{svc: svc, assembler: assembler}
}

// Capture receives metadata the userscript observed on a share page.
func (cc *CaptureController) Capture(ctx *gin.Context) {
	var req struct {
		Title   string `json:"title" binding:"required"`
		PageURL string `json:"pageUrl" binding:"required"`
		FileURL string `json:"fileUrl" binding:"required"`
		Type    string `json:"type" binding:"required"`
		Ref     string `json:"ref"`
		Cookies string `json:"cookies"`
	}

	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40010, "invalid capture payload")
		return
	}

	typ := strings.ToLower(strings.TrimSpace(req.Type))
	if typ != models.TypeVideo && typ != models.TypeImage {
		utils.Error(ctx, http.StatusBadRequest, 40011, "type must be video or image")
		return
	}

	res, err := cc.svc.Capture(archiver.CaptureRequest{
		Title:   req.Title,
		PageURL: strings.TrimSpace(req.PageURL),
		FileURL: strings.TrimSpace(req.FileURL),
		Type:    typ,
		Ref:     req.Ref,
		Cookies: req.Cookies,
	})
	if err != nil {
		utils.Sugar.Errorf("capture failed page=%s: %v", req.PageURL, err)
		utils.Error(ctx, http.StatusInternalServerError, 50010, "failed to persist capture")
		return
	}

	utils.Success(ctx, gin.H{
		"id":         res.ID,
		"duplicate":  res.Duplicate,
		"needUpload": res.NeedUpload,
		"blocked":    res.Blocked,
	})
}

// Upload receives fallback bytes the producing browser fetched itself.
// The body is the raw binary; record id and optional chunk markers ride
// in headers so the payload needs no framing.
func (cc *CaptureController) Upload(ctx *gin.Context) {
	recordID := strings.TrimSpace(ctx.GetHeader("X-Record-Id"))
	if recordID == "" {
		utils.Error(ctx, http.StatusBadRequest, 40013, "missing X-Record-Id header")
		return
	}

	rec, err := cc.svc.Records.Get(recordID)
	if errors.Is(err, store.ErrNotFound) {
		utils.Error(ctx, http.StatusNotFound, 40410, "record not found")
		return
	}
	if err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50011, "failed to load record")
		return
	}
	if rec.Blocked {
		utils.Error(ctx, http.StatusForbidden, 40310, "record is blocked")
		return
	}

	dest := rec.BackupFile(cc.svc.DataDir)

	chunkHdr := ctx.GetHeader("X-Chunk-Index")
	totalHdr := ctx.GetHeader("X-Chunk-Total")
	if chunkHdr == "" && totalHdr == "" {
		size, err := cc.assembler.SaveDirect(dest, ctx.Request.Body, maxUploadSize)
		if err != nil {
			utils.Sugar.Errorf("direct upload failed record=%s: %v", recordID, err)
			utils.Error(ctx, http.StatusInternalServerError, 50012, "failed to store upload")
			return
		}
		utils.InvalidateByPrefix("cache:records:")
		utils.Success(ctx, gin.H{"size": size})
		return
	}

	index, err := strconv.Atoi(chunkHdr)
	if err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40014, "invalid X-Chunk-Index header")
		return
	}
	total, err := strconv.Atoi(totalHdr)
	if err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40015, "invalid X-Chunk-Total header")
		return
	}

	received, assembled, err := cc.assembler.SaveChunk(recordID, dest, index, total, ctx.Request.Body)
	if err != nil {
		utils.Sugar.Errorf("chunk upload failed record=%s chunk=%d/%d: %v", recordID, index, total, err)
		utils.Error(ctx, http.StatusBadRequest, 40016, "failed to store chunk")
		return
	}
	if assembled {
		utils.InvalidateByPrefix("cache:records:")
	}

	utils.Success(ctx, gin.H{
		"chunk":     index,
		"total":     total,
		"received":  received,
		"assembled": assembled,
	})
}
