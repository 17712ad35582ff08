package controllers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Jeffrey0117/tampermonkey-lurl-download/archiver"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/models"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/store"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/utils"
)

// RecordController exposes the read-only record surface plus votes.
// Metadata stays browsable even when the binary never arrived.
type RecordController struct {
	svc *archiver.Service
}

// NewRecordController creates a new RecordController instance.
func NewRecordController(svc *archiver.Service) *RecordController {
	return &RecordController{svc: svc}
}

// ListRecords returns non-blocked records, newest first, with the
// presence flag recomputed from disk. Filterable by type.
func (rc *RecordController) ListRecords(ctx *gin.Context) {
	typ := strings.TrimSpace(ctx.Query("type"))

	cacheKey := fmt.Sprintf("cache:records:list:type=%s", typ)
	if b, ok := utils.CacheGetBytes(cacheKey); ok {
		ctx.Data(200, "application/json", b)
		return
	}

	var views []models.RecordView
	for _, rec := range rc.svc.Records.All() {
		if rec.Blocked {
			continue
		}
		if typ != "" && rec.Type != typ {
			continue
		}
		views = append(views, models.RecordView{
			Record:    rec,
			HasBackup: rec.HasBackup(rc.svc.DataDir),
		})
	}
	if views == nil {
		views = []models.RecordView{}
	}

	body := utils.JSONResponse{Code: 0, Message: "success", Data: gin.H{"records": views}}
	ctx.JSON(200, body)
	utils.CacheSetJSON(cacheKey, body, 0)
}

// GetRecord returns one record by id.
func (rc *RecordController) GetRecord(ctx *gin.Context) {
	rec, err := rc.svc.Records.Get(ctx.Param("id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && rec.Blocked) {
		utils.Error(ctx, http.StatusNotFound, 40430, "record not found")
		return
	}
	if err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50030, "failed to load record")
		return
	}

	utils.Success(ctx, gin.H{"record": models.RecordView{
		Record:    rec,
		HasBackup: rec.HasBackup(rc.svc.DataDir),
	}})
}

// Vote bumps a record's like or dislike counter.
func (rc *RecordController) Vote(ctx *gin.Context) {
	var req struct {
		Value string `json:"value" binding:"required,oneof=like dislike"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40031, "value must be like or dislike")
		return
	}

	id := ctx.Param("id")
	if err := rc.svc.Records.Vote(id, req.Value == "like"); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.Error(ctx, http.StatusNotFound, 40430, "record not found")
			return
		}
		utils.Error(ctx, http.StatusInternalServerError, 50031, "failed to record vote")
		return
	}
	utils.InvalidateByPrefix("cache:records:")

	rec, _ := rc.svc.Records.Get(id)
	utils.Success(ctx, gin.H{"likeCount": rec.LikeCount, "dislikeCount": rec.DislikeCount})
}
