package controllers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Jeffrey0117/tampermonkey-lurl-download/archiver"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/config"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/downloader"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/store"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/utils"
)

// AdminController is the operator surface: batch retries, blocklist,
// record maintenance, and quota grants.
type AdminController struct {
	svc *archiver.Service
}

// NewAdminController creates a new AdminController instance.
func NewAdminController(svc *archiver.Service) *AdminController {
	return &AdminController{svc: svc}
}

// Login exchanges the configured operator credential for a bearer token.
func (ac *AdminController) Login(ctx *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Secret   string `json:"secret" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40040, "invalid login payload")
		return
	}

	cfg := config.Get()
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(cfg.AdminUsername)) == 1
	secretOK := subtle.ConstantTimeCompare([]byte(req.Secret), []byte(cfg.AdminSecret)) == 1
	if !userOK || !secretOK {
		utils.Error(ctx, http.StatusUnauthorized, 40140, "invalid credentials")
		return
	}

	token, err := utils.GenerateOperatorToken(req.Username, 12*time.Hour)
	if err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50040, "failed to issue token")
		return
	}
	utils.Success(ctx, gin.H{"token": token})
}

// RetryMissing pushes every record with an absent backing file through
// the browser bypass engine. Runs synchronously; closing the connection
// cancels the batch cooperatively between groups. Returns 409 when a
// batch is already in flight.
func (ac *AdminController) RetryMissing(ctx *gin.Context) {
	res, skipped, err := ac.svc.TryRetryMissing(ctx.Request.Context(), func(p downloader.Progress) {
		utils.Sugar.Infof("retry progress %d/%d record=%s ok=%t",
			p.Completed, p.Total, p.Job.RecordID, p.Err == nil)
	})
	if skipped {
		utils.Error(ctx, http.StatusConflict, 40940, "a retry batch is already running")
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		utils.Sugar.Errorf("retry batch failed: %v", err)
		utils.Error(ctx, http.StatusInternalServerError, 50041, "retry batch failed")
		return
	}

	utils.Success(ctx, gin.H{
		"successCount": res.SuccessCount,
		"successIds":   res.SuccessIDs,
		"total":        res.Total,
	})
}

// SetBlocked toggles a record's blocked flag. Blocked records vanish
// from listings, dedup matching, and the recovery service.
func (ac *AdminController) SetBlocked(ctx *gin.Context) {
	var req struct {
		Blocked *bool `json:"blocked" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40041, "invalid blocked payload")
		return
	}

	if err := ac.svc.Records.SetBlocked(ctx.Param("id"), *req.Blocked); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.Error(ctx, http.StatusNotFound, 40430, "record not found")
			return
		}
		utils.Error(ctx, http.StatusInternalServerError, 50042, "failed to update record")
		return
	}
	utils.InvalidateByPrefix("cache:records:")
	utils.Success(ctx, gin.H{"blocked": *req.Blocked})
}

// SetThumbnail attaches a thumbnail path produced by the external
// thumbnailer to a record.
func (ac *AdminController) SetThumbnail(ctx *gin.Context) {
	var req struct {
		ThumbnailPath string `json:"thumbnailPath" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40042, "invalid thumbnail payload")
		return
	}

	if err := ac.svc.Records.UpdateThumbnail(ctx.Param("id"), req.ThumbnailPath); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.Error(ctx, http.StatusNotFound, 40430, "record not found")
			return
		}
		utils.Error(ctx, http.StatusInternalServerError, 50043, "failed to update record")
		return
	}
	utils.InvalidateByPrefix("cache:records:")
	utils.Success(ctx, gin.H{"thumbnailPath": req.ThumbnailPath})
}

// DeleteRecord removes a record and its backing file.
func (ac *AdminController) DeleteRecord(ctx *gin.Context) {
	if err := ac.svc.Records.Delete(ctx.Param("id"), ac.svc.DataDir); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.Error(ctx, http.StatusNotFound, 40430, "record not found")
			return
		}
		utils.Error(ctx, http.StatusInternalServerError, 50044, "failed to delete record")
		return
	}
	utils.InvalidateByPrefix("cache:records:")
	utils.Success(ctx, gin.H{"deleted": true})
}

// GrantQuota tops up a visitor's paid recovery quota.
func (ac *AdminController) GrantQuota(ctx *gin.Context) {
	var req struct {
		Paid int `json:"paid" binding:"required,min=1"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40043, "paid must be a positive integer")
		return
	}

	v, err := ac.svc.Quota.GrantPaid(ctx.Param("id"), req.Paid)
	if err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50045, "failed to grant quota")
		return
	}
	utils.Success(ctx, gin.H{
		"visitorId": v.VisitorID,
		"remaining": v.Remaining(),
		"total":     v.Total(),
	})
}
