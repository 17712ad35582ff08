package controllers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Jeffrey0117/tampermonkey-lurl-download/archiver"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/store"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/utils"
)

// RecoverController serves "recover my expired link" requests from
// anonymous visitors, metered by the quota ledger.
type RecoverController struct {
	svc *archiver.Service
}

// NewRecoverController creates a new RecoverController instance.
func NewRecoverController(svc *archiver.Service) *RecoverController {
	return &RecoverController{svc: svc}
}

// Recover matches the submitted share URL against stored records by
// slug and returns the backup URL if the visitor has quota left.
// Replaying an already-recovered slug is free.
func (rc *RecoverController) Recover(ctx *gin.Context) {
	visitorID := strings.TrimSpace(ctx.GetHeader("X-Visitor-Id"))
	if visitorID == "" {
		utils.Error(ctx, http.StatusBadRequest, 40020, "missing X-Visitor-Id header")
		return
	}

	var req struct {
		PageURL string `json:"pageUrl" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40021, "invalid recover payload")
		return
	}

	out, err := rc.svc.Recover(visitorID, req.PageURL)
	if errors.Is(err, archiver.ErrNoBackup) {
		utils.Error(ctx, http.StatusNotFound, 40420, "no backup for this link")
		return
	}
	if errors.Is(err, store.ErrQuotaExhausted) {
		utils.ErrorKind(ctx, http.StatusPaymentRequired, 40220, "quota_exhausted", "recovery quota exhausted")
		return
	}
	if err != nil {
		utils.Sugar.Errorf("recover failed visitor=%s: %v", visitorID, err)
		utils.Error(ctx, http.StatusInternalServerError, 50020, "failed to recover link")
		return
	}

	utils.Success(ctx, gin.H{
		"backupUrl":        out.BackupURL,
		"alreadyRecovered": out.AlreadyRecovered,
		"quota": gin.H{
			"remaining": out.Remaining,
			"total":     out.Total,
		},
	})
}

// Quota returns the visitor's current balance without spending anything.
func (rc *RecoverController) Quota(ctx *gin.Context) {
	visitorID := strings.TrimSpace(ctx.GetHeader("X-Visitor-Id"))
	if visitorID == "" {
		utils.Error(ctx, http.StatusBadRequest, 40020, "missing X-Visitor-Id header")
		return
	}

	v := rc.svc.Quota.Visitor(visitorID)
	utils.Success(ctx, gin.H{
		"remaining": v.Remaining(),
		"total":     v.Total(),
		"used":      v.UsedCount,
	})
}
