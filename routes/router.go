package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/Jeffrey0117/tampermonkey-lurl-download/archiver"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/config"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/controllers"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/middleware"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/upload"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/utils"
)

// SetupRouter wires routes, middlewares, and controllers.
func SetupRouter(svc *archiver.Service, assembler *upload.Assembler) *gin.Engine {
	cfg := config.Get()
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	// Replace default console logger with file-based zap logger
	gl, err := utils.NewRollingFileLogger(cfg.GinPath, cfg.LogLevel, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays, cfg.LogCompress)
	if err == nil {
		r.Use(utils.Ginzap(gl, time.RFC3339, true))
		r.Use(utils.RecoveryWithZap(gl, false))
	} else {
		// fallback to default recovery if logger failed to init
		r.Use(gin.Recovery())
	}

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Record-Id", "X-Chunk-Index", "X-Chunk-Total", "X-Visitor-Id"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	// Range-request byte-serving of stored binaries; gin's static file
	// handler does the range work.
	r.Static("/files", cfg.DataDir)

	r.GET("/health", func(ctx *gin.Context) {
		utils.Success(ctx, gin.H{"status": "ok"})
	})

	captureController := controllers.NewCaptureController(svc, assembler)
	recordController := controllers.NewRecordController(svc)
	recoverController := controllers.NewRecoverController(svc)
	adminController := controllers.NewAdminController(svc)

	api := r.Group("/api/v1")

	public := api.Group("")
	public.Use(middleware.RateLimitMiddleware())
	public.POST("/capture", captureController.Capture)
	public.POST("/upload", captureController.Upload)
	public.POST("/recover", recoverController.Recover)
	public.GET("/quota", recoverController.Quota)
	public.GET("/records", recordController.ListRecords)
	public.GET("/records/:id", recordController.GetRecord)
	public.POST("/records/:id/vote", recordController.Vote)

	api.POST("/admin/login", middleware.RateLimitMiddleware(), adminController.Login)

	admin := api.Group("/admin")
	admin.Use(middleware.AdminRequired())
	admin.POST("/retry-missing", adminController.RetryMissing)
	admin.PATCH("/records/:id/blocked", adminController.SetBlocked)
	admin.PATCH("/records/:id/thumbnail", adminController.SetThumbnail)
	admin.DELETE("/records/:id", adminController.DeleteRecord)
	admin.POST("/visitors/:id/quota", adminController.GrantQuota)

	r.NoRoute(func(ctx *gin.Context) {
		if strings.HasPrefix(ctx.Request.URL.Path, "/api/") {
			utils.Error(ctx, http.StatusNotFound, 40400, "api route not found")
			return
		}
		ctx.JSON(http.StatusNotFound, gin.H{"message": "not found"})
	})

	return r
}
