package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	qrcode "github.com/skip2/go-qrcode"

	"campusattend/internal/auth"
	"campusattend/internal/cloudinary"
	"campusattend/internal/config"
	"campusattend/internal/event"
	"campusattend/internal/geo"
	"campusattend/internal/httpmiddleware"
	"campusattend/internal/locator"
	"campusattend/internal/metrics"
	"campusattend/internal/queue"
	"campusattend/internal/session"
	"campusattend/internal/store"
	"campusattend/internal/token"
)

const qrImageSize = 512

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect failed: %w", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:scans")
	}

	notifier := event.NewNotifier(redisClient.Client)
	repo := event.NewRepository(db.Client, notifier)
	issuer := token.NewIssuer()
	signer := token.NewSigner(cfg.TokenSigningKey, cfg.TokenIssuer)
	ctrl := session.NewController(repo, issuer)
	loc := locator.New(cfg.LocatorURL, cfg.LocatorSkip)

	var cdnClient *cloudinary.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		cdnClient = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured; token publishing disabled")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/devices/register", func(c *gin.Context) {
		var req struct {
			DeviceID string `json:"device_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tokens, err := auth.Issue(req.DeviceID, auth.RoleDevice, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	r.POST("/v1/admin/login", func(c *gin.Context) {
		var req struct {
			APIKey string `json:"api_key" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if cfg.AdminAPIKey == "" || req.APIKey != cfg.AdminAPIKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		tokens, err := auth.Issue("admin", auth.RoleAdmin, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"access_token": tokens.AccessToken, "expires_at": tokens.AccessExp.Unix()})
	})

	authed := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))
	admin := authed.Group("", auth.RequireRole(auth.RoleAdmin))
	device := authed.Group("", auth.RequireRole(auth.RoleDevice))

	admin.POST("/events", func(c *gin.Context) {
		var req struct {
			Title    string `json:"title" binding:"required"`
			Location string `json:"location"`
			StartsAt string `json:"starts_at"`
			Geofence *struct {
				Latitude  float64 `json:"latitude"`
				Longitude float64 `json:"longitude"`
				Radius    float64 `json:"radius"`
			} `json:"geofence"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		evt := event.Event{Title: req.Title, Location: req.Location}
		if req.StartsAt != "" {
			t, err := time.Parse(time.RFC3339, req.StartsAt)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "starts_at must be RFC 3339"})
				return
			}
			evt.StartsAt = t
		}
		if req.Geofence != nil {
			evt.Geofence = &geo.Geofence{
				Latitude:  req.Geofence.Latitude,
				Longitude: req.Geofence.Longitude,
				Radius:    req.Geofence.Radius,
			}
		}
		created, err := repo.CreateEvent(c.Request.Context(), evt)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, created)
	})

	// Issues (or re-renders) the current token. With expires_at in the body
	// this is the set-manual-expiration transition; without it the cached
	// token for the unchanged session state is returned.
	admin.POST("/sessions/:eventID/token", func(c *gin.Context) {
		var req struct {
			ExpiresAt string `json:"expires_at"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		eventID := c.Param("eventID")
		var (
			view session.View
			err  error
		)
		if req.ExpiresAt != "" {
			view, err = ctrl.SetManualExpiration(c.Request.Context(), eventID, req.ExpiresAt)
		} else {
			view, err = ctrl.Show(c.Request.Context(), eventID)
		}
		if err != nil {
			writeError(c, err)
			return
		}
		respondToken(c, signer, view)
	})

	admin.GET("/sessions/:eventID/token.png", func(c *gin.Context) {
		view, err := ctrl.Show(c.Request.Context(), c.Param("eventID"))
		if err != nil {
			writeError(c, err)
			return
		}
		png, err := renderQR(signer, view.Token)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "qr render failed"})
			return
		}
		c.Data(http.StatusOK, "image/png", png)
	})

	admin.POST("/sessions/:eventID/token/publish", func(c *gin.Context) {
		if cdnClient == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image hosting not configured"})
			return
		}
		eventID := c.Param("eventID")
		view, err := ctrl.Show(c.Request.Context(), eventID)
		if err != nil {
			writeError(c, err)
			return
		}
		png, err := renderQR(signer, view.Token)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "qr render failed"})
			return
		}
		result, err := cdnClient.UploadPNG(png, "event-"+eventID)
		if err != nil {
			log.Printf("qr publish failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": result.SecureURL, "public_id": result.PublicID, "bytes": result.Bytes})
	})

	admin.POST("/sessions/:eventID/stop", func(c *gin.Context) {
		if err := ctrl.Stop(c.Request.Context(), c.Param("eventID")); err != nil {
			writeError(c, err)
			return
		}
		metrics.SessionStops.Inc()
		c.JSON(http.StatusOK, gin.H{"state": event.StateExpired})
	})

	admin.PUT("/sessions/:eventID/expiration", func(c *gin.Context) {
		var req struct {
			ExpiresAt string `json:"expires_at" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		view, err := ctrl.SetManualExpiration(c.Request.Context(), c.Param("eventID"), req.ExpiresAt)
		if err != nil {
			writeError(c, err)
			return
		}
		respondToken(c, signer, view)
	})

	admin.DELETE("/sessions/:eventID/expiration", func(c *gin.Context) {
		if err := ctrl.ClearManualExpiration(c.Request.Context(), c.Param("eventID")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cleared": true})
	})

	authed.GET("/sessions/:eventID", func(c *gin.Context) {
		view, err := ctrl.Show(c.Request.Context(), c.Param("eventID"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"event_id":          view.Event.ID,
			"state":             view.State,
			"remaining_seconds": int(view.Remaining.Seconds()),
			"expires_at":        view.Token.ExpiresAt,
		})
	})

	// Live session observations while a token is on screen, as SSE. The
	// watch and its pub/sub subscription end with the request context.
	authed.GET("/sessions/:eventID/watch", func(c *gin.Context) {
		eventID := c.Param("eventID")
		ctx := c.Request.Context()
		changes := notifier.Watch(ctx, eventID)
		obs, err := ctrl.Watch(ctx, eventID, changes, cfg.WatchTick)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Stream(func(w io.Writer) bool {
			o, ok := <-obs
			if !ok {
				return false
			}
			c.SSEvent("observation", gin.H{
				"event_id":          o.EventID,
				"state":             o.State,
				"remaining_seconds": int(o.Remaining.Seconds()),
				"observed_at":       o.ObservedAt.UTC(),
			})
			return true
		})
	})

	authed.GET("/events/:eventID/attendees", func(c *gin.Context) {
		limit, offset := 50, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}
		records, err := repo.ListRecords(c.Request.Context(), c.Param("eventID"), limit, offset)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"attendees": records})
	})

	device.POST("/scans", func(c *gin.Context) {
		var req struct {
			Token       string   `json:"token" binding:"required"`
			DeviceID    string   `json:"device_id"`
			StudentID   string   `json:"student_id" binding:"required"`
			StudentName string   `json:"student_name" binding:"required"`
			YearLevel   string   `json:"year_level"`
			Block       string   `json:"block"`
			Course      string   `json:"course"`
			Gender      string   `json:"gender"`
			Latitude    *float64 `json:"latitude"`
			Longitude   *float64 `json:"longitude"`
			Accuracy    *float64 `json:"accuracy"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claimsAny, _ := c.Get("claims")
		claims, _ := claimsAny.(auth.Claims)
		if req.DeviceID != "" && claims.Subject != "" && claims.Subject != req.DeviceID {
			c.JSON(http.StatusForbidden, gin.H{"error": "device mismatch"})
			return
		}

		payload, err := signer.Verify(req.Token)
		if err != nil {
			metrics.ScansRejected.WithLabelValues("bad_token").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attendance token"})
			return
		}

		scan := session.Scan{
			StudentID:      req.StudentID,
			StudentName:    req.StudentName,
			YearLevel:      req.YearLevel,
			Block:          req.Block,
			Course:         req.Course,
			Gender:         req.Gender,
			AccuracyMeters: req.Accuracy,
		}
		switch {
		case req.Latitude != nil && req.Longitude != nil:
			scan.Position = &geo.Point{Latitude: *req.Latitude, Longitude: *req.Longitude}
		case payload.EventLocation != nil && !loc.Skip:
			// No self-reported position: ask the trusted locator for a fix.
			fix, ferr := loc.Locate(c.Request.Context(), req.DeviceID)
			if ferr != nil {
				metrics.ScansRejected.WithLabelValues("location_unavailable").Inc()
				writeError(c, ferr)
				return
			}
			scan.Position = &geo.Point{Latitude: fix.Latitude, Longitude: fix.Longitude}
			scan.AccuracyMeters = fix.AccuracyMeters
		}

		rec, err := ctrl.RecordScan(c.Request.Context(), payload.EventID, scan)
		if err != nil {
			switch {
			case errors.Is(err, session.ErrSessionExpired):
				metrics.ScansRejected.WithLabelValues("expired").Inc()
			case errors.Is(err, session.ErrLocationRequired), errors.Is(err, geo.ErrInvalidCoordinates):
				metrics.ScansRejected.WithLabelValues("bad_location").Inc()
			}
			writeError(c, err)
			return
		}

		switch {
		case rec.Location == nil:
			metrics.ScansRecorded.WithLabelValues(metrics.VerdictUnverified).Inc()
		case rec.Location.WithinRadius:
			metrics.ScansRecorded.WithLabelValues(metrics.VerdictWithin).Inc()
		default:
			metrics.ScansRecorded.WithLabelValues(metrics.VerdictOutside).Inc()
		}

		if body, merr := json.Marshal(rec); merr == nil {
			if err := q.Publish(c.Request.Context(), queue.Message{Type: "scan", Body: body}); err != nil {
				log.Printf("queue publish failed: %v", err)
			}
		}

		c.JSON(http.StatusCreated, rec)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// renderQR encodes the signed token into a QR PNG.
func renderQR(signer *token.Signer, tok token.Token) ([]byte, error) {
	signed, err := signer.Sign(tok)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(signed, qrcode.Medium, qrImageSize)
}

// respondToken writes the issued token: the wire payload plus its signed form.
func respondToken(c *gin.Context, signer *token.Signer, view session.View) {
	signed, err := signer.Sign(view.Token)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token signing failed"})
		return
	}
	policy := "default"
	if view.Token.ManualExpiration {
		policy = "manual"
	}
	metrics.TokensIssued.WithLabelValues(policy).Inc()
	c.JSON(http.StatusOK, gin.H{
		"payload":           token.NewPayload(view.Token),
		"signed":            signed,
		"state":             view.State,
		"remaining_seconds": int(view.Remaining.Seconds()),
	})
}

// writeError maps the error taxonomy onto HTTP responses.
func writeError(c *gin.Context, err error) {
	var perr *session.PersistenceError
	switch {
	case errors.Is(err, event.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
	case errors.Is(err, event.ErrRevisionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "event changed concurrently, re-read and retry"})
	case errors.Is(err, token.ErrInvalidExpiration):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, geo.ErrInvalidCoordinates):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrLocationRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrSessionExpired):
		c.JSON(http.StatusConflict, gin.H{"error": "attendance session expired"})
	case errors.Is(err, locator.ErrUnavailable):
		c.JSON(http.StatusFailedDependency, gin.H{"error": err.Error()})
	case errors.As(err, &perr):
		c.JSON(http.StatusBadGateway, gin.H{"error": perr.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
