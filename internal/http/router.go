// Package httpapi wires the HTTP transport (Gin) to the letter services. It
// owns the middleware chain and the route table; handlers live in the
// handlers package and receive their services through handlers.Deps.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-letter-batch/internal/config"
	"github.com/tbourn/go-letter-batch/internal/http/handlers"
	"github.com/tbourn/go-letter-batch/internal/http/middleware"
)

const maxBodyBytes = 1 << 20

var (
	corsMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", "X-Request-ID"}
)

// RegisterRoutes installs the middleware chain, /health, /metrics and the API
// under cfg.APIBasePath.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. Logger (redacting)
//  4. Recovery
//  5. Body size limit
//  6. Metrics
//  7. Per-client token bucket
//  8. CORS
//  9. gzip
//  10. Security headers
func RegisterRoutes(r *gin.Engine, h *handlers.Handlers, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.LoggerWith(middleware.NewRedactor("X-Session-ID")))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClient())
	r.Use(rl.Handler())

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// Letters are personal; responses must not be cached by intermediaries.
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		users := api.Group("/users/:id")
		users.POST("/requests", h.SubmitRequest)
		users.GET("/requests/:date", h.GetRequestStatus)
		users.GET("/profile", h.GetProfile)
		users.PATCH("/profile", h.UpdateProfile)
		users.GET("/preferences", h.GetPreferences)
		users.GET("/history", h.ListHistory)
		users.GET("/letters", h.ListLetters)
		users.GET("/letters/:date", h.GetLetter)
		users.GET("/limits", h.GetLimits)
		users.POST("/sessions", h.CreateSession)

		api.GET("/sessions/:sid", h.ValidateSession)
		api.DELETE("/sessions/:sid", h.InvalidateSession)

		admin := api.Group("/admin")
		admin.GET("/status", h.Status)
		admin.POST("/batches/:hour/run", h.RunBatch)
		admin.GET("/batches/stats", h.BatchStats)
		admin.POST("/cleanup", h.Cleanup)
		admin.POST("/backup", h.Backup)
		admin.GET("/backups", h.ListBackups)
		admin.GET("/storage", h.StorageStats)
		admin.PUT("/debug", h.SetDebugMode)
		admin.GET("/requests/stats", h.RequestStats)
		admin.GET("/users/stats", h.UserStats)
		admin.GET("/limits/stats", h.LimitStats)
		admin.POST("/users/:id/limits/reset", h.ResetUserLimits)
	}
}

// corsMiddleware allows every origin when the allowlist is empty; otherwise
// it echoes allowlisted origins, including on requests that are not
// preflights.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	if len(origins) == 0 {
		return []gin.HandlerFunc{
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(cors.Config{
				AllowAllOrigins: true,
				AllowMethods:    corsMethods,
				AllowHeaders:    corsHeaders,
				ExposeHeaders:   []string{"X-Request-ID", "Content-Length"},
				MaxAge:          12 * time.Hour,
			}),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(cors.Config{
			AllowOrigins:  origins,
			AllowMethods:  corsMethods,
			AllowHeaders:  corsHeaders,
			ExposeHeaders: []string{"X-Request-ID", "Content-Length"},
			MaxAge:        12 * time.Hour,
		}),
	}
}

// limitBody caps request bodies; reads past maxBytes fail.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
