package web

import (
	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/daysync/internal/auth"
)

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, sm *auth.SessionManager) {
	// Health endpoints (no auth, no rate limit)
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.Liveness)
	r.GET("/ready", h.Readiness)

	// Auth endpoints with rate limiting to prevent brute force attacks
	authRateLimiter := RateLimiter(5, 10) // 5 requests/sec, burst of 10
	authGroup := r.Group("/auth")
	authGroup.Use(authRateLimiter)
	{
		authGroup.GET("/login", h.Login)
		authGroup.GET("/callback", h.Callback)
		authGroup.POST("/logout", h.Logout)
	}

	// Session status, usable before signing in
	apiRateLimiter := RateLimiter(30, 60) // 30 requests/sec, burst of 60
	openAPI := r.Group("/api")
	openAPI.Use(apiRateLimiter)
	openAPI.Use(auth.OptionalAuth(sm))
	{
		openAPI.GET("/auth/status", h.AuthStatus)
	}

	// Protected API routes with rate limiting, origin validation, and content-type validation
	api := r.Group("/api")
	api.Use(apiRateLimiter)
	api.Use(auth.RequireAuth(sm))
	api.Use(ValidateOrigin())         // CSRF protection via origin check
	api.Use(RequireJSONContentType()) // Validate Content-Type header
	{
		api.GET("/records", h.ListRecords)
		api.POST("/records", h.CreateRecord)
		api.GET("/records/:id", h.GetRecord)
		api.PUT("/records/:id", h.UpdateRecord)
		api.DELETE("/records/:id", h.DeleteRecord)
		api.POST("/records/:id/completion", h.SetCompletion)
		api.GET("/records/:id/exceptions", h.ListRecordExceptions)
		api.PUT("/records/:id/occurrences/:date", h.EditOccurrence)
		api.DELETE("/records/:id/occurrences/:date", h.CancelOccurrence)
		api.POST("/records/:id/occurrences/:date/reset", h.ResetOccurrence)

		api.GET("/occurrences", h.ListOccurrences)

		api.GET("/sync/status", h.SyncStatus)
		api.GET("/sync/logs", h.SyncLogs)
		api.POST("/sync/:target/suspend", h.SuspendTarget)
		api.POST("/sync/:target/resume", h.ResumeTarget)

		api.GET("/journal", h.ListJournal)
		api.GET("/journal/stats", h.JournalStats)
		api.POST("/journal/retry", h.RetryFailedChanges)

		api.GET("/notifications", h.NotificationStatus)

		api.GET("/settings", h.GetSettings)
		api.PUT("/settings", h.UpdateSettings)
	}

	// Operations that fan out network calls get a stricter limit
	expensiveRateLimiter := RateLimiter(2, 5) // 2 requests/sec, burst of 5
	expensiveAPI := r.Group("/api")
	expensiveAPI.Use(expensiveRateLimiter)
	expensiveAPI.Use(auth.RequireAuth(sm))
	expensiveAPI.Use(ValidateOrigin())
	expensiveAPI.Use(RequireJSONContentType())
	{
		expensiveAPI.POST("/sync", h.TriggerSync)
		expensiveAPI.POST("/sync/:target", h.TriggerTargetSync)
		expensiveAPI.POST("/notifications/test-webhook", h.TestWebhook)
	}
}
