// Package web is the HTTP surface: OIDC login, the JSON API for records,
// occurrences, settings and sync control, and the health endpoints.
package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/daysync/internal/auth"
	"github.com/macjediwizard/daysync/internal/config"
	"github.com/macjediwizard/daysync/internal/db"
	"github.com/macjediwizard/daysync/internal/journal"
	"github.com/macjediwizard/daysync/internal/notify"
	"github.com/macjediwizard/daysync/internal/syncer"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	cfg         *config.Config
	db          *db.DB
	oidc        *auth.OIDCProvider
	session     *auth.SessionManager
	coordinator *syncer.Coordinator
	journal     *journal.Journal
	planner     *notify.Planner
	notifier    *notify.Notifier
	startedAt   time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	cfg *config.Config,
	database *db.DB,
	oidc *auth.OIDCProvider,
	session *auth.SessionManager,
	coordinator *syncer.Coordinator,
	jrnl *journal.Journal,
	planner *notify.Planner,
	notifier *notify.Notifier,
) *Handlers {
	return &Handlers{
		cfg:         cfg,
		db:          database,
		oidc:        oidc,
		session:     session,
		coordinator: coordinator,
		journal:     jrnl,
		planner:     planner,
		notifier:    notifier,
		startedAt:   time.Now(),
	}
}

// HealthCheck reports service health including database reachability.
func (h *Handlers) HealthCheck(c *gin.Context) {
	report := gin.H{
		"status": "healthy",
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	}

	if _, err := h.db.GetSettings(c.Request.Context()); err != nil {
		report["status"] = "unhealthy"
		report["database"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	report["database"] = "ok"

	c.JSON(http.StatusOK, report)
}

// Liveness returns a simple liveness check.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Readiness checks all dependencies.
func (h *Handlers) Readiness(c *gin.Context) {
	h.HealthCheck(c)
}

// Login initiates OIDC authentication.
func (h *Handlers) Login(c *gin.Context) {
	state, err := auth.GenerateState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate state"})
		return
	}

	if err := h.session.SetOAuthState(c.Writer, c.Request, state); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save state"})
		return
	}

	c.Redirect(http.StatusFound, h.oidc.AuthCodeURL(state))
}

// Callback handles the OIDC callback.
func (h *Handlers) Callback(c *gin.Context) {
	state := c.Query("state")
	savedState, err := h.session.GetOAuthState(c.Writer, c.Request)
	if err != nil || state != savedState {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state parameter"})
		return
	}

	if errParam := c.Query("error"); errParam != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authentication failed: " + errParam})
		return
	}

	token, err := h.oidc.Exchange(c.Request.Context(), c.Query("code"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to exchange code"})
		return
	}

	claims, err := h.oidc.VerifyIDToken(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to verify token"})
		return
	}

	user, err := h.db.GetOrCreateUser(c.Request.Context(), claims.Email, claims.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}

	sessionData := &auth.SessionData{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
	}
	if err := h.session.Set(c.Writer, c.Request, sessionData); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	// Check for redirect cookie with validation to prevent open redirect
	redirectURL := "/"
	if cookie, err := c.Cookie("redirect_after_login"); err == nil && cookie != "" {
		if IsSafeRedirectURL(cookie) {
			redirectURL = cookie
		}
		c.SetCookie("redirect_after_login", "", -1, "/", "", h.cfg.IsProduction(), true)
	}

	c.Redirect(http.StatusFound, redirectURL)
}

// Logout clears the session.
func (h *Handlers) Logout(c *gin.Context) {
	if err := h.session.Clear(c.Writer, c.Request); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to logout"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// AuthStatus reports whether the caller is signed in.
func (h *Handlers) AuthStatus(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"email":         session.Email,
		"name":          session.Name,
	})
}

// respondError sends a JSON error response.
func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}
