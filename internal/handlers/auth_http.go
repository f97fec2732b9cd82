package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fianchetto/arbiter/internal/audit"
	"github.com/fianchetto/arbiter/internal/auth"
	"github.com/fianchetto/arbiter/internal/middleware"
	"github.com/fianchetto/arbiter/internal/models"
	"github.com/fianchetto/arbiter/internal/store"
)

const oauthStateTTL = 10 * time.Minute

// AuthHandler exposes account endpoints over HTTP. The WebSocket
// register/login events cover gameplay clients; this surface exists
// for the web frontend and the Google OAuth redirect flow, which
// cannot run over a socket.
type AuthHandler struct {
	store       store.Store
	tokens      *auth.JWTService
	passwords   *auth.PasswordService
	google      *auth.GoogleOAuth
	audit       *audit.Recorder
	frontendURL string
	log         *zap.Logger

	statesMu    sync.Mutex
	oauthStates map[string]time.Time
}

func NewAuthHandler(st store.Store, tokens *auth.JWTService, passwords *auth.PasswordService, google *auth.GoogleOAuth, rec *audit.Recorder, frontendURL string, logger *zap.Logger) *AuthHandler {
	h := &AuthHandler{
		store:       st,
		tokens:      tokens,
		passwords:   passwords,
		google:      google,
		audit:       rec,
		frontendURL: frontendURL,
		log:         logger,
		oauthStates: make(map[string]time.Time),
	}
	go h.cleanupOAuthStates()
	return h
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if err := auth.ValidateUsername(req.Username); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := h.passwords.HashPassword(req.Password)
	if err != nil {
		h.log.Error("failed to hash password", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	user, err := h.store.CreateUser(r.Context(), req.Username, hash)
	if err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			h.audit.Record(audit.EventRegisterFail, req.Username, nil, middleware.GetClientIP(r), "username taken")
			respondWithError(w, http.StatusConflict, "Username already taken")
			return
		}
		h.log.Error("failed to create user", zap.String("username", req.Username), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	token, err := h.tokens.GenerateToken(user.ID, user.Username)
	if err != nil {
		h.log.Error("failed to generate token", zap.Int64("userId", user.ID), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	h.audit.Record(audit.EventRegister, user.Username, &user.ID, middleware.GetClientIP(r), "http")
	respondWithJSON(w, http.StatusCreated, AuthResponse{Token: token, User: user})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.store.GetUserByUsername(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		h.audit.Record(audit.EventLoginFailed, req.Username, nil, middleware.GetClientIP(r), "unknown user")
		respondWithError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	// Google-only accounts have no password to compare.
	if user.PasswordHash == "" || h.passwords.ComparePassword(user.PasswordHash, req.Password) != nil {
		h.audit.Record(audit.EventLoginFailed, req.Username, &user.ID, middleware.GetClientIP(r), "bad password")
		respondWithError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	token, err := h.tokens.GenerateToken(user.ID, user.Username)
	if err != nil {
		h.log.Error("failed to generate token", zap.Int64("userId", user.ID), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to log in")
		return
	}

	if err := h.store.UpdateLastLogin(r.Context(), user.ID); err != nil {
		h.log.Warn("failed to update last login", zap.Int64("userId", user.ID), zap.Error(err))
	}

	h.audit.Record(audit.EventLoginSuccess, user.Username, &user.ID, middleware.GetClientIP(r), "http")
	respondWithJSON(w, http.StatusOK, AuthResponse{Token: token, User: user})
}

// Me returns the authenticated user. RequireAuth has already loaded it.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	respondWithJSON(w, http.StatusOK, user)
}

// GoogleOAuth starts the OAuth flow by redirecting to Google's consent
// page with a single-use state token.
func (h *AuthHandler) GoogleOAuth(w http.ResponseWriter, r *http.Request) {
	if !h.google.Enabled() {
		respondWithError(w, http.StatusNotImplemented, "Google login is not configured")
		return
	}

	state, err := auth.NewState()
	if err != nil {
		h.log.Error("failed to generate oauth state", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to start login")
		return
	}

	h.statesMu.Lock()
	h.oauthStates[state] = time.Now().Add(oauthStateTTL)
	h.statesMu.Unlock()

	http.Redirect(w, r, h.google.AuthURL(state), http.StatusTemporaryRedirect)
}

// GoogleOAuthCallback finishes the OAuth flow: validates state,
// exchanges the code, then finds or creates the matching account and
// redirects back to the frontend with a session token.
func (h *AuthHandler) GoogleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if !h.google.Enabled() {
		respondWithError(w, http.StatusNotImplemented, "Google login is not configured")
		return
	}

	state := r.URL.Query().Get("state")
	h.statesMu.Lock()
	expiry, valid := h.oauthStates[state]
	delete(h.oauthStates, state)
	h.statesMu.Unlock()
	if !valid || time.Now().After(expiry) {
		h.redirectWithError(w, r, "invalid_state")
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		h.redirectWithError(w, r, "missing_code")
		return
	}

	identity, err := h.google.FetchIdentity(r.Context(), code)
	if err != nil {
		h.log.Warn("oauth exchange failed", zap.Error(err))
		h.redirectWithError(w, r, "exchange_failed")
		return
	}

	user, err := h.store.GetUserByGoogleID(r.Context(), identity.ID)
	if errors.Is(err, store.ErrNotFound) {
		user, err = h.createGoogleUser(r, identity)
	}
	if err != nil {
		h.log.Error("oauth account lookup failed", zap.Error(err))
		h.redirectWithError(w, r, "account_failed")
		return
	}

	token, err := h.tokens.GenerateToken(user.ID, user.Username)
	if err != nil {
		h.log.Error("failed to generate token", zap.Int64("userId", user.ID), zap.Error(err))
		h.redirectWithError(w, r, "token_failed")
		return
	}

	if err := h.store.UpdateLastLogin(r.Context(), user.ID); err != nil {
		h.log.Warn("failed to update last login", zap.Int64("userId", user.ID), zap.Error(err))
	}

	h.audit.Record(audit.EventOAuthLogin, user.Username, &user.ID, middleware.GetClientIP(r), "google")
	http.Redirect(w, r, h.frontendURL+"/auth/callback?token="+url.QueryEscape(token), http.StatusTemporaryRedirect)
}

// createGoogleUser provisions an account for a first-time Google
// login, deriving a username from the profile and suffixing a counter
// until it is free.
func (h *AuthHandler) createGoogleUser(r *http.Request, identity *auth.GoogleIdentity) (*models.User, error) {
	base := usernameFromIdentity(identity)

	candidate := base
	for i := 1; i <= 50; i++ {
		user, err := h.store.CreateGoogleUser(r.Context(), candidate, identity.ID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, store.ErrUsernameTaken) {
			return nil, err
		}
		candidate = fmt.Sprintf("%s%d", base, i)
	}
	return nil, fmt.Errorf("could not find a free username for %q", base)
}

func usernameFromIdentity(identity *auth.GoogleIdentity) string {
	name := identity.GivenName
	if name == "" {
		name = identity.Name
	}
	if name == "" && identity.Email != "" {
		name = strings.SplitN(identity.Email, "@", 2)[0]
	}

	var b strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			b.WriteRune(c)
		}
	}
	cleaned := b.String()
	if len(cleaned) < 3 {
		cleaned = "player"
	}
	if len(cleaned) > 24 {
		cleaned = cleaned[:24]
	}
	return cleaned
}

func (h *AuthHandler) redirectWithError(w http.ResponseWriter, r *http.Request, reason string) {
	http.Redirect(w, r, h.frontendURL+"/auth/callback?error="+url.QueryEscape(reason), http.StatusTemporaryRedirect)
}

func (h *AuthHandler) cleanupOAuthStates() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		h.statesMu.Lock()
		for state, expiry := range h.oauthStates {
			if now.After(expiry) {
				delete(h.oauthStates, state)
			}
		}
		h.statesMu.Unlock()
	}
}
