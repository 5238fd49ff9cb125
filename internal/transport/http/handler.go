package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/strogmv/sessionguard/internal/pkg/errors"
	"github.com/strogmv/sessionguard/internal/pkg/logger"
	"github.com/strogmv/sessionguard/internal/port"
)

const maxBodyBytes = 64 << 10

// AuthHandler exposes port.Auth over JSON and session cookies.
type AuthHandler struct {
	auth    port.Auth
	cookies CookieConfig
	logger  *slog.Logger
}

func NewAuthHandler(auth port.Auth, cookies CookieConfig, log *slog.Logger) *AuthHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &AuthHandler{auth: auth, cookies: cookies, logger: log.With(slog.String("component", "http"))}
}

// Routes mounts the handler. Account endpoints require an access token.
func (h *AuthHandler) Routes(authn Authenticator) func(chi.Router) {
	return func(r chi.Router) {
		r.Post("/login", h.login)
		r.Post("/providers/{provider}/login", h.providerLogin)
		r.Post("/refresh", h.refresh)

		r.Group(func(r chi.Router) {
			r.Use(RequireAccess(authn))
			r.Post("/logout", h.logout)
			r.Post("/2fa/begin", h.beginTwoFactor)
			r.Post("/2fa/confirm", h.confirmTwoFactor)
			r.Post("/2fa/disable", h.disableTwoFactor)
			r.Post("/2fa/backup-codes", h.regenerateBackupCodes)
		})
	}
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	var req port.LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Client = clientInfo(r)
	resp, err := h.auth.Login(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.cookies.SetSession(w, resp.AccessToken, resp.RefreshToken)
	writeJSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) providerLogin(w http.ResponseWriter, r *http.Request) {
	var req port.ProviderLoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Provider = chi.URLParam(r, "provider")
	req.Client = clientInfo(r)
	resp, err := h.auth.LoginWithProvider(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.cookies.SetSession(w, resp.AccessToken, resp.RefreshToken)
	writeJSON(w, http.StatusOK, resp)
}

// refresh takes the token from the refresh cookie, or from the body for
// non-browser clients.
func (h *AuthHandler) refresh(w http.ResponseWriter, r *http.Request) {
	var req port.RefreshRequest
	if c, err := r.Cookie(RefreshCookie); err == nil && c.Value != "" {
		req.RefreshToken = c.Value
	} else if !h.decode(w, r, &req) {
		return
	}
	req.Client = clientInfo(r)
	resp, err := h.auth.Refresh(r.Context(), req)
	if err != nil {
		if apperrors.KindOf(err) != apperrors.KindUnavailable {
			h.cookies.Clear(w)
		}
		h.fail(w, r, err)
		return
	}
	h.cookies.SetSession(w, resp.AccessToken, resp.RefreshToken)
	writeJSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	resp, err := h.auth.Logout(r.Context(), port.LogoutRequest{UserID: id.UserID})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.cookies.Clear(w)
	writeJSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) beginTwoFactor(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	resp, err := h.auth.BeginTwoFactor(r.Context(), port.BeginTwoFactorRequest{UserID: id.UserID})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) confirmTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req port.ConfirmTwoFactorRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, _ := IdentityFrom(r.Context())
	req.UserID = id.UserID
	resp, err := h.auth.ConfirmTwoFactor(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) disableTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req port.DisableTwoFactorRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, _ := IdentityFrom(r.Context())
	req.UserID = id.UserID
	resp, err := h.auth.DisableTwoFactor(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) regenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	var req port.RegenerateBackupCodesRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, _ := IdentityFrom(r.Context())
	req.UserID = id.UserID
	resp, err := h.auth.RegenerateBackupCodes(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		apperrors.WriteError(w, r, apperrors.Wrap(apperrors.KindValidation, err, "malformed JSON body"))
		return false
	}
	return true
}

// fail logs the internal error and writes its public form.
func (h *AuthHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.From(r.Context(), h.logger)
	switch kind := apperrors.KindOf(err); kind {
	case apperrors.KindUnavailable, apperrors.KindUnknown:
		log.Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	default:
		log.Info("request rejected", slog.String("path", r.URL.Path), slog.String("kind", kind.String()))
	}
	apperrors.WriteError(w, r, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
