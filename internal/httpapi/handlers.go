package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tailspin.org/internal/obs"
	"tailspin.org/internal/provisioning"
	"tailspin.org/internal/tokencache"
)

const defaultCallbackPath = "/signin-oidc"

// Readiness pings the backing services that are configured.
type Readiness struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp Readiness) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Onboarding runs identity-provider round trips.
type Onboarding interface {
	BeginSignup(ctx context.Context) (provisioning.Redirect, error)
	BeginSignin(ctx context.Context, loginHint string) provisioning.Redirect
	Complete(ctx context.Context, cb provisioning.Callback) (provisioning.Result, error)
}

// Option configures an API.
type Option func(*API)

// WithCallbackPath sets the path the identity provider redirects back to.
func WithCallbackPath(path string) Option {
	return func(a *API) {
		if path != "" {
			a.callbackPath = path
		}
	}
}

// API serves the operational endpoints and the onboarding redirects.
type API struct {
	mux        *http.ServeMux
	readiness  Readiness
	version    string
	onboarding Onboarding
	logger     *zap.Logger

	callbackPath string

	rateBurst  int
	ratePerSec int
}

func New(rp Readiness, version string, onboarding Onboarding, logger *zap.Logger, opts ...Option) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &API{
		mux:        http.NewServeMux(),
		readiness:  rp,
		version:    version,
		onboarding: onboarding,
		logger:     logger,
		rateBurst:  20,
		ratePerSec: 10,

		callbackPath: defaultCallbackPath,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())
	if onboarding != nil {
		a.mux.HandleFunc("/signup", a.Signup)
		a.mux.HandleFunc("/signin", a.Signin)
		a.mux.HandleFunc(a.callbackPath, a.Callback)
	}
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return a
}

// Handler returns the mux wrapped with the standard middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = Logging(a.logger)(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tailspin-authsvc",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readiness.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Signup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		respondError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	redirect, err := a.onboarding.BeginSignup(r.Context())
	if err != nil {
		a.logger.Error("begin sign-up failed", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, "sign-up unavailable")
		return
	}
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

func (a *API) Signin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	redirect := a.onboarding.BeginSignin(r.Context(), r.URL.Query().Get("login_hint"))
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

// Callback completes sign-up or sign-in. The identity provider may answer
// with a query string or a form post.
func (a *API) Callback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		respondError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := r.ParseForm(); err != nil {
		respondError(w, r, http.StatusBadRequest, "malformed callback")
		return
	}
	if idpErr := r.Form.Get("error"); idpErr != "" {
		a.logger.Warn("identity provider returned an error",
			zap.String("error", idpErr),
			zap.String("description", r.Form.Get("error_description")),
		)
		respondError(w, r, http.StatusBadRequest, "identity provider error: "+idpErr)
		return
	}

	res, err := a.onboarding.Complete(r.Context(), provisioning.Callback{
		State: r.Form.Get("state"),
		Code:  r.Form.Get("code"),
	})
	switch {
	case errors.Is(err, provisioning.ErrTenantValidation):
		respondError(w, r, http.StatusForbidden, "tenant validation failed")
		return
	case errors.Is(err, tokencache.ErrAuthentication):
		respondError(w, r, http.StatusUnauthorized, "authentication failed")
		return
	case err != nil:
		a.logger.Error("complete callback failed", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, "sign-in unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":      res.Tenant.ID,
		"user_id":        res.User.ID,
		"tenant_created": res.TenantCreated,
		"user_created":   res.UserCreated,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
