// Package handlers exposes the authentication flows over HTTP.
//
// Endpoints:
//
//	POST /v1/auth/login    {email, password}
//	POST /v1/auth/verify   Authorization: Bearer <access token>
//	POST /v1/auth/refresh  {refresh_token}
//	GET  /healthz
//	GET  /metrics
//
// Every /v1 response is an auth.Envelope.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/r2r72/authcore/internal/metrics"
	"github.com/r2r72/authcore/internal/observability"
	"github.com/r2r72/authcore/internal/service/auth"
)

// TraceHeader carries the request trace id in both directions.
const TraceHeader = "X-Trace-Id"

const maxBodyBytes = 1 << 16

// AuthService is what the handlers need from the orchestrator.
type AuthService interface {
	Login(ctx context.Context, in auth.LoginInput) auth.Envelope
	VerifyToken(tokenString, traceID string) auth.Envelope
	Refresh(ctx context.Context, refreshToken, traceID string) auth.Envelope
}

// Deps are the router collaborators. MetricsHandler is mounted at /metrics
// when set. Forwarding headers are only believed from peers inside
// TrustedProxies.
type Deps struct {
	Service        AuthService
	TrustedProxies []netip.Prefix
	Logger         *zap.Logger
	Metrics        metrics.Recorder
	MetricsHandler http.Handler
	Now            func() time.Time
}

// ErrBadRequest is the envelope error for undecodable or incomplete bodies.
var ErrBadRequest = &auth.Error{Kind: "bad_request", Code: "REQ_001", Message: "invalid request body"}

type handler struct {
	svc    AuthService
	logger *zap.Logger
	now    func() time.Time
}

// NewRouter builds the chi router with recovery, client address, trace id
// and access logging middleware.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handler{svc: d.Service, logger: d.Logger, now: d.Now}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(clientAddr(d.TrustedProxies))
	r.Use(traceID)
	r.Use(accessLog(d.Logger, d.Metrics))

	r.Route("/v1/auth", func(r chi.Router) {
		r.Post("/login", h.login)
		r.Post("/verify", h.verify)
		r.Post("/refresh", h.refresh)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if d.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", d.MetricsHandler)
	}

	return r
}

// LoginRequest is the login body.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshRequest is the refresh body.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	tid := traceIDFrom(r.Context())

	var req LoginRequest
	if err := decode(r, &req); err != nil || req.Email == "" || req.Password == "" {
		h.badRequest(w, tid)
		return
	}

	env := h.svc.Login(r.Context(), auth.LoginInput{
		Email:     req.Email,
		Password:  req.Password,
		ClientKey: "login:" + clientIP(r),
		TraceID:   tid,
	})
	h.write(w, env)
}

func (h *handler) verify(w http.ResponseWriter, r *http.Request) {
	tid := traceIDFrom(r.Context())

	tok, ok := bearer(r.Header.Get("Authorization"))
	if !ok {
		h.write(w, auth.NewFailure(auth.ErrTokenMalformed, tid, h.now()))
		return
	}
	h.write(w, h.svc.VerifyToken(tok, tid))
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	tid := traceIDFrom(r.Context())

	var req RefreshRequest
	if err := decode(r, &req); err != nil || req.RefreshToken == "" {
		h.badRequest(w, tid)
		return
	}
	h.write(w, h.svc.Refresh(r.Context(), req.RefreshToken, tid))
}

func (h *handler) badRequest(w http.ResponseWriter, tid string) {
	h.write(w, auth.NewFailure(ErrBadRequest, tid, h.now()))
}

func (h *handler) write(w http.ResponseWriter, env auth.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(env))
	if err := json.NewEncoder(w).Encode(env); err != nil {
		h.logger.Warn("write response", observability.TraceID(env.Meta.TraceID), zap.Error(err))
	}
}

// StatusFor maps an envelope to its HTTP status code.
func StatusFor(env auth.Envelope) int {
	if env.Error == nil {
		return http.StatusOK
	}
	switch env.Error.Kind {
	case auth.KindInvalidCredentials, auth.KindTokenExpired, auth.KindTokenMalformed, auth.KindTokenWrongType:
		return http.StatusUnauthorized
	case auth.KindRateLimited:
		return http.StatusTooManyRequests
	case ErrBadRequest.Kind:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON body")
	}
	return nil
}

func bearer(header string) (string, bool) {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

// clientIP strips the port that RemoteAddr keeps unless clientAddr replaced
// it with a forwarded address.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
