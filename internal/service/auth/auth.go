// Package auth provides the login, token verification and refresh flows.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/r2r72/authcore/internal/clock"
	"github.com/r2r72/authcore/internal/metrics"
	"github.com/r2r72/authcore/internal/observability"
	"github.com/r2r72/authcore/internal/ratelimit"
	"github.com/r2r72/authcore/internal/token"
)

// Deps are the collaborators of an AuthService. Users, Verifier and Tokens
// are required.
type Deps struct {
	Users    UserStore
	Verifier CredentialVerifier
	Tokens   TokenCodec
	Limiter  ratelimit.Limiter
	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  metrics.Recorder
	// StoreTimeout bounds each user store lookup; zero leaves only the
	// caller's deadline.
	StoreTimeout time.Duration
}

// AuthService is the main authentication service.
type AuthService struct {
	users        UserStore
	verifier     CredentialVerifier
	tokens       TokenCodec
	limiter      ratelimit.Limiter
	clock        clock.Clock
	logger       *zap.Logger
	metrics      metrics.Recorder
	storeTimeout time.Duration
}

// NewAuthService creates a new AuthService.
func NewAuthService(d Deps) (*AuthService, error) {
	if d.Users == nil || d.Verifier == nil || d.Tokens == nil {
		return nil, errors.New("auth: user store, verifier and token codec are required")
	}
	if d.Limiter == nil {
		d.Limiter = ratelimit.Noop{}
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}

	return &AuthService{
		users:        d.Users,
		verifier:     d.Verifier,
		tokens:       d.Tokens,
		limiter:      d.Limiter,
		clock:        d.Clock,
		logger:       d.Logger,
		metrics:      d.Metrics,
		storeTimeout: d.StoreTimeout,
	}, nil
}

// Login authenticates an email/password pair.
//
// The rate limiter is consulted first. An unknown email and a wrong password
// yield the same ErrInvalidCredentials envelope and cost the same bcrypt work.
func (s *AuthService) Login(ctx context.Context, in LoginInput) Envelope {
	traceID := ensureTraceID(in.TraceID)
	log := s.logger.With(observability.TraceID(traceID))

	data, authErr := s.login(ctx, in, log)
	if authErr != nil {
		s.metrics.RecordLogin(string(authErr.Kind))
		return NewFailure(authErr, traceID, s.clock.Now())
	}

	s.metrics.RecordLogin("success")
	return newSuccess(data, traceID, s.clock.Now())
}

func (s *AuthService) login(ctx context.Context, in LoginInput, log *zap.Logger) (*LoginData, *Error) {
	clientKey := in.ClientKey
	if clientKey == "" {
		clientKey = "unknown"
	}

	allowed, err := s.limiter.Admit(ctx, clientKey)
	if err != nil {
		log.Error("rate limiter failed", zap.Error(err))
		return nil, ErrInternal
	}
	s.metrics.RecordRateLimit(allowed)
	if !allowed {
		log.Warn("login rate limited", zap.String("client_key", clientKey))
		return nil, ErrRateLimited
	}

	identity, err := s.lookup(ctx, normalizeEmail(in.Email))
	switch {
	case errors.Is(err, ErrIdentityNotFound):
		s.verifier.VerifyDummy(in.Password)
		log.Warn("authentication failed", zap.String("reason", "identity_not_found"))
		return nil, ErrInvalidCredentials
	case err != nil:
		log.Error("user store lookup failed", zap.Error(err))
		return nil, ErrInternal
	case identity == nil:
		log.Error("user store returned no identity and no error")
		return nil, ErrInternal
	}

	if !s.verifier.Verify(in.Password, identity.SecretHash) {
		log.Warn("authentication failed",
			zap.String("reason", "secret_mismatch"),
			zap.String("user_id", identity.ID),
		)
		return nil, ErrInvalidCredentials
	}

	pair, err := s.issuePair(identity.ID)
	if err != nil {
		log.Error("token issuance failed", zap.String("user_id", identity.ID), zap.Error(err))
		return nil, ErrInternal
	}

	log.Info("user authenticated", zap.String("user_id", identity.ID))
	return &LoginData{User: identity.Summary(), TokenPair: *pair}, nil
}

func (s *AuthService) lookup(ctx context.Context, email string) (*Identity, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.users.GetByEmail(ctx, email)
}

func (s *AuthService) lookupID(ctx context.Context, id string) (*Identity, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.users.GetByID(ctx, id)
}

func (s *AuthService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout > 0 {
		return context.WithTimeout(ctx, s.storeTimeout)
	}
	return ctx, func() {}
}

// VerifyToken validates an access token and returns its subject. Refresh
// tokens are rejected with ErrTokenWrongType. Never rate limited.
func (s *AuthService) VerifyToken(tokenString, traceID string) Envelope {
	traceID = ensureTraceID(traceID)

	claims, authErr := s.validate("verify", tokenString, token.KindAccess, traceID)
	if authErr != nil {
		return NewFailure(authErr, traceID, s.clock.Now())
	}
	return newSuccess(VerifyData{Subject: claims.Subject}, traceID, s.clock.Now())
}

// Refresh exchanges a valid refresh token for a new token pair. The subject
// is looked up again so a deactivated or deleted identity cannot keep
// refreshing. The old refresh token is not revoked here; its jti is logged
// for external revocation lists.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, traceID string) Envelope {
	traceID = ensureTraceID(traceID)
	log := s.logger.With(observability.TraceID(traceID))

	claims, authErr := s.validate("refresh", refreshToken, token.KindRefresh, traceID)
	if authErr != nil {
		return NewFailure(authErr, traceID, s.clock.Now())
	}

	identity, err := s.lookupID(ctx, claims.Subject)
	switch {
	case errors.Is(err, ErrIdentityNotFound):
		log.Warn("refresh rejected",
			zap.String("reason", "identity_inactive"),
			zap.String("user_id", claims.Subject),
		)
		return NewFailure(ErrInvalidCredentials, traceID, s.clock.Now())
	case err != nil:
		log.Error("user store lookup failed", zap.String("user_id", claims.Subject), zap.Error(err))
		return NewFailure(ErrInternal, traceID, s.clock.Now())
	case identity == nil:
		log.Error("user store returned no identity and no error")
		return NewFailure(ErrInternal, traceID, s.clock.Now())
	}

	pair, err := s.issuePair(identity.ID)
	if err != nil {
		log.Error("token issuance failed", zap.String("user_id", identity.ID), zap.Error(err))
		return NewFailure(ErrInternal, traceID, s.clock.Now())
	}

	log.Info("tokens refreshed",
		zap.String("user_id", identity.ID),
		zap.String("refresh_jti", claims.ID),
	)
	return newSuccess(pair, traceID, s.clock.Now())
}

func (s *AuthService) validate(op, tokenString string, expected token.Kind, traceID string) (*token.Claims, *Error) {
	claims, err := s.tokens.Validate(tokenString, expected)
	if err == nil {
		s.metrics.RecordTokenValidation(op, "valid")
		return claims, nil
	}

	authErr := tokenError(err)
	s.metrics.RecordTokenValidation(op, string(authErr.Kind))
	s.logger.Info("token rejected",
		observability.TraceID(traceID),
		zap.String("operation", op),
		zap.String("reason", string(authErr.Kind)),
	)
	return nil, authErr
}

func (s *AuthService) issuePair(subject string) (*TokenPair, error) {
	access, err := s.tokens.IssueAccess(subject)
	if err != nil {
		return nil, err
	}
	refresh, err := s.tokens.IssueRefresh(subject)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    TokenType,
		ExpiresIn:    int64(s.tokens.AccessTTL() / time.Second),
	}, nil
}

func tokenError(err error) *Error {
	switch {
	case errors.Is(err, token.ErrExpired):
		return ErrTokenExpired
	case errors.Is(err, token.ErrWrongType):
		return ErrTokenWrongType
	case errors.Is(err, token.ErrMalformed):
		return ErrTokenMalformed
	default:
		return ErrInternal
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func ensureTraceID(traceID string) string {
	if traceID == "" {
		return uuid.NewString()
	}
	return traceID
}
