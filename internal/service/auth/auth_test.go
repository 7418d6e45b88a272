package auth

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"github.com/r2r72/authcore/internal/clock"
	"github.com/r2r72/authcore/internal/credential"
	"github.com/r2r72/authcore/internal/ratelimit"
	"github.com/r2r72/authcore/internal/token"
)

var testNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type memoryStore struct {
	mu     sync.Mutex
	byMail map[string]*Identity
	calls  int
}

func (m *memoryStore) GetByEmail(_ context.Context, email string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	id, ok := m.byMail[email]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	cp := *id
	return &cp, nil
}

func (m *memoryStore) GetByID(_ context.Context, id string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	for _, identity := range m.byMail {
		if identity.ID == id {
			cp := *identity
			return &cp, nil
		}
	}
	return nil, ErrIdentityNotFound
}

func (m *memoryStore) remove(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byMail, email)
}

func (m *memoryStore) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type storeFunc func(ctx context.Context, email string) (*Identity, error)

func (f storeFunc) GetByEmail(ctx context.Context, email string) (*Identity, error) {
	return f(ctx, email)
}

// GetByID routes through the same func, keyed by id.
func (f storeFunc) GetByID(ctx context.Context, id string) (*Identity, error) {
	return f(ctx, id)
}

type limiterFunc func(ctx context.Context, key string) (bool, error)

func (f limiterFunc) Admit(ctx context.Context, key string) (bool, error) { return f(ctx, key) }

type failingCodec struct{ TokenCodec }

func (failingCodec) IssueAccess(string) (string, error) { return "", errors.New("signer exploded") }

type fixture struct {
	svc     *AuthService
	store   *memoryStore
	clock   *clock.Manual
	codec   *token.Codec
	hasher  *credential.Hasher
	logs    *observer.ObservedLogs
	limiter ratelimit.Limiter
}

type fixtureOption func(*Deps)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	clk := clock.NewManual(testNow)
	hasher, err := credential.NewHasher(bcrypt.MinCost)
	require.NoError(t, err)
	hash, err := hasher.Hash("pw1")
	require.NoError(t, err)

	store := &memoryStore{byMail: map[string]*Identity{
		"a@x.com": {ID: "user-a", Email: "a@x.com", SecretHash: hash, DisplayName: "Alice"},
	}}

	codec, err := token.NewCodec(token.Config{
		Secret:     []byte("service-test-secret-0123456789abcdef"),
		AccessTTL:  time.Hour,
		RefreshTTL: 7 * 24 * time.Hour,
		Clock:      clk,
	})
	require.NoError(t, err)

	limiter, err := ratelimit.NewSlidingWindow(ratelimit.DefaultConfig(), clk, nil)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)

	deps := Deps{
		Users:    store,
		Verifier: hasher,
		Tokens:   codec,
		Limiter:  limiter,
		Clock:    clk,
		Logger:   zap.New(core),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	svc, err := NewAuthService(deps)
	require.NoError(t, err)

	return &fixture{
		svc:     svc,
		store:   store,
		clock:   clk,
		codec:   codec,
		hasher:  hasher,
		logs:    logs,
		limiter: deps.Limiter,
	}
}

func login(email, password string) LoginInput {
	return LoginInput{Email: email, Password: password, ClientKey: "login:198.51.100.1", TraceID: "trace-1"}
}

func errorJSON(t *testing.T, env Envelope) string {
	t.Helper()
	require.NotNil(t, env.Error)
	b, err := json.Marshal(env.Error)
	require.NoError(t, err)
	return string(b)
}

func TestNewAuthService_RequiresCollaborators(t *testing.T) {
	_, err := NewAuthService(Deps{})
	assert.Error(t, err)
}

func TestLogin_Success(t *testing.T) {
	f := newFixture(t)

	env := f.svc.Login(context.Background(), login("a@x.com", "pw1"))
	require.True(t, env.OK())
	assert.Nil(t, env.Error)
	assert.Equal(t, "trace-1", env.Meta.TraceID)
	assert.Equal(t, testNow.Format(time.RFC3339Nano), env.Meta.Timestamp)

	data, ok := env.Data.(*LoginData)
	require.True(t, ok)
	assert.Equal(t, IdentitySummary{ID: "user-a", Email: "a@x.com", Name: "Alice"}, data.User)
	assert.Equal(t, "bearer", data.TokenType)
	assert.Equal(t, int64(3600), data.ExpiresIn)
	require.NotEmpty(t, data.AccessToken)
	require.NotEmpty(t, data.RefreshToken)

	access, err := f.codec.Validate(data.AccessToken, token.KindAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-a", access.Subject)

	refresh, err := f.codec.Validate(data.RefreshToken, token.KindRefresh)
	require.NoError(t, err)
	assert.Equal(t, "user-a", refresh.Subject)
	assert.NotEmpty(t, refresh.ID)
}

func TestLogin_NormalizesEmail(t *testing.T) {
	f := newFixture(t)

	env := f.svc.Login(context.Background(), login("  A@X.com ", "pw1"))
	assert.True(t, env.OK())
}

func TestLogin_EnumerationResistance(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Limiter = ratelimit.Noop{} })
	ctx := context.Background()

	reference := errorJSON(t, f.svc.Login(ctx, login("a@x.com", "wrong")))
	assert.JSONEq(t, `{"code":"AUTH_001","message":"invalid email or password"}`, reference)

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{name: "missing identity", email: "missing@x.com", password: "pw1"},
		{name: "missing identity wrong password", email: "missing@x.com", password: "wrong"},
		{name: "empty email", email: "", password: "pw1"},
		{name: "known identity empty password", email: "a@x.com", password: ""},
		{name: "known identity case variant password", email: "a@x.com", password: "PW1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := f.svc.Login(ctx, login(tt.email, tt.password))
			assert.Nil(t, env.Data)
			assert.Equal(t, reference, errorJSON(t, env))
			assert.Equal(t, KindInvalidCredentials, env.Error.Kind)
		})
	}
}

func TestLogin_FailureReasonsOnlyInLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.Login(ctx, login("missing@x.com", "pw1"))
	f.svc.Login(ctx, login("a@x.com", "wrong"))

	failures := f.logs.FilterMessage("authentication failed").All()
	require.Len(t, failures, 2)

	first := failures[0].ContextMap()
	assert.Equal(t, "identity_not_found", first["reason"])
	assert.Equal(t, "trace-1", first["trace_id"])
	assert.NotContains(t, first, "user_id")

	second := failures[1].ContextMap()
	assert.Equal(t, "secret_mismatch", second["reason"])
	assert.Equal(t, "user-a", second["user_id"])
}

func TestLogin_NeverLogsSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.Login(ctx, login("a@x.com", "pw1"))
	f.svc.Login(ctx, login("a@x.com", "hunter2-secret"))
	f.svc.Login(ctx, login("missing@x.com", "hunter2-secret"))

	for _, entry := range f.logs.All() {
		assert.NotContains(t, entry.Message, "hunter2")
		for k, v := range entry.ContextMap() {
			s, _ := v.(string)
			assert.NotContains(t, s, "hunter2", "field %s", k)
			assert.NotEqual(t, "pw1", s, "field %s", k)
		}
	}
}

func TestLogin_RateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		env := f.svc.Login(ctx, login("a@x.com", "wrong"))
		require.Equal(t, "AUTH_001", env.Error.Code)
	}
	callsBefore := f.store.Calls()

	env := f.svc.Login(ctx, login("a@x.com", "pw1"))
	require.NotNil(t, env.Error)
	assert.Equal(t, "RATE_001", env.Error.Code)
	assert.Equal(t, KindRateLimited, env.Error.Kind)
	assert.Nil(t, env.Data)
	assert.Equal(t, callsBefore, f.store.Calls(), "denied logins never reach the store")

	// another client is unaffected
	other := login("a@x.com", "pw1")
	other.ClientKey = "login:198.51.100.2"
	assert.True(t, f.svc.Login(ctx, other).OK())

	// the window slides
	f.clock.Advance(5 * time.Minute)
	assert.True(t, f.svc.Login(ctx, login("a@x.com", "pw1")).OK())
}

func TestLogin_ConcurrentRateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 20
	var (
		limited atomic.Int32
		passed  atomic.Int32
		wg      sync.WaitGroup
	)
	start := make(chan struct{})
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			<-start
			env := f.svc.Login(ctx, login("a@x.com", "wrong"))
			if env.Error != nil && env.Error.Code == "RATE_001" {
				limited.Add(1)
				return
			}
			passed.Add(1)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(5), passed.Load())
	assert.Equal(t, int32(15), limited.Load())
}

func TestLogin_InternalErrors(t *testing.T) {
	tests := []struct {
		name string
		opt  fixtureOption
	}{
		{
			name: "store failure",
			opt: func(d *Deps) {
				d.Users = storeFunc(func(context.Context, string) (*Identity, error) {
					return nil, errors.New("pq: connection refused at 10.0.0.5")
				})
			},
		},
		{
			name: "store returns nothing",
			opt: func(d *Deps) {
				d.Users = storeFunc(func(context.Context, string) (*Identity, error) { return nil, nil })
			},
		},
		{
			name: "limiter backend down",
			opt: func(d *Deps) {
				d.Limiter = limiterFunc(func(context.Context, string) (bool, error) {
					return false, ratelimit.ErrBackendUnavailable
				})
			},
		},
		{
			name: "token issuance failure",
			opt: func(d *Deps) {
				d.Tokens = failingCodec{TokenCodec: d.Tokens}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opt)

			env := f.svc.Login(context.Background(), login("a@x.com", "pw1"))
			assert.Nil(t, env.Data)
			assert.JSONEq(t, `{"code":"SYS_001","message":"internal error"}`, errorJSON(t, env))
			assert.Equal(t, KindInternal, env.Error.Kind)
			assert.Equal(t, "trace-1", env.Meta.TraceID)

			errs := f.logs.FilterLevelExact(zapcore.ErrorLevel).All()
			require.NotEmpty(t, errs)
			assert.Equal(t, "trace-1", errs[0].ContextMap()["trace_id"])
		})
	}
}

func TestLogin_StoreTimeout(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.StoreTimeout = 20 * time.Millisecond
		d.Users = storeFunc(func(ctx context.Context, _ string) (*Identity, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	})

	start := time.Now()
	env := f.svc.Login(context.Background(), login("a@x.com", "pw1"))
	assert.Less(t, time.Since(start), 2*time.Second)
	require.NotNil(t, env.Error)
	assert.Equal(t, "SYS_001", env.Error.Code)
}

func TestLogin_CallerDeadline(t *testing.T) {
	var sawDeadline bool
	f := newFixture(t, func(d *Deps) {
		d.Users = storeFunc(func(ctx context.Context, _ string) (*Identity, error) {
			_, sawDeadline = ctx.Deadline()
			return nil, ctx.Err()
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	env := f.svc.Login(ctx, login("a@x.com", "pw1"))
	assert.True(t, sawDeadline)
	assert.Equal(t, "SYS_001", env.Error.Code)
}

func TestLogin_GeneratesTraceID(t *testing.T) {
	f := newFixture(t)

	in := login("a@x.com", "pw1")
	in.TraceID = ""
	env := f.svc.Login(context.Background(), in)
	assert.Len(t, env.Meta.TraceID, 36)
}

func TestLogin_EnvelopeJSON(t *testing.T) {
	f := newFixture(t)

	b, err := json.Marshal(f.svc.Login(context.Background(), login("missing@x.com", "pw1")))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"data": null,
		"error": {"code": "AUTH_001", "message": "invalid email or password"},
		"meta": {"trace_id": "trace-1", "timestamp": "2024-05-01T09:00:00Z"}
	}`, string(b))

	b, err = json.Marshal(f.svc.Login(context.Background(), login("a@x.com", "pw1")))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Nil(t, decoded["error"])
	data := decoded["data"].(map[string]any)
	assert.Equal(t, "bearer", data["token_type"])
	assert.Contains(t, data, "access_token")
	assert.Contains(t, data, "refresh_token")
	assert.Equal(t, map[string]any{"id": "user-a", "email": "a@x.com", "name": "Alice"}, data["user"])
}

func TestVerifyToken(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Limiter = limiterFunc(func(context.Context, string) (bool, error) {
			t.Error("token verification must not consult the rate limiter")
			return false, nil
		})
	})

	access, err := f.codec.IssueAccess("user-a")
	require.NoError(t, err)
	refresh, err := f.codec.IssueRefresh("user-a")
	require.NoError(t, err)

	env := f.svc.VerifyToken(access, "trace-v")
	require.True(t, env.OK())
	assert.Equal(t, VerifyData{Subject: "user-a"}, env.Data)
	assert.Equal(t, "trace-v", env.Meta.TraceID)

	env = f.svc.VerifyToken(refresh, "trace-v")
	require.NotNil(t, env.Error)
	assert.Equal(t, "AUTH_002", env.Error.Code)

	env = f.svc.VerifyToken("garbage", "trace-v")
	require.NotNil(t, env.Error)
	assert.Equal(t, "AUTH_004", env.Error.Code)

	f.clock.Advance(time.Hour + time.Second)
	env = f.svc.VerifyToken(access, "trace-v")
	require.NotNil(t, env.Error)
	assert.Equal(t, "AUTH_003", env.Error.Code)
	assert.Equal(t, KindTokenExpired, env.Error.Kind)
}

func TestVerifyToken_NeverLogsToken(t *testing.T) {
	f := newFixture(t)

	refresh, err := f.codec.IssueRefresh("user-a")
	require.NoError(t, err)
	f.svc.VerifyToken(refresh, "trace-v")

	for _, entry := range f.logs.All() {
		for _, v := range entry.ContextMap() {
			s, _ := v.(string)
			assert.False(t, strings.Contains(s, refresh))
		}
	}
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)

	env := f.svc.Login(context.Background(), login("a@x.com", "pw1"))
	require.True(t, env.OK())
	first := env.Data.(*LoginData)

	f.clock.Advance(2 * time.Hour) // access token is now expired

	env = f.svc.Refresh(context.Background(), first.RefreshToken, "trace-r")
	require.True(t, env.OK())
	pair, ok := env.Data.(*TokenPair)
	require.True(t, ok)
	assert.Equal(t, "bearer", pair.TokenType)

	claims, err := f.codec.Validate(pair.AccessToken, token.KindAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-a", claims.Subject)

	newRefresh, err := f.codec.Validate(pair.RefreshToken, token.KindRefresh)
	require.NoError(t, err)
	oldRefresh, err := f.codec.Validate(first.RefreshToken, token.KindRefresh)
	require.NoError(t, err)
	assert.NotEqual(t, oldRefresh.ID, newRefresh.ID)

	env = f.svc.Refresh(context.Background(), first.AccessToken, "trace-r")
	require.NotNil(t, env.Error)
	assert.Equal(t, "AUTH_003", env.Error.Code, "expiry is reported before type")

	env = f.svc.Refresh(context.Background(), pair.AccessToken, "trace-r")
	require.NotNil(t, env.Error)
	assert.Equal(t, "AUTH_002", env.Error.Code)

	f.clock.Advance(8 * 24 * time.Hour)
	env = f.svc.Refresh(context.Background(), pair.RefreshToken, "trace-r")
	require.NotNil(t, env.Error)
	assert.Equal(t, "AUTH_003", env.Error.Code)
}

func TestRefresh_RejectsInactiveIdentity(t *testing.T) {
	f := newFixture(t)

	env := f.svc.Login(context.Background(), login("a@x.com", "pw1"))
	require.True(t, env.OK())
	refresh := env.Data.(*LoginData).RefreshToken

	f.store.remove("a@x.com")

	env = f.svc.Refresh(context.Background(), refresh, "trace-r")
	require.NotNil(t, env.Error)
	assert.Equal(t, "AUTH_001", env.Error.Code)
	assert.Nil(t, env.Data)

	entries := f.logs.FilterMessage("refresh rejected").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "identity_inactive", entries[0].ContextMap()["reason"])
	assert.Equal(t, "user-a", entries[0].ContextMap()["user_id"])
}

func TestRefresh_StoreFailure(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Users = storeFunc(func(context.Context, string) (*Identity, error) {
			return nil, errors.New("connection reset")
		})
	})

	refresh, err := f.codec.IssueRefresh("user-a")
	require.NoError(t, err)

	env := f.svc.Refresh(context.Background(), refresh, "trace-r")
	require.NotNil(t, env.Error)
	assert.Equal(t, "SYS_001", env.Error.Code)
}

func TestRefresh_StoreTimeout(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.StoreTimeout = 10 * time.Millisecond
		d.Users = storeFunc(func(ctx context.Context, _ string) (*Identity, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	})

	refresh, err := f.codec.IssueRefresh("user-a")
	require.NoError(t, err)

	env := f.svc.Refresh(context.Background(), refresh, "trace-r")
	require.NotNil(t, env.Error)
	assert.Equal(t, "SYS_001", env.Error.Code)
}

func TestNewFailure(t *testing.T) {
	env := NewFailure(ErrRateLimited, "trace-x", time.Date(2024, 5, 1, 11, 0, 0, 5, time.FixedZone("X", 3600)))

	assert.False(t, env.OK())
	assert.Nil(t, env.Data)
	assert.Equal(t, &ErrorBody{Code: "RATE_001", Message: ErrRateLimited.Message, Kind: KindRateLimited}, env.Error)
	assert.Equal(t, Meta{TraceID: "trace-x", Timestamp: "2024-05-01T10:00:00.000000005Z"}, env.Meta)
}

func TestTokenError(t *testing.T) {
	tests := []struct {
		err  error
		want *Error
	}{
		{err: token.ErrExpired, want: ErrTokenExpired},
		{err: token.ErrWrongType, want: ErrTokenWrongType},
		{err: token.ErrMalformed, want: ErrTokenMalformed},
		{err: errors.New("boom"), want: ErrInternal},
	}
	for _, tt := range tests {
		assert.Same(t, tt.want, tokenError(tt.err))
	}
}
