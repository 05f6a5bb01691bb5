package http_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/authflow/adapters/identity"
	"github.com/layer-3/authflow/adapters/ratelimit"
	"github.com/layer-3/authflow/adapters/store"
	"github.com/layer-3/authflow/adapters/tokenizer"
	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/events"
	"github.com/layer-3/authflow/internal/clock"
	"github.com/layer-3/authflow/internal/eth"
	"github.com/layer-3/authflow/internal/metrics"
	"github.com/layer-3/authflow/internal/schedule"
	"github.com/layer-3/authflow/resolver"
	"github.com/layer-3/authflow/service"
	"github.com/layer-3/authflow/session"
	transport "github.com/layer-3/authflow/transport/http"
	"github.com/layer-3/authflow/wallet"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	svc    *service.AuthService
	router *gin.Engine
}

func newFixture(t *testing.T, cfg service.Config) *fixture {
	t.Helper()
	// Real clock: tokens are checked by the HTTP layer against wall time.
	clk := clock.Real{}
	sched := schedule.New(clk, nil)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	evs := events.NewStore(events.DefaultConfig(), events.WithScheduler(sched), events.WithMetrics(m))
	sessions := session.NewStore(session.DefaultConfig(),
		session.WithScheduler(sched), session.WithObserver(evs), session.WithMetrics(m))

	signKey, err := tokenizer.GenerateSigningKey()
	require.NoError(t, err)
	tok := tokenizer.NewJWTTokenizer(signKey, clk)
	proto := wallet.New(wallet.Config{ProductName: "X"}, store.NewMemoryNonceStore(clk), tok)
	res := resolver.New(resolver.Config{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Password:       resolver.PasswordParams{Memory: 1024, Time: 1, Parallelism: 1, KeyLen: 16},
	}, identity.NewMemory(clk), proto)

	svc := service.NewAuthService(cfg, service.Deps{
		Sessions:  sessions,
		Events:    evs,
		Wallet:    proto,
		Resolver:  res,
		Tokenizer: tok,
		Store:     store.NewMemoryStore(clk),
		Limiter:   ratelimit.NewMemory(clk),
	})
	t.Cleanup(func() {
		sessions.Close()
		evs.Close()
		sched.Close()
	})

	router := transport.SetupRouter(svc, transport.RouterConfig{Metrics: m, Gatherer: reg, Heartbeat: time.Hour})
	return &fixture{svc: svc, router: router}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestCredentialsFlow(t *testing.T) {
	f := newFixture(t, service.DefaultConfig())

	rec, body := f.do(t, http.MethodPost, "/auth/sessions", gin.H{"provider": "credentials", "email": "Ada@Example.com"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := body["id"].(string)
	assert.Equal(t, "ada@example.com", body["email"])
	assert.Equal(t, "pending-creation", body["status"])

	rec, body = f.do(t, http.MethodPost, "/auth/signin", gin.H{
		"session_id": id, "provider": "credentials", "email": "ada@example.com", "password": "s3cret!",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["created"])
	access := body["access_token"].(string)
	refresh := body["refresh_token"].(string)

	rec, body = f.do(t, http.MethodGet, "/api/me", nil, "Authorization", "Bearer "+access)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ada@example.com", body["email"])
	assert.Equal(t, "user", body["role"])

	rec, body = f.do(t, http.MethodGet, "/auth/sessions/"+id+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["events"], 3)

	rec, _ = f.do(t, http.MethodGet, "/auth/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/auth/logout", gin.H{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/api/authorize", nil, "Authorization", "Bearer "+access)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid credentials", body["error"])
}

func TestWrongPasswordIsUniform(t *testing.T) {
	f := newFixture(t, service.DefaultConfig())

	_, body := f.do(t, http.MethodPost, "/auth/sessions", gin.H{"provider": "credentials", "email": "bo@example.com"})
	id := body["id"].(string)
	rec, _ := f.do(t, http.MethodPost, "/auth/signin", gin.H{
		"session_id": id, "provider": "credentials", "email": "bo@example.com", "password": "first",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	_, body = f.do(t, http.MethodPost, "/auth/sessions", gin.H{"provider": "credentials", "email": "bo@example.com"})
	id = body["id"].(string)
	rec, body = f.do(t, http.MethodPost, "/auth/signin", gin.H{
		"session_id": id, "provider": "credentials", "email": "bo@example.com", "password": "second",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid credentials", body["error"])
}

func TestWalletOverHTTP(t *testing.T) {
	f := newFixture(t, service.DefaultConfig())
	key, err := eth.GenerateKey()
	require.NoError(t, err)
	addr := eth.AddressOf(key)

	rec, body := f.do(t, http.MethodPost, "/auth/sessions", gin.H{"provider": "wallet", "address": addr})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := body["id"].(string)

	rec, body = f.do(t, http.MethodPost, "/auth/wallet/challenge", gin.H{"address": addr})
	require.Equal(t, http.StatusOK, rec.Code)
	message := body["message"].(string)
	sig, err := eth.SignMessage(message, key)
	require.NoError(t, err)

	rec, body = f.do(t, http.MethodPost, "/auth/wallet/verify", gin.H{"address": addr, "signature": sig, "message": message})
	require.Equal(t, http.StatusOK, rec.Code)
	proof := body["token"].(string)

	rec, body = f.do(t, http.MethodPost, "/auth/signin", gin.H{
		"session_id": id, "provider": "wallet", "address": addr, "token": proof,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, body["access_token"])

	rec, _ = f.do(t, http.MethodPost, "/auth/wallet/verify", gin.H{"address": addr, "signature": sig, "message": message})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, service.DefaultConfig())

	rec, body := f.do(t, http.MethodGet, "/auth/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "session not found or expired", body["error"])

	rec, _ = f.do(t, http.MethodGet, "/auth/sessions/missing/stream", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/auth/sessions", gin.H{"provider": "credentials", "email": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/auth/signin", gin.H{"session_id": "x", "provider": "oauth", "email": "a@example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/me", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChallengeRateLimited(t *testing.T) {
	cfg := service.DefaultConfig()
	cfg.ChallengeLimit = service.Limit{Max: 1, Window: time.Minute}
	f := newFixture(t, cfg)
	addr := "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"

	rec, _ := f.do(t, http.MethodPost, "/auth/wallet/challenge", gin.H{"address": addr})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := f.do(t, http.MethodPost, "/auth/wallet/challenge", gin.H{"address": addr})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, body["error"], "too many requests")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, service.DefaultConfig())

	f.do(t, http.MethodGet, "/healthz", nil)
	rec, _ := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "authflow_http_requests_total")
}

func TestStreamDeliversProgress(t *testing.T) {
	f := newFixture(t, service.DefaultConfig())
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := f.svc.StartSession(ctx, "sse@example.com", core.SessionMetadata{Provider: core.ProviderCredentials})
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/auth/sessions/"+sess.ID+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	lines := bufio.NewScanner(resp.Body)
	nextEvent := func() string {
		for lines.Scan() {
			if name, ok := strings.CutPrefix(lines.Text(), "event:"); ok {
				return strings.TrimSpace(name)
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return ""
	}

	require.Equal(t, "ready", nextEvent())

	_, err = f.svc.SignIn(ctx, sess.ID, resolver.CredentialsProof{Email: "sse@example.com", Password: "pw"})
	require.NoError(t, err)

	assert.Equal(t, string(core.SSEUserCreated), nextEvent())
	assert.Equal(t, string(core.SSEUserReady), nextEvent())
	assert.Equal(t, string(core.SSEAuthSuccess), nextEvent())
}
