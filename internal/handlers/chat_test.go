package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coreason-ai/gateway/internal/services/accounting"
	"github.com/coreason-ai/gateway/internal/services/budget"
	"github.com/coreason-ai/gateway/internal/services/retry"
	"github.com/coreason-ai/gateway/internal/services/routing"
	"github.com/coreason-ai/gateway/internal/services/secrets"
)

// countingSecrets wraps a provider and counts fetches, so tests can assert
// that rejected requests never touch the secret store.
type countingSecrets struct {
	inner secrets.Provider
	calls atomic.Int64
}

func (c *countingSecrets) Get(ctx context.Context, path string) (*secrets.Credential, error) {
	c.calls.Add(1)
	return c.inner.Get(ctx, path)
}

type testGateway struct {
	handler *ChatHandler
	redis   *miniredis.Miniredis
	secrets *countingSecrets
}

func newTestGateway(t *testing.T, upstreamURL string) *testGateway {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	budgetManager := budget.NewManager(client, zap.NewNop(), time.Second)
	dispatcher := accounting.NewDispatcher(budgetManager, zap.NewNop(), accounting.Config{
		QueueSize:  64,
		Workers:    1,
		MaxRetries: 2,
		RetryDelay: 5 * time.Millisecond,
	})
	t.Cleanup(dispatcher.Close)

	router := routing.NewRouter()
	router.Register("gpt-", routing.Descriptor{
		Provider:   "openai",
		SecretPath: "secret/infrastructure/openai",
		BaseURL:    upstreamURL,
	})

	counting := &countingSecrets{inner: secrets.NewStaticProvider(map[string]string{
		"secret/infrastructure/openai": "sk-test-key",
	})}

	// Fast retry policy so exhaustion tests finish quickly.
	retryCfg := &retry.Config{
		MaxAttempts: 3,
		WaitMin:     time.Millisecond,
		WaitMax:     5 * time.Millisecond,
		MaxElapsed:  time.Second,
	}

	return &testGateway{
		handler: NewChatHandler(zap.NewNop(), router, counting, budgetManager, dispatcher, retryCfg),
		redis:   mr,
		secrets: counting,
	}
}

func (g *testGateway) do(body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Coreason-Project-ID", "proj_A")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.handler.ChatCompletions(rec, req)
	return rec
}

func waitForKey(t *testing.T, mr *miniredis.Miniredis, key, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, err := mr.Get(key); err == nil && got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := mr.Get(key)
	t.Fatalf("key %s = %q, want %q", key, got, want)
}

const completionBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":false}`

func TestChatCompletionsHappyPath(t *testing.T) {
	upstreamBody := `{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hello"}}],"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`

	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(upstreamBody))
	}))
	t.Cleanup(upstream.Close)

	g := newTestGateway(t, upstream.URL)
	g.redis.Set("budget:proj_A:remaining", "1000")

	rec := g.do(completionBody, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, upstreamBody, rec.Body.String())
	assert.Equal(t, "Bearer sk-test-key", gotAuth)

	waitForKey(t, g.redis, "budget:proj_A:remaining", "988")
	waitForKey(t, g.redis, "usage:proj_A:total", "12")
}

func TestChatCompletionsMissingProjectID(t *testing.T) {
	g := newTestGateway(t, "http://unreachable.invalid")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(completionBody))
	rec := httptest.NewRecorder()
	g.handler.ChatCompletions(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"detail":"Missing project identifier"}`, rec.Body.String())
}

func TestChatCompletionsSchemaInvalid(t *testing.T) {
	g := newTestGateway(t, "http://unreachable.invalid")

	rec := g.do(`{"messages":[{"role":"user","content":"hi"}]}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"detail":"Field required: model"}`, rec.Body.String())
}

func TestChatCompletionsBudgetExceeded(t *testing.T) {
	g := newTestGateway(t, "http://unreachable.invalid")
	g.redis.Set("budget:proj_A:remaining", "3")

	rec := g.do(completionBody, nil)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.JSONEq(t, `{"detail":"Budget exceeded for Project ID proj_A"}`, rec.Body.String())

	// Rejection happens before routing and credential fetch.
	assert.Equal(t, int64(0), g.secrets.calls.Load())
}

func TestChatCompletionsAbsentBudgetDenies(t *testing.T) {
	g := newTestGateway(t, "http://unreachable.invalid")

	rec := g.do(completionBody, nil)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, int64(0), g.secrets.calls.Load())
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	g := newTestGateway(t, "http://unreachable.invalid")
	g.redis.Set("budget:proj_A:remaining", "1000")

	rec := g.do(`{"model":"foo-7","messages":[],"stream":false}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"detail":"Unsupported model architecture"}`, rec.Body.String())
	assert.Equal(t, int64(0), g.secrets.calls.Load())
}

func TestChatCompletionsRetrySucceeds(t *testing.T) {
	upstreamBody := `{"id":"chatcmpl-2","usage":{"total_tokens":7}}`

	var attempts atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"transient"}}`))
			return
		}
		_, _ = w.Write([]byte(upstreamBody))
	}))
	t.Cleanup(upstream.Close)

	g := newTestGateway(t, upstream.URL)
	g.redis.Set("budget:proj_A:remaining", "100")

	rec := g.do(completionBody, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, upstreamBody, rec.Body.String())
	assert.Equal(t, int64(3), attempts.Load())

	// Exactly one accounting update, for the actual usage.
	waitForKey(t, g.redis, "usage:proj_A:total", "7")
	waitForKey(t, g.redis, "budget:proj_A:remaining", "93")
}

func TestChatCompletionsRetryExhausted(t *testing.T) {
	var attempts atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream is down"}}`))
	}))
	t.Cleanup(upstream.Close)

	g := newTestGateway(t, upstream.URL)
	g.redis.Set("budget:proj_A:remaining", "100")

	rec := g.do(completionBody, nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"detail":"Upstream provider error: upstream is down"}`, rec.Body.String())
	assert.Equal(t, int64(3), attempts.Load())

	// No accounting for a failed request.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, g.redis.Exists("usage:proj_A:total"))
	remaining, err := g.redis.Get("budget:proj_A:remaining")
	require.NoError(t, err)
	assert.Equal(t, "100", remaining)
}

func TestChatCompletionsTerminalClientErrorNotRetried(t *testing.T) {
	var attempts atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad prompt"}}`))
	}))
	t.Cleanup(upstream.Close)

	g := newTestGateway(t, upstream.URL)
	g.redis.Set("budget:proj_A:remaining", "100")

	rec := g.do(completionBody, nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"detail":"Upstream provider error: bad prompt"}`, rec.Body.String())
	assert.Equal(t, int64(1), attempts.Load())
}

func TestChatCompletionsUpstreamUnreachable(t *testing.T) {
	// Point at a closed port.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := upstream.URL
	upstream.Close()

	g := newTestGateway(t, url)
	g.redis.Set("budget:proj_A:remaining", "100")

	rec := g.do(completionBody, nil)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.JSONEq(t, `{"detail":"Upstream provider unreachable"}`, rec.Body.String())
}

func TestChatCompletionsMissingUsageAccountsEstimate(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"chatcmpl-3"}`))
	}))
	t.Cleanup(upstream.Close)

	g := newTestGateway(t, upstream.URL)
	g.redis.Set("budget:proj_A:remaining", "1000")

	// messages compacts to [{"role":"user","content":"hi"}], 32 bytes,
	// so the estimate is 8.
	rec := g.do(completionBody, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	waitForKey(t, g.redis, "usage:proj_A:total", "8")
}

func TestChatCompletionsMalformedTraceIDIgnored(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"usage":{"total_tokens":5}}`))
	}))
	t.Cleanup(upstream.Close)

	g := newTestGateway(t, upstream.URL)
	g.redis.Set("budget:proj_A:remaining", "100")

	rec := g.do(completionBody, map[string]string{"X-Coreason-Trace-ID": "not-a-uuid"})

	assert.Equal(t, http.StatusOK, rec.Code)
	waitForKey(t, g.redis, "usage:proj_A:total", "5")
}
