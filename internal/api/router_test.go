package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/storyforge/internal/provider"
	"github.com/NikhilSetiya/storyforge/pkg/config"
	"github.com/NikhilSetiya/storyforge/pkg/correlation"
	"github.com/NikhilSetiya/storyforge/pkg/errors"
	"github.com/NikhilSetiya/storyforge/pkg/metrics"
	"github.com/NikhilSetiya/storyforge/pkg/ratelimit"
	"github.com/NikhilSetiya/storyforge/pkg/resilience"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockCompleter struct {
	mock.Mock
}

func (m *mockCompleter) Complete(ctx context.Context, messages []provider.Message) (*provider.Completion, error) {
	args := m.Called(ctx, messages)
	completion, _ := args.Get(0).(*provider.Completion)
	return completion, args.Error(1)
}

type testEnv struct {
	router    *gin.Engine
	generator *mockCompleter
	now       time.Time
}

func newTestEnv(t *testing.T, limits func(*ratelimit.Config)) *testEnv {
	t.Helper()

	rl := ratelimit.DefaultConfig()
	if limits != nil {
		limits(&rl)
	}
	m := metrics.NewMetrics(&metrics.Config{Namespace: "test", Enabled: true})
	controller, err := ratelimit.New(rl, nil, ratelimit.WithObserver(m))
	require.NoError(t, err)

	env := &testEnv{
		generator: &mockCompleter{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := &config.Config{
		Server:    config.ServerConfig{AllowedOrigins: []string{"*"}},
		RateLimit: config.RateLimitConfig{ClientKeyHeader: "X-API-Key"},
		Metrics:   config.MetricsConfig{Enabled: true},
	}
	env.router = NewRouter(Dependencies{
		Config:     cfg,
		Metrics:    m,
		Controller: controller,
		Generator:  env.generator,
		Retriers:   []*resilience.Retrier{resilience.NewRetrier(resilience.DefaultPolicy(), nil, resilience.WithName("openai"))},
		Stories:    NewStoryLog(10),
		Version:    "test",
		Now:        func() time.Time { return env.now },
	})
	return env
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func completion(content string) *provider.Completion {
	return &provider.Completion{ID: "cmpl", Model: "test-model", Content: content, Attempts: 1}
}

func TestCreateStory(t *testing.T) {
	env := newTestEnv(t, nil)
	env.generator.On("Complete", mock.Anything, mock.MatchedBy(func(msgs []provider.Message) bool {
		return len(msgs) == 2 && msgs[1].Content == "a lighthouse keeper" && strings.Contains(msgs[0].Content, "mystery")
	})).Return(completion("The lamp went dark."), nil).Once()

	w := env.do(http.MethodPost, "/api/v1/stories", `{"prompt":"  a lighthouse keeper ","genre":"mystery"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	resp := decode(t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, w.Header().Get(correlation.Header), resp.RequestID)
	assert.True(t, correlation.Valid(resp.RequestID))

	story := resp.Data.(map[string]interface{})
	assert.Equal(t, "The lamp went dark.", story["content"])
	assert.Equal(t, resp.RequestID, story["correlation_id"])

	assert.Equal(t, "9", w.Header().Get(ratelimit.HeaderRemaining))
	assert.Equal(t, "10", w.Header().Get(ratelimit.HeaderLimit))
	assert.Empty(t, w.Header().Get(ratelimit.HeaderRetryAfter))

	list := env.do(http.MethodGet, "/api/v1/stories", "", nil)
	require.Equal(t, http.StatusOK, list.Code)
	listed := decode(t, list)
	assert.Len(t, listed.Data, 1)
	assert.Equal(t, 1, listed.Meta.Count)

	env.generator.AssertExpectations(t)
}

func TestCreateStory_InboundCorrelationReachesProvider(t *testing.T) {
	const id = "1d6e6a4c-2b1f-4a43-9d0e-7c5b4a3f2e1d"

	env := newTestEnv(t, nil)
	env.generator.On("Complete", mock.MatchedBy(func(ctx context.Context) bool {
		got, ok := correlation.Current(ctx)
		return ok && got == id
	}), mock.Anything).Return(completion("ok"), nil).Once()

	w := env.do(http.MethodPost, "/api/v1/stories", `{"prompt":"x"}`, map[string]string{correlation.Header: id})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, id, w.Header().Get(correlation.Header))
	assert.Equal(t, id, decode(t, w).RequestID)

	env.generator.AssertExpectations(t)
}

func TestCorrelationHeader_MalformedIsReplaced(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/api/v1/stories", "", map[string]string{correlation.Header: "not-a-uuid"})
	require.Equal(t, http.StatusOK, w.Code)

	got := w.Header().Get(correlation.Header)
	assert.NotEqual(t, "not-a-uuid", got)
	assert.True(t, correlation.Valid(got))
}

func TestCreateStory_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *ratelimit.Config) {
		c.Classes[ratelimit.ClassStoryGeneration] = ratelimit.Limit{Requests: 2, Window: time.Minute}
	})
	env.generator.On("Complete", mock.Anything, mock.Anything).Return(completion("ok"), nil).Times(2)

	headers := map[string]string{"X-API-Key": "client-a"}
	for i := 0; i < 2; i++ {
		w := env.do(http.MethodPost, "/api/v1/stories", `{"prompt":"x"}`, headers)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	env.now = env.now.Add(20 * time.Second)
	w := env.do(http.MethodPost, "/api/v1/stories", `{"prompt":"x"}`, headers)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	assert.Equal(t, "40", w.Header().Get(ratelimit.HeaderRetryAfter))
	assert.Equal(t, "0", w.Header().Get(ratelimit.HeaderRemaining))
	assert.Equal(t, "client", w.Header().Get(ratelimit.HeaderScope))

	resp := decode(t, w)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", resp.Error.Code)
	assert.Equal(t, float64(40), resp.Error.Details["retry_after"])
	assert.Equal(t, w.Header().Get(correlation.Header), resp.RequestID)

	// Other classes keep their own counters
	other := env.do(http.MethodGet, "/api/v1/stories", "", headers)
	assert.Equal(t, http.StatusOK, other.Code)

	// The window reopens
	env.now = env.now.Add(41 * time.Second)
	env.generator.On("Complete", mock.Anything, mock.Anything).Return(completion("ok"), nil).Once()
	w = env.do(http.MethodPost, "/api/v1/stories", `{"prompt":"x"}`, headers)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "1", w.Header().Get(ratelimit.HeaderRemaining))

	env.generator.AssertExpectations(t)
}

func TestCreateStory_ProviderFailures(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		code     string
		attempts int
	}{
		{
			name:     "exhausted",
			err:      &resilience.ExhaustedError{Attempts: 3, Last: errors.NewProviderError("openai", 503, "overloaded")},
			status:   http.StatusServiceUnavailable,
			code:     "PROVIDER_UNAVAILABLE",
			attempts: 3,
		},
		{
			name:     "exhausted transport",
			err:      &resilience.ExhaustedError{Attempts: 3, Last: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}},
			status:   http.StatusServiceUnavailable,
			code:     "UPSTREAM_UNAVAILABLE",
			attempts: 3,
		},
		{
			name:     "fatal auth",
			err:      &resilience.FatalError{Attempt: 1, Err: errors.NewProviderError("openai", 401, "")},
			status:   http.StatusBadGateway,
			code:     "PROVIDER_AUTH",
			attempts: 1,
		},
		{
			name:     "timeout",
			err:      &resilience.ExhaustedError{Attempts: 3, Last: errors.NewTimeoutError("completion")},
			status:   http.StatusGatewayTimeout,
			code:     "TIMEOUT",
			attempts: 3,
		},
		{
			name:   "cancelled",
			err:    &resilience.CancelledError{Attempts: 1, Err: context.Canceled},
			status: http.StatusServiceUnavailable,
			code:   "REQUEST_CANCELLED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.generator.On("Complete", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			w := env.do(http.MethodPost, "/api/v1/stories", `{"prompt":"x"}`, nil)
			assert.Equal(t, tt.status, w.Code)

			resp := decode(t, w)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			if tt.attempts > 0 {
				assert.EqualValues(t, tt.attempts, resp.Error.Details["attempts"])
			}
		})
	}
}

func TestCreateStory_UnreachableProvider(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	policy := resilience.DefaultPolicy()
	policy.MaxAttempts = 3
	retrier := resilience.NewRetrier(policy, nil, resilience.WithSleeper(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}))
	router := NewRouter(Dependencies{
		Config:    &config.Config{Server: config.ServerConfig{AllowedOrigins: []string{"*"}}},
		Generator: provider.New(provider.Config{BaseURL: baseURL}, retrier),
		Stories:   NewStoryLog(10),
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stories", strings.NewReader(`{"prompt":"a lighthouse"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decode(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "EXTERNAL_SERVICE_ERROR", resp.Error.Code)
	assert.EqualValues(t, 3, resp.Error.Details["attempts"])
	assert.Equal(t, w.Header().Get(correlation.Header), resp.RequestID)
}

func TestCreateStory_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing prompt", `{}`},
		{"blank prompt", `{"prompt":"   "}`},
		{"too few words", `{"prompt":"x","words":10}`},
		{"not json", `prompt=x`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			w := env.do(http.MethodPost, "/api/v1/stories", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "VALIDATION_ERROR", decode(t, w).Error.Code)
			env.generator.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
		})
	}
}

func TestCreateStory_OversizedBody(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"prompt":"` + strings.Repeat("a", maxStoryRequestBytes) + `"}`

	w := env.do(http.MethodPost, "/api/v1/stories", body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "REQUEST_TOO_LARGE", decode(t, w).Error.Code)
	env.generator.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestStatus_DoesNotConsumeQuota(t *testing.T) {
	env := newTestEnv(t, nil)
	headers := map[string]string{"X-API-Key": "client-b"}

	env.generator.On("Complete", mock.Anything, mock.Anything).Return(completion("ok"), nil).Once()
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/v1/stories", `{"prompt":"x"}`, headers).Code)

	for i := 0; i < 2; i++ {
		w := env.do(http.MethodGet, "/api/v1/status", "", headers)
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Data StatusResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

		require.Len(t, body.Data.Retry, 1)
		assert.Equal(t, "openai", body.Data.Retry[0].Name)
		require.NotNil(t, body.Data.RateLimit)

		generation := body.Data.Quota[ratelimit.ClassStoryGeneration]
		require.NotEmpty(t, generation)
		assert.Equal(t, ratelimit.ScopeClient, generation[0].Scope)
		assert.Equal(t, 1, generation[0].Count)
		assert.Equal(t, 9, generation[0].Remaining)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "600", w.Header().Get(ratelimit.HeaderLimit))
	assert.NotEmpty(t, w.Header().Get(correlation.Header))

	w = env.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_http_requests_total")
	assert.Contains(t, w.Body.String(), "test_admission_decisions_total")
}

func TestNoRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, w).Error.Code)
}

func TestCORSExposesQuotaHeaders(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(http.MethodGet, "/api/v1/stories", "", map[string]string{"Origin": "http://example.com"})

	exposed := strings.ToLower(w.Header().Get("Access-Control-Expose-Headers"))
	assert.Contains(t, exposed, strings.ToLower(ratelimit.HeaderRetryAfter))
	assert.Contains(t, exposed, strings.ToLower(ratelimit.HeaderRemaining))
	assert.Contains(t, exposed, strings.ToLower(correlation.Header))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestStoryLog_Recent(t *testing.T) {
	log := NewStoryLog(3)
	assert.Empty(t, log.Recent(10))

	for _, p := range []string{"a", "b", "c", "d"} {
		log.Add(Story{Prompt: p})
	}

	recent := log.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, "d", recent[0].Prompt)
	assert.Equal(t, "b", recent[2].Prompt)

	assert.Equal(t, []Story{{Prompt: "d"}, {Prompt: "c"}}, log.Recent(2))
}
