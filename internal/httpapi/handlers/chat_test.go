package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/streamgate/internal/ai"
	"github.com/suPer8Hu/streamgate/internal/config"
	"github.com/suPer8Hu/streamgate/internal/usage"
)

type fakeAdapter struct {
	name       string
	configured bool
	openErr    error
	frags      []ai.Fragment
	got        ai.ChatRequest
}

func (f *fakeAdapter) Name() string           { return f.name }
func (f *fakeAdapter) Transport() string      { return "event-line" }
func (f *fakeAdapter) Configured() bool       { return f.configured }
func (f *fakeAdapter) RequiresMessages() bool { return true }

func (f *fakeAdapter) Stream(ctx context.Context, req ai.ChatRequest) (*ai.Stream, error) {
	f.got = req
	if f.openErr != nil {
		return nil, f.openErr
	}
	i := 0
	return ai.NewStream(f.name, req.Model, 0, func(ctx context.Context) (ai.Fragment, error) {
		if i >= len(f.frags) {
			return ai.Fragment{Kind: ai.FragmentEnd}, nil
		}
		fr := f.frags[i]
		i++
		return fr, nil
	}, nil), nil
}

type testEnv struct {
	h         *Handler
	engine    *gin.Engine
	summaries chan usage.Summary
}

func newTestEnv(t *testing.T, cat *config.Catalog, adapters ...ai.Adapter) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	summaries := make(chan usage.Summary, 8)
	hook := usage.HookFunc(func(_ context.Context, s usage.Summary) error {
		summaries <- s
		return nil
	})
	cfg := config.Config{StreamTimeout: 5 * time.Second, DefaultMaxTokens: 256, DefaultTemperature: 0.7}
	h := NewHandler(cfg, ai.NewRegistry(adapters...), cat, usage.NewDispatcher(hook, time.Second))

	r := gin.New()
	r.POST("/api/stream/:provider", h.StreamProvider)
	r.POST("/api/chat", h.Chat)
	r.GET("/api/models", h.ListModels)
	r.GET("/api/models/capabilities", h.ModelCapabilities)
	r.GET("/api/models/:name", h.GetModel)
	r.POST("/api/models/test/:name", h.TestModel)
	r.GET("/api/providers", h.ListProviders)
	r.GET("/api/usage/:model", h.UsageTotals)
	r.GET("/api/usage/:model/recent", h.RecentUsage)
	r.GET("/api/streams/:stream_id", h.StreamUsage)
	r.GET("/health", h.Health)
	return &testEnv{h: h, engine: r, summaries: summaries}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func (e *testEnv) summary(t *testing.T) usage.Summary {
	t.Helper()
	select {
	case s := <-e.summaries:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("no usage summary dispatched")
		return usage.Summary{}
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func TestStream_LoopbackWritesPlainTextAndReportsUsage(t *testing.T) {
	env := newTestEnv(t, nil, ai.NewLoopbackAdapter(ai.LoopbackConfig{ChunkSize: 3}))

	w := env.do(http.MethodPost, "/api/stream/loopback", `{"prompt":"hello world"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world", w.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	id := w.Header().Get(StreamIDHeader)
	_, err := ulid.ParseStrict(id)
	require.NoError(t, err)

	s := env.summary(t)
	assert.Equal(t, id, s.StreamID)
	assert.Equal(t, usage.StatusOK, s.Status)
	assert.Equal(t, "loopback", s.Provider)
	assert.Equal(t, 11, s.OutputBytes)
	assert.Equal(t, 4, s.Fragments)
	assert.Equal(t, 11, s.CompletionTokens)
}

func TestStream_MidStreamErrorIsWrittenInBand(t *testing.T) {
	fake := &fakeAdapter{name: "fake", configured: true, frags: []ai.Fragment{
		{Kind: ai.FragmentText, Text: "partial"},
		{Kind: ai.FragmentError, Err: &ai.Error{Kind: ai.ErrUpstreamStream, Provider: "fake", Msg: "boom"}},
	}}
	env := newTestEnv(t, nil, fake)

	w := env.do(http.MethodPost, "/api/stream/fake", `{"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "partial\n[error] fake: boom\n", w.Body.String())

	s := env.summary(t)
	assert.Equal(t, usage.StatusError, s.Status)
	assert.Equal(t, "fake: boom", s.Error)
}

func TestStream_LeadingProtocolErrorBecomesHTTPStatus(t *testing.T) {
	fake := &fakeAdapter{name: "fake", configured: true, frags: []ai.Fragment{
		{Kind: ai.FragmentError, Err: &ai.Error{Kind: ai.ErrUpstreamProtocol, Provider: "fake", Status: 401, Msg: "upstream returned an error", Body: "bad key"}},
	}}
	env := newTestEnv(t, nil, fake)

	w := env.do(http.MethodPost, "/api/stream/fake", `{"prompt":"hi"}`)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	e := decode(t, w)
	assert.Equal(t, 50201, e.Code)
	assert.Contains(t, e.Message, "bad key")
	assert.Empty(t, w.Header().Get(StreamIDHeader))
	assert.Equal(t, usage.StatusError, env.summary(t).Status)
}

func TestStream_OpenErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"configuration", &ai.Error{Kind: ai.ErrConfiguration, Provider: "fake", Msg: "api key is required"}, http.StatusServiceUnavailable},
		{"protocol", &ai.Error{Kind: ai.ErrUpstreamProtocol, Provider: "fake", Status: 500}, http.StatusBadGateway},
		{"other", context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil, &fakeAdapter{name: "fake", configured: true, openErr: tc.err})
			w := env.do(http.MethodPost, "/api/stream/fake", `{"prompt":"hi"}`)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestStream_RequestRejections(t *testing.T) {
	env := newTestEnv(t, nil,
		&fakeAdapter{name: "fake", configured: true},
		&fakeAdapter{name: "offline"},
	)

	cases := []struct {
		path, body string
		status     int
		code       int
	}{
		{"/api/stream/nope", `{"prompt":"hi"}`, http.StatusNotFound, 40402},
		{"/api/stream/fake", `{not json`, http.StatusBadRequest, 10001},
		{"/api/stream/fake", `{}`, http.StatusBadRequest, 10002},
		{"/api/stream/fake", `{"prompt":"hi","temperature":3}`, http.StatusBadRequest, 10002},
		{"/api/stream/offline", `{"prompt":"hi"}`, http.StatusServiceUnavailable, 50301},
	}
	for _, tc := range cases {
		w := env.do(http.MethodPost, tc.path, tc.body)
		assert.Equal(t, tc.status, w.Code, tc.path+" "+tc.body)
		assert.Equal(t, tc.code, decode(t, w).Code, tc.path+" "+tc.body)
	}
}

func TestStream_EmptyUpstreamStillCompletes(t *testing.T) {
	env := newTestEnv(t, nil, &fakeAdapter{name: "fake", configured: true})

	w := env.do(http.MethodPost, "/api/stream/fake", `{"prompt":"hi"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, usage.StatusOK, env.summary(t).Status)
}

func testCatalog() *config.Catalog {
	temp := 0.1
	return &config.Catalog{Models: []config.ModelEntry{{
		Name:         "echo",
		DisplayName:  "Echo",
		Provider:     "fake",
		ModelID:      "upstream-1",
		Capabilities: map[string]bool{"streaming": true, "text_input": true},
		Settings:     config.ModelSettings{MaxTokens: 77, Temperature: &temp},
	}}}
}

func TestChat_NonStreamingUsesCatalogEntry(t *testing.T) {
	fake := &fakeAdapter{name: "fake", configured: true, frags: []ai.Fragment{
		{Kind: ai.FragmentText, Text: "a"},
		{Kind: ai.FragmentText, Text: "b"},
		{Kind: ai.FragmentEnd, Usage: &ai.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}},
	}}
	env := newTestEnv(t, testCatalog(), fake)

	w := env.do(http.MethodPost, "/api/chat", `{"model":"echo","prompt":"hi","stream":false}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var data struct {
		Response string    `json:"response"`
		Model    string    `json:"model"`
		Provider string    `json:"provider"`
		Usage    *ai.Usage `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &data))
	assert.Equal(t, "ab", data.Response)
	assert.Equal(t, "upstream-1", data.Model)
	assert.Equal(t, "fake", data.Provider)
	require.NotNil(t, data.Usage)
	assert.Equal(t, 3, data.Usage.TotalTokens)

	assert.Equal(t, "upstream-1", fake.got.Model)
	assert.Equal(t, 77, fake.got.MaxTokens)
	assert.Equal(t, 0.1, fake.got.Temperature)

	s := env.summary(t)
	assert.Equal(t, "echo", s.Model)
	assert.Equal(t, 2, s.OutputBytes)
	assert.Equal(t, 3, s.TotalTokens)
}

func TestChat_StreamingMatchesCollectedText(t *testing.T) {
	frags := []ai.Fragment{{Kind: ai.FragmentText, Text: "The "}, {Kind: ai.FragmentText, Text: "answer"}}
	env := newTestEnv(t, testCatalog(), &fakeAdapter{name: "fake", configured: true, frags: frags})

	streamed := env.do(http.MethodPost, "/api/chat", `{"model":"echo","prompt":"q"}`)
	require.Equal(t, http.StatusOK, streamed.Code)

	collected := env.do(http.MethodPost, "/api/chat", `{"model":"echo","prompt":"q","stream":false}`)
	var data struct {
		Response string `json:"response"`
	}
	require.NoError(t, json.Unmarshal(decode(t, collected).Data, &data))
	assert.Equal(t, data.Response, streamed.Body.String())
}

func TestChat_ModelLookupFailures(t *testing.T) {
	env := newTestEnv(t, testCatalog(), &fakeAdapter{name: "fake", configured: true})

	w := env.do(http.MethodPost, "/api/chat", `{"prompt":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/chat", `{"model":"ghost","prompt":"hi"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40401, decode(t, w).Code)
}

func TestStream_ClientDisconnectStopsPromptly(t *testing.T) {
	env := newTestEnv(t, nil, ai.NewLoopbackAdapter(ai.LoopbackConfig{ChunkSize: 1, Delay: 50 * time.Millisecond}))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/stream/loopback",
		strings.NewReader(`{"prompt":"a long answer that takes seconds to stream"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	time.AfterFunc(120*time.Millisecond, cancel)
	start := time.Now()
	env.engine.ServeHTTP(w, req)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Body.String())
	assert.Less(t, w.Body.Len(), len("a long answer that takes seconds to stream"))
	assert.NotContains(t, w.Body.String(), "[error]")

	s := env.summary(t)
	assert.Equal(t, usage.StatusCancelled, s.Status)
}
