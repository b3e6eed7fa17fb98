package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lineServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintln(w, l)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func openRouterAt(url string, opts StreamOptions) *EventLineAdapter {
	return NewOpenRouterAdapter(OpenRouterConfig{BaseURL: url, APIKey: "k", Model: "openrouter/auto", Options: opts})
}

func oneMessage(s string) ChatRequest {
	return ChatRequest{Messages: []Message{{Role: RoleUser, Content: s}}, MaxTokens: 64, Temperature: 0.2}
}

func TestEventLine_OpenAIStreamConcatenatesDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var body map[string]any
		b, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(b, &body))
		assert.Equal(t, true, body["stream"])
		assert.Equal(t, "openrouter/auto", body["model"])

		for _, l := range []string{
			": keep-alive",
			`data: {"choices":[{"delta":{"role":"assistant"}}]}`,
			`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
			"",
			"event: ping",
			`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":null}]}`,
			`data: {"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
			"data: [DONE]",
			`data: {"choices":[{"delta":{"content":"after done"}}]}`,
		} {
			fmt.Fprintln(w, l)
		}
	}))
	defer srv.Close()

	s, err := openRouterAt(srv.URL, StreamOptions{}).Stream(context.Background(), oneMessage("hi"))
	require.NoError(t, err)

	frags := drainFragments(t, s)
	assert.Equal(t, "Hello", textOf(frags))
	assert.Empty(t, errorsOf(frags))

	end := frags[len(frags)-1]
	require.NotNil(t, end.Usage)
	assert.Equal(t, Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}, *end.Usage)
}

func TestEventLine_UndecodableLinesPassThrough(t *testing.T) {
	srv := lineServer(t,
		`data: {"choices":[{"delta":{"content":"a"}}]}`,
		"data: not json",
		"plain words",
		`data: {"foo":{"bar":"x"}}`,
		"data: [DONE]",
	)

	s, err := openRouterAt(srv.URL, StreamOptions{}).Stream(context.Background(), oneMessage("hi"))
	require.NoError(t, err)

	frags := drainFragments(t, s)
	assert.Equal(t, "anot jsonplain wordsx", textOf(frags))
	assert.Empty(t, errorsOf(frags))
}

func TestEventLine_NonSuccessStatusIsProtocolErrorWithBoundedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(strings.Repeat("x", 10000)))
	}))
	defer srv.Close()

	_, err := openRouterAt(srv.URL, StreamOptions{}).Stream(context.Background(), oneMessage("hi"))
	require.Error(t, err)

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, ErrUpstreamProtocol, e.Kind)
	assert.Equal(t, http.StatusUnauthorized, e.Status)
	assert.Len(t, e.Body, 4*1024)
	assert.True(t, PreStream(err))
}

func TestEventLine_MissingKeyFailsBeforeNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	a := NewOpenRouterAdapter(OpenRouterConfig{BaseURL: srv.URL})
	assert.False(t, a.Configured())

	_, err := a.Stream(context.Background(), oneMessage("hi"))
	assert.True(t, IsKind(err, ErrConfiguration), "err = %v", err)
	assert.Contains(t, err.Error(), "api key is required")
	assert.Zero(t, hits.Load())
}

func TestEventLine_InBandFailureEndsStream(t *testing.T) {
	srv := lineServer(t,
		`data: {"choices":[{"delta":{"content":"partial"}}]}`,
		`data: {"error":{"message":"overloaded"}}`,
		`data: {"choices":[{"delta":{"content":"never"}}]}`,
	)

	s, err := openRouterAt(srv.URL, StreamOptions{}).Stream(context.Background(), oneMessage("hi"))
	require.NoError(t, err)

	frags := drainFragments(t, s)
	require.Len(t, frags, 3)
	assert.Equal(t, FragmentText, frags[0].Kind)
	assert.Equal(t, FragmentError, frags[1].Kind)
	assert.True(t, IsKind(frags[1].Err, ErrUpstreamStream))
	assert.Contains(t, frags[1].Err.Error(), "overloaded")
	assert.Equal(t, FragmentEnd, frags[2].Kind)
}

func TestEventLine_StalledUpstreamEndsOnIdleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"a"}}]}`)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	s, err := openRouterAt(srv.URL, StreamOptions{IdleTimeout: 100 * time.Millisecond}).Stream(context.Background(), oneMessage("hi"))
	require.NoError(t, err)

	frags := drainFragments(t, s)
	assert.Equal(t, "a", textOf(frags))
	errs := errorsOf(frags)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "idle timeout")
}

func TestEventLine_OllamaNDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		for _, l := range []string{
			`{"message":{"role":"assistant","content":"Hi"},"done":false}`,
			`{"message":{"role":"assistant","content":" there"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":5,"eval_count":2}`,
		} {
			fmt.Fprintln(w, l)
		}
	}))
	defer srv.Close()

	s, err := NewOllamaAdapter(srv.URL, "m", StreamOptions{}).Stream(context.Background(), oneMessage("hi"))
	require.NoError(t, err)

	text, usage, err := Collect(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", text)
	require.NotNil(t, usage)
	assert.Equal(t, 7, usage.TotalTokens)
}

func TestEventLine_AzureUsesDeploymentURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/deployments/gpt4o/chat/completions", r.URL.Path)
		assert.Equal(t, "az", r.Header.Get("api-key"))
		assert.Equal(t, "2024-06-01", r.URL.Query().Get("api-version"))
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"ok"}}]}`)
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	a := NewAzureOpenAIAdapter(AzureOpenAIConfig{Endpoint: srv.URL + "/", APIKey: "az", Deployment: "gpt4o"})
	s, err := a.Stream(context.Background(), oneMessage("hi"))
	require.NoError(t, err)

	text, _, err := Collect(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}
