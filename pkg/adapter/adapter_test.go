package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"rate limited", &AdapterError{Status: 429}, true},
		{"server error", &AdapterError{Status: 503}, true},
		{"bad request", &AdapterError{Status: 400}, false},
		{"temporary flag", &AdapterError{Temporary: true}, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestCallRetriesTransient(t *testing.T) {
	mock := NewMockAdapter("mock", "ok").WithErrors(&AdapterError{Status: 503}, &AdapterError{Status: 429})
	policy := RetryPolicy{MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

	resp, report, err := Call(context.Background(), mock, "mock-1", "prompt", policy)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 2, report.Retries)
	assert.Equal(t, 3, mock.Calls())
}

func TestCallStopsOnPermanentError(t *testing.T) {
	mock := NewMockAdapter("mock", "ok").WithErrors(&AdapterError{Status: 401})

	_, report, err := Call(context.Background(), mock, "mock-1", "prompt", DefaultRetryPolicy())
	require.Error(t, err)
	assert.Equal(t, 1, mock.Calls())
	assert.NotEmpty(t, report.Error)
}

func TestCallHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := Call(ctx, NewMockAdapter("mock", "ok"), "mock-1", "prompt", DefaultRetryPolicy())
	assert.ErrorIs(t, err, context.Canceled)
}

type silentAdapter struct{ calls int }

func (s *silentAdapter) Name() string { return "silent" }
func (s *silentAdapter) Models() []string { return []string{"m"} }

func (s *silentAdapter) Generate(ctx context.Context, model, prompt string) (*Response, error) {
	s.calls++
	return nil, nil
}

func TestCallRejectsEmptyResponse(t *testing.T) {
	a := &silentAdapter{}

	resp, report, err := Call(context.Background(), a, "m", "prompt", DefaultRetryPolicy())
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.Equal(t, 1, a.calls)
	assert.NotEmpty(t, report.Error)
}

func TestComputeBackoffCaps(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, computeBackoff(100*time.Millisecond, time.Second, 0))
	assert.Equal(t, 400*time.Millisecond, computeBackoff(100*time.Millisecond, time.Second, 2))
	assert.Equal(t, time.Second, computeBackoff(100*time.Millisecond, time.Second, 10))
}

func TestMockRepeatsLastReply(t *testing.T) {
	mock := NewMockAdapter("", "a", "b")
	for _, want := range []string{"a", "b", "b"} {
		resp, err := mock.Generate(context.Background(), "", "p")
		require.NoError(t, err)
		assert.Equal(t, want, resp.Content)
		assert.Equal(t, "mock", resp.Adapter)
	}
	assert.Len(t, mock.Prompts(), 3)
}

func TestDeepSeekGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var req deepseekRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "deepseek-chat", req.Model)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"title\":\"h1\"}"}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer srv.Close()

	a, err := NewDeepSeekAdapter("key")
	require.NoError(t, err)
	a.WithBaseURL(srv.URL)

	resp, err := a.Generate(context.Background(), "deepseek-chat", "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"title":"h1"}`, resp.Content)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestDeepSeekStatusIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a, err := NewDeepSeekAdapter("key")
	require.NoError(t, err)
	a.WithBaseURL(srv.URL)

	_, err = a.Generate(context.Background(), "deepseek-chat", "prompt")
	require.Error(t, err)
	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, http.StatusTooManyRequests, adapterErr.Status)
	assert.True(t, IsTransient(err))
}

func TestBuildSkipsMissingKeys(t *testing.T) {
	adapters, err := Build(Keys{DeepSeek: "key"})
	require.NoError(t, err)
	assert.Len(t, adapters, 1)

	_, err = Lookup(adapters, "anthropic")
	assert.ErrorContains(t, err, "deepseek")
}
