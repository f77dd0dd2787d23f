package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/interview-agent/internal/faults"
)

func clientFor(srv *httptest.Server) *CerebrasClient {
	c := NewCerebrasClient("key", "model")
	c.HTTPClient = &http.Client{Timeout: 1 * time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = "http"
		req.URL.Host = srv.Listener.Addr().String()
		return http.DefaultTransport.RoundTrip(req)
	})}
	return c
}

func TestCerebras_NoKey(t *testing.T) {
	c := NewCerebrasClient("", "model")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Complete(ctx, []Message{{Role: RoleUser, Content: "hi"}}, Params{})
	assert.ErrorIs(t, err, faults.ErrModelUnavailable)
}

func TestCerebras_SendsConversation(t *testing.T) {
	var got chatCompletionsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  What drew you to backend work?  "}}]}`))
	}))
	defer srv.Close()

	msgs := []Message{
		{Role: RoleSystem, Content: "You are an interviewer."},
		{Role: RoleAssistant, Content: "Tell me about yourself."},
		{Role: RoleUser, Content: "I build APIs."},
	}
	out, err := clientFor(srv).Complete(context.Background(), msgs, Params{MaxTokens: 150, Temperature: 0.7})
	require.NoError(t, err)
	assert.Equal(t, "What drew you to backend work?", out)
	assert.Equal(t, msgs, got.Messages)
	assert.Equal(t, 150, got.MaxTokens)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.7, *got.Temperature, 1e-9)
}

func TestCerebras_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }, faults.ErrModelUnavailable},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("not-json")) }, faults.ErrModelUnavailable},
		{"empty_choices", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(200)
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}, faults.ErrEmptyResponse},
		{"blank_content", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"   "}}]}`))
		}, faults.ErrEmptyResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err := clientFor(srv).Complete(ctx, []Message{{Role: RoleUser, Content: "hi"}}, Params{})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
