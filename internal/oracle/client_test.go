package oracle

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/metalagman/sonda/internal/errdefs"
	"github.com/metalagman/sonda/internal/state"
)

const responseBody = `{
	"error": {"code": "", "message": ""},
	"usage": {"input_tokens": 100, "output_tokens": 23, "total_tokens": 123},
	"output": [
		{
			"type": "message",
			"role": "assistant",
			"content": [
				{"type": "output_text", "text": "{\"status\":\"success\"}", "annotations": []}
			]
		}
	]
}`

func testClient(t *testing.T, srv *httptest.Server, maxTries int) *Client {
	t.Helper()
	client, err := New(Config{
		Model:     "gpt-5",
		BaseURL:   srv.URL,
		APIKey:    "test-api-key",
		MaxTries:  maxTries,
		RetryStep: time.Millisecond,
	}, srv.Client(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return client
}

func TestCallSendsPayloadAndAccumulatesUsage(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
		}
		if err := json.Unmarshal(body, &gotBody); err != nil {
			t.Errorf("unmarshal request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(responseBody))
	}))
	t.Cleanup(srv.Close)

	client := testClient(t, srv, 1)

	resp, err := client.Call(context.Background(), Request{
		Instructions: "Output only JSON.",
		Input:        `{"goal":"demo"}`,
		MaxTokens:    512,
	})
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if resp.Content != `{"status":"success"}` {
		t.Fatalf("content = %q", resp.Content)
	}
	if resp.Tokens != 123 {
		t.Fatalf("tokens = %d, want 123", resp.Tokens)
	}

	if gotAuth != "Bearer test-api-key" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
	if gotPath != "/responses" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody["model"] != "gpt-5" {
		t.Fatalf("model = %v", gotBody["model"])
	}
	if gotBody["instructions"] != "Output only JSON." {
		t.Fatalf("instructions = %v", gotBody["instructions"])
	}
	if gotBody["max_output_tokens"] != float64(512) {
		t.Fatalf("max_output_tokens = %v", gotBody["max_output_tokens"])
	}

	if _, err := client.Call(context.Background(), Request{Input: "again"}); err != nil {
		t.Fatalf("second Call returned error: %v", err)
	}
	usage := client.Usage()
	if usage.TotalCalls != 2 {
		t.Fatalf("total calls = %d, want 2", usage.TotalCalls)
	}
	if usage.TotalTokensUsed != 246 {
		t.Fatalf("total tokens = %d, want 246", usage.TotalTokensUsed)
	}
}

func TestCallRetriesTransportFailures(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(responseBody))
	}))
	t.Cleanup(srv.Close)

	client := testClient(t, srv, 3)

	resp, err := client.Call(context.Background(), Request{Input: "x"})
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if resp.Content == "" {
		t.Fatal("empty content after retries")
	}
	if requests != 3 {
		t.Fatalf("requests = %d, want 3", requests)
	}
}

func TestCallExhaustionReturnsLLMError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := testClient(t, srv, 2)

	_, err := client.Call(context.Background(), Request{Input: "x"})
	if err == nil {
		t.Fatal("Call returned nil error, want error")
	}
	if errdefs.KindOf(err) != errdefs.KindLLM {
		t.Fatalf("error kind = %s, want %s", errdefs.KindOf(err), errdefs.KindLLM)
	}
	if !errdefs.IsRecoverable(err) {
		t.Fatal("llm error should be recoverable")
	}
	if client.Usage().TotalCalls != 0 {
		t.Fatalf("failed calls must not count, got %d", client.Usage().TotalCalls)
	}
}

func TestNewRequiresModelAndKey(t *testing.T) {
	if _, err := New(Config{APIKey: "k"}, nil, zerolog.Nop()); err == nil {
		t.Fatal("missing model accepted")
	}

	const envKey = "SONDA_ORACLE_MISSING_KEY"
	t.Setenv(envKey, "")
	if _, err := New(Config{Model: "gpt-5", APIKeyEnv: envKey}, nil, zerolog.Nop()); err == nil {
		t.Fatal("missing api key accepted")
	}
}

func TestLinearBackOffProgression(t *testing.T) {
	b := &linearBackOff{step: time.Second}
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		if got := b.NextBackOff(); got != want {
			t.Fatalf("attempt %d backoff = %s, want %s", i+1, got, want)
		}
	}
	b.Reset()
	if got := b.NextBackOff(); got != time.Second {
		t.Fatalf("backoff after reset = %s, want %s", got, time.Second)
	}
}

func TestPromptBuilders(t *testing.T) {
	snap := &state.CompactState{
		Meta: state.Meta{URL: "https://example.com/login"},
	}

	req, err := PlanRequest("log in and download the invoice", snap, nil)
	if err != nil {
		t.Fatalf("PlanRequest returned error: %v", err)
	}
	if req.Instructions == "" {
		t.Fatal("empty plan instructions")
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(req.Input), &input); err != nil {
		t.Fatalf("plan input is not JSON: %v", err)
	}
	if input["goal"] != "log in and download the invoice" {
		t.Fatalf("goal = %v", input["goal"])
	}
	if _, ok := input["macroCandidate"]; ok {
		t.Fatal("nil macro candidate should be omitted")
	}
}
