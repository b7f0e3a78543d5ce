package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
)

func TestCompleteSendsSystemPromptAndOptions(t *testing.T) {
	var captured generateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"response":"  A short summary.  "}`))
	}))
	defer server.Close()

	client := New(server.URL, Options{Model: "gen", Temperature: 0.3, MaxTokens: 300})
	answer, err := client.Complete(context.Background(), "be brief", "Summarize this document:\n\ntext")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if answer != "A short summary." {
		t.Fatalf("answer = %q", answer)
	}
	if captured.Model != "gen" || captured.System != "be brief" || captured.Stream {
		t.Fatalf("unexpected request: %+v", captured)
	}
	if captured.Options.Temperature != 0.3 || captured.Options.NumPredict != 300 {
		t.Fatalf("unexpected options: %+v", captured.Options)
	}
}

func TestCompleteIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := New(server.URL, Options{}).Complete(context.Background(), "", "hello")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("502 should be temporary, got %v", err)
	}
}
