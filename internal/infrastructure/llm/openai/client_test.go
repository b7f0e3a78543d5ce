package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
)

func TestCompleteSendsChatRequest(t *testing.T) {
	var captured chatRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" Contract summary. "}}]}`))
	}))
	defer server.Close()

	client, err := New(Options{BaseURL: server.URL + "/v1", APIKey: "sk-test", Temperature: 0.3})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	answer, err := client.Complete(context.Background(), "system", "user text")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if answer != "Contract summary." {
		t.Fatalf("answer = %q", answer)
	}
	if auth != "Bearer sk-test" {
		t.Fatalf("authorization = %q", auth)
	}
	if captured.Model != "gpt-4o-mini" || captured.MaxTokens != 300 || captured.Temperature != 0.3 {
		t.Fatalf("unexpected request: %+v", captured)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" || captured.Messages[1].Content != "user text" {
		t.Fatalf("unexpected messages: %+v", captured.Messages)
	}
}

func TestCompleteClassifiesStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		temporary bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, temporary: true},
		{name: "unauthorized", status: http.StatusUnauthorized, temporary: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer server.Close()

			client, _ := New(Options{BaseURL: server.URL, APIKey: "k"})
			_, err := client.Complete(context.Background(), "", "x")
			if err == nil {
				t.Fatal("expected error")
			}
			if domain.IsKind(err, domain.ErrTemporary) != tc.temporary {
				t.Fatalf("temporary = %v, want %v (%v)", !tc.temporary, tc.temporary, err)
			}
		})
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Options{}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("New() error = %v, want ErrInvalidInput", err)
	}
}
