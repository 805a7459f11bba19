package aiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/moezakura/ai-tab-sorter/internal/types"
)

func completionBody(content string) string {
	msg, _ := json.Marshal(content)
	return fmt.Sprintf(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":%s},"finish_reason":"stop"}]}`, msg)
}

func newTestClient(url string) *Client {
	return New(types.AIConfig{
		APIURL:      url,
		Model:       "test-model",
		MaxTokens:   256,
		Temperature: 0.3,
	})
}

func alwaysValid() Schema {
	return Schema{
		Name:       "result",
		Definition: map[string]any{"type": "object"},
		Validate:   func([]byte) error { return nil },
	}
}

func TestChatWithSchemaReturnsValidatedJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody(`{"category":"開発・技術","confidence":0.9}`))
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	raw, err := c.ChatWithSchema(context.Background(), []Message{{Role: "user", Content: "classify"}}, alwaysValid(), Options{MaxRetries: 1})
	if err != nil {
		t.Fatalf("ChatWithSchema: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got["category"] != "開発・技術" {
		t.Errorf("category = %v", got["category"])
	}
}

func TestChatWithSchemaRetriesOnSchemaViolation(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			fmt.Fprint(w, completionBody(`{"category":"nonsense"}`))
			return
		}
		fmt.Fprint(w, completionBody(`{"category":"その他","confidence":0.5}`))
	}))
	defer ts.Close()

	schema := Schema{
		Name:       "result",
		Definition: map[string]any{"type": "object"},
		Validate: func(data []byte) error {
			var v struct {
				Category string `json:"category"`
			}
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}
			if v.Category != "その他" {
				return fmt.Errorf("category %q not allowed", v.Category)
			}
			return nil
		},
	}

	c := newTestClient(ts.URL)
	raw, err := c.ChatWithSchema(context.Background(), []Message{{Role: "user", Content: "classify"}}, schema, Options{MaxRetries: 2})
	if err != nil {
		t.Fatalf("ChatWithSchema: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if raw == nil {
		t.Fatal("expected raw result")
	}
}

func TestChatWithSchemaExhaustsRetries(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	_, err := c.ChatWithSchema(context.Background(), []Message{{Role: "user", Content: "x"}}, alwaysValid(), Options{MaxRetries: 2})

	var sre *StructuredResponseError
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.As(err, &sre) {
		t.Fatalf("error type %T, want *StructuredResponseError", err)
	}
	if sre.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", sre.Attempts)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestTestConnection(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("Hi"))
	}))
	defer ts.Close()

	if !newTestClient(ts.URL).TestConnection(context.Background()) {
		t.Error("expected connection test to pass")
	}

	ts.Close()
	if newTestClient(ts.URL).TestConnection(context.Background()) {
		t.Error("expected connection test to fail against closed server")
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.in); got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
