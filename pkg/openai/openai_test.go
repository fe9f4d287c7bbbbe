package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/WessleyAI/wessley-kb/engine/domain"
)

func newTestClient(t *testing.T, cfg Config, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	if cfg.Azure {
		cfg.BaseURL = srv.URL
	} else {
		cfg.BaseURL = srv.URL + "/v1"
	}
	cfg.APIKey = "test-key"
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestEmbedTexts(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		// Out of order on purpose.
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-large","data":[
			{"object":"embedding","index":1,"embedding":[0.3,0.4]},
			{"object":"embedding","index":0,"embedding":[0.1,0.2]}]}`))
	})
	c := newTestClient(t, DefaultConfig(), mux)

	vecs, err := c.EmbedTexts(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 2 || vecs[0][0] != 0.1 || vecs[1][0] != 0.3 {
		t.Fatalf("vectors = %v", vecs)
	}
	if got["model"] != "text-embedding-3-large" {
		t.Errorf("model = %v", got["model"])
	}
	if got["dimensions"] != float64(3072) {
		t.Errorf("dimensions = %v", got["dimensions"])
	}
}

func TestEmbedTextsAzure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /openai/deployments/emb-prod/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api-version") != "2024-06-01" {
			t.Errorf("api-version = %q", r.URL.Query().Get("api-version"))
		}
		if r.Header.Get("api-key") != "test-key" {
			t.Errorf("api-key = %q", r.Header.Get("api-key"))
		}
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1]}]}`))
	})
	cfg := DefaultConfig()
	cfg.Azure = true
	cfg.EmbeddingDeployment = "emb-prod"
	c := newTestClient(t, cfg, mux)

	vecs, err := c.EmbedTexts(context.Background(), []string{"x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 1 || vecs[0][0] != 1 {
		t.Fatalf("vectors = %v", vecs)
	}
}

func TestEmbedTextsErrors(t *testing.T) {
	tests := []struct {
		status      int
		recoverable bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("POST /v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"server_error"}}`))
			})
			c := newTestClient(t, DefaultConfig(), mux)
			_, err := c.EmbedTexts(context.Background(), []string{"x"})
			if err == nil {
				t.Fatal("expected error")
			}
			if domain.IsRecoverable(err) != tt.recoverable {
				t.Errorf("recoverable = %v, want %v (%v)", domain.IsRecoverable(err), tt.recoverable, err)
			}
		})
	}
}

func TestDescribeImage(t *testing.T) {
	var req struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Content []struct {
				Type     string `json:"type"`
				Text     string `json:"text"`
				ImageURL struct {
					URL string `json:"url"`
				} `json:"image_url"`
			} `json:"content"`
		} `json:"messages"`
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&req)
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"  A pump cross-section. "},"finish_reason":"stop"}]}`))
	})
	c := newTestClient(t, DefaultConfig(), mux)

	desc, err := c.DescribeImage(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "", "Figure 3")
	if err != nil {
		t.Fatal(err)
	}
	if desc != "A pump cross-section." {
		t.Errorf("desc = %q", desc)
	}
	if req.Model != "gpt-4o" || req.MaxTokens != 1000 {
		t.Errorf("request = %+v", req)
	}
	if len(req.Messages) != 1 || len(req.Messages[0].Content) != 2 {
		t.Fatalf("messages = %+v", req.Messages)
	}
	parts := req.Messages[0].Content
	if !strings.Contains(parts[0].Text, "Caption: Figure 3") {
		t.Errorf("prompt = %q", parts[0].Text)
	}
	if !strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("image url = %q", parts[1].ImageURL.URL)
	}
}

func TestDescribeTable(t *testing.T) {
	var req struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&req)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Flow rates per pump."}}]}`))
	})
	c := newTestClient(t, DefaultConfig(), mux)

	desc, err := c.DescribeTable(context.Background(), "\n| Model | Flow |\n")
	if err != nil {
		t.Fatal(err)
	}
	if desc != "Flow rates per pump." {
		t.Errorf("desc = %q", desc)
	}
	if len(req.Messages) != 1 || !strings.HasSuffix(req.Messages[0].Content, "| Model | Flow |") {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error without api key")
	}
	if _, err := New(Config{APIKey: "k", Azure: true}, nil); err == nil {
		t.Fatal("expected error without azure endpoint")
	}
}
