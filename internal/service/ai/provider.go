// Package ai routes chat and generation calls to external model providers and
// records every call in the job ledger.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/perculacms/pagecontext/internal/model"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single generation.
type Options struct {
	Temperature *float64
	MaxTokens   int
}

// Completion is a provider's answer. Token counts are nil when the provider
// does not report them.
type Completion struct {
	Text         string
	InputTokens  *int
	OutputTokens *int
}

// Provider is the capability every model backend offers.
type Provider interface {
	Chat(ctx context.Context, messages []Message, opts Options) (Completion, error)
	Generate(ctx context.Context, prompt string, opts Options) (Completion, error)
}

// generateAsChat implements Generate for chat-only backends.
func generateAsChat(ctx context.Context, p Provider, prompt string, opts Options) (Completion, error) {
	return p.Chat(ctx, []Message{{Role: RoleUser, Content: prompt}}, opts)
}

var defaultHTTPClient = &http.Client{Timeout: 120 * time.Second}

// postJSON sends body to url and decodes a 200 response into out. Transport
// failures and non-200 statuses wrap model.ErrBackendUnavailable.
func postJSON(ctx context.Context, client *http.Client, name, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ai: %s: marshal request: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("ai: %s: create request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("ai: %s: send request: %w: %w", name, model.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("ai: %s: read response: %w: %w", name, model.ErrBackendUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(data) > 512 {
			data = data[:512]
		}
		return fmt.Errorf("ai: %s: status %d: %w: %s", name, resp.StatusCode, model.ErrBackendUnavailable, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("ai: %s: unmarshal response: %w", name, err)
	}
	return nil
}

func intPtr(v int) *int { return &v }
