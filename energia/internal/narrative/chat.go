package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hazyhaar/energia/horosafe"
)

// ErrModel wraps failures reported by the chat-completion service.
var ErrModel = errors.New("narrative: model error")

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// chatClient speaks the OpenAI-compatible /chat/completions API.
type chatClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// complete sends one non-streaming completion and returns the first
// choice's content and the total token count.
func (c *chatClient) complete(ctx context.Context, req chatRequest) (string, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", 0, fmt.Errorf("narrative: marshal request: %w", err)
	}

	url := horosafe.JoinURL(c.baseURL, "/chat/completions")
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("narrative: new request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(hreq)
	if err != nil {
		return "", 0, fmt.Errorf("narrative: POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
	if err != nil {
		return "", 0, fmt.Errorf("narrative: read response: %w", err)
	}

	var out chatResponse
	decodeErr := json.Unmarshal(data, &out)
	if resp.StatusCode != http.StatusOK {
		msg := string(data)
		if decodeErr == nil && out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return "", 0, fmt.Errorf("%w: http %d: %s", ErrModel, resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return "", 0, fmt.Errorf("narrative: decode response: %w", decodeErr)
	}
	if out.Error != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrModel, out.Error.Message)
	}

	respuesta := "Sin respuesta"
	if len(out.Choices) > 0 && out.Choices[0].Message.Content != "" {
		respuesta = out.Choices[0].Message.Content
	}
	return respuesta, out.Usage.TotalTokens, nil
}
