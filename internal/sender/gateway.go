package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/emberline/dispatch/internal/config"
	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/pkg/httpretry"
)

// gatewayMessage is one recipient's entry in a batch-send request.
type gatewayMessage struct {
	Phone        string            `json:"phone"`
	TemplateName string            `json:"template_name"`
	Language     string            `json:"language,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	HeaderFileID string            `json:"header_file_id,omitempty"`
	HeaderText   string            `json:"header_text,omitempty"`
}

type gatewayBatchRequest struct {
	Messages []gatewayMessage `json:"messages"`
}

// gatewayBatchResponse mirrors the request: Messages[i] is the outcome
// for request message i.
type gatewayBatchResponse struct {
	Messages []gatewayMessageResult `json:"messages"`
}

type gatewayMessageResult struct {
	Accepted     bool   `json:"accepted"`
	APIMessageID string `json:"api_message_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

type gatewayTemplateResponse struct {
	Name      string   `json:"name"`
	Language  string   `json:"language"`
	Variables []string `json:"variables"`
	Header    struct {
		Kind     string `json:"kind"`
		Text     string `json:"text,omitempty"`
		MediaURL string `json:"media_url,omitempty"`
	} `json:"header"`
}

type gatewayUploadResponse struct {
	FileID string `json:"file_id"`
}

// GatewayClient is the messaging gateway's HTTP client.
type GatewayClient struct {
	baseURL    string
	apiKey     string
	httpClient httpretry.HTTPDoer
}

// NewGatewayClient creates a gateway client from config.
func NewGatewayClient(cfg config.WhatsAppConfig) *GatewayClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GatewayClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: timeout,
		}, cfg.MaxRetries),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing).
func (c *GatewayClient) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

func (c *GatewayClient) doRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// GetTemplate fetches a template's declared variables and header spec.
func (c *GatewayClient) GetTemplate(ctx context.Context, name string) (*domain.WhatsAppTemplate, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/api/templates/"+name, nil)
	if err != nil {
		return nil, err
	}

	var resp gatewayTemplateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse template response: %w", err)
	}

	tpl := &domain.WhatsAppTemplate{
		Name:      resp.Name,
		Language:  resp.Language,
		Variables: resp.Variables,
		Header: domain.TemplateHeader{
			Kind:     domain.HeaderKind(resp.Header.Kind),
			Text:     resp.Header.Text,
			MediaURL: resp.Header.MediaURL,
		},
	}
	if tpl.Header.Kind == "" {
		tpl.Header.Kind = domain.HeaderNone
	}
	return tpl, nil
}

// UploadHeaderMedia uploads header media from its source URL and
// returns the gateway's file reference for reuse across a batch.
func (c *GatewayClient) UploadHeaderMedia(ctx context.Context, mediaURL string) (string, error) {
	respBody, err := c.doRequest(ctx, http.MethodPost, "/api/media", map[string]string{
		"source_url": mediaURL,
	})
	if err != nil {
		return "", err
	}

	var resp gatewayUploadResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	if resp.FileID == "" {
		return "", fmt.Errorf("gateway returned empty file id")
	}
	return resp.FileID, nil
}

// SendMessages posts up to WhatsAppSubBatchSize messages in one call.
// The response slice matches the request order; a non-2xx status is a
// hard failure for the whole sub-batch.
func (c *GatewayClient) SendMessages(ctx context.Context, messages []gatewayMessage) ([]gatewayMessageResult, error) {
	respBody, err := c.doRequest(ctx, http.MethodPost, "/api/messages/batch", gatewayBatchRequest{Messages: messages})
	if err != nil {
		return nil, err
	}

	var resp gatewayBatchResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse batch response: %w", err)
	}
	if len(resp.Messages) != len(messages) {
		return nil, fmt.Errorf("gateway returned %d results for %d messages", len(resp.Messages), len(messages))
	}
	return resp.Messages, nil
}
