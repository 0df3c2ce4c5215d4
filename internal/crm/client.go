// Package crm implements the client for the external CRM that contacts
// are sourced from. Authentication uses OAuth2 client credentials with
// a cached token source, so tokens are reused across requests and
// refreshed shortly before expiry.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/emberline/dispatch/internal/config"
	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/pkg/httpretry"
	"github.com/emberline/dispatch/internal/pkg/logger"
)

const defaultPageSize = 500

// Client is the CRM API client. It implements the contact source
// consumed by the campaign service.
type Client struct {
	baseURL    string
	pageSize   int
	tokens     oauth2.TokenSource
	httpClient httpretry.HTTPDoer
}

// NewClient creates a CRM client from config. The token source caches
// the access token for its lifetime and fetches a new one when it
// nears expiry.
func NewClient(cfg config.CRMConfig) *Client {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	if cfg.Scope != "" {
		cc.Scopes = []string{cfg.Scope}
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	return &Client{
		baseURL:  cfg.BaseURL,
		pageSize: pageSize,
		tokens:   cc.TokenSource(context.Background()),
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: timeout,
		}, 3),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing).
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// SetTokenSource replaces the token source (useful for testing).
func (c *Client) SetTokenSource(ts oauth2.TokenSource) {
	c.tokens = ts
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
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

	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain access token: %w", err)
	}
	tok.SetAuthHeader(req)

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
		return nil, fmt.Errorf("CRM API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// FetchMatchingContacts pages through all contacts matching the filter
// descriptor, invoking onPage once per page in arrival order. Paging
// uses the CRM's continuation cursor; a fetch or onPage error aborts
// the walk and is returned to the caller.
func (c *Client) FetchMatchingContacts(ctx context.Context, filterJSON string, onPage func(ctx context.Context, contacts []domain.Contact) error) error {
	var filter interface{}
	if err := json.Unmarshal([]byte(filterJSON), &filter); err != nil {
		return fmt.Errorf("invalid filter descriptor: %w", err)
	}

	cursor := ""
	page := 0
	for {
		reqBody := contactSearchRequest{
			Filter:   filter,
			PageSize: c.pageSize,
			Cursor:   cursor,
		}

		respBody, err := c.doRequest(ctx, http.MethodPost, "/api/contacts/search", reqBody)
		if err != nil {
			return fmt.Errorf("contact search page %d: %w", page+1, err)
		}

		var resp contactSearchResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return fmt.Errorf("failed to parse contact search response: %w", err)
		}
		page++

		if len(resp.Contacts) > 0 {
			contacts := make([]domain.Contact, 0, len(resp.Contacts))
			for _, rec := range resp.Contacts {
				contacts = append(contacts, domain.Contact{
					ID:                 rec.ID,
					FullName:           rec.FullName,
					Email:              rec.Email,
					Phone:              rec.Phone,
					InternationalPhone: rec.InternationalPhone,
					ReferralCode:       rec.ReferralCode,
				})
			}
			if err := onPage(ctx, contacts); err != nil {
				return fmt.Errorf("contact page handler (page %d): %w", page, err)
			}
		}

		if !resp.HasMore || resp.Cursor == "" {
			return nil
		}
		cursor = resp.Cursor
	}
}

// LogActivity records a send in the CRM contact timeline. Best-effort:
// errors are logged and swallowed so a CRM outage never fails a send.
func (c *Client) LogActivity(ctx context.Context, entry ActivityEntry) {
	if _, err := c.doRequest(ctx, http.MethodPost, "/api/activities", entry); err != nil {
		logger.Warn("[CRM] failed to log activity",
			"contact_id", entry.ContactID,
			"campaign_id", entry.CampaignID,
			"error", err.Error())
	}
}
