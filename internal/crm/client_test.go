package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/emberline/dispatch/internal/config"
	"github.com/emberline/dispatch/internal/domain"
)

func staticToken() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"})
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(config.CRMConfig{BaseURL: srv.URL, PageSize: 2})
	c.SetTokenSource(staticToken())
	return c, srv
}

func TestFetchMatchingContactsPagesUntilExhausted(t *testing.T) {
	var requests []contactSearchRequest

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/contacts/search", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req contactSearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)

		switch req.Cursor {
		case "":
			json.NewEncoder(w).Encode(contactSearchResponse{
				Contacts: []contactRecord{
					{ID: "c1", FullName: "Ana Silva", Email: "ana@example.com"},
					{ID: "c2", FullName: "Bram Koch", Phone: "0611111111", InternationalPhone: "+31611111111"},
				},
				Cursor:  "page-2",
				HasMore: true,
			})
		case "page-2":
			json.NewEncoder(w).Encode(contactSearchResponse{
				Contacts: []contactRecord{
					{ID: "c3", FullName: "Chi Nguyen", ReferralCode: "REF-9"},
				},
				HasMore: false,
			})
		default:
			t.Fatalf("unexpected cursor %q", req.Cursor)
		}
	}))

	var pages [][]domain.Contact
	err := c.FetchMatchingContacts(context.Background(), `{"segment":"active"}`, func(_ context.Context, contacts []domain.Contact) error {
		pages = append(pages, contacts)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, pages, 2)
	assert.Len(t, pages[0], 2)
	assert.Len(t, pages[1], 1)
	assert.Equal(t, "ana@example.com", pages[0][0].Email)
	assert.Equal(t, "+31611111111", pages[0][1].InternationalPhone)
	assert.Equal(t, "REF-9", pages[1][0].ReferralCode)

	require.Len(t, requests, 2)
	assert.Equal(t, 2, requests[0].PageSize)
	assert.Equal(t, "page-2", requests[1].Cursor)
}

func TestFetchMatchingContactsMalformedFilter(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for a malformed filter")
	}))

	err := c.FetchMatchingContacts(context.Background(), `{not json`, func(_ context.Context, _ []domain.Contact) error {
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter descriptor")
}

func TestFetchMatchingContactsOnPageErrorAborts(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(contactSearchResponse{
			Contacts: []contactRecord{{ID: "c1", FullName: "Ana Silva"}},
			Cursor:   "page-2",
			HasMore:  true,
		})
	}))

	err := c.FetchMatchingContacts(context.Background(), `{}`, func(_ context.Context, _ []domain.Contact) error {
		return assert.AnError
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "paging should stop after the handler fails")
}

func TestFetchMatchingContactsServerError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))

	err := c.FetchMatchingContacts(context.Background(), `{}`, func(_ context.Context, _ []domain.Contact) error {
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestLogActivitySwallowsErrors(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))

	// Must not panic or propagate.
	c.LogActivity(context.Background(), ActivityEntry{ContactID: "c1", Channel: "email", CampaignID: "camp-1"})
}
