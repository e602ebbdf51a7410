package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/TomPython98/pinit-backend-sub005/models"
	"github.com/TomPython98/pinit-backend-sub005/types"
)

// ErrRateLimited marks a 403/429-class response from a discovery endpoint.
// The cache engine treats it like a transport failure and falls back to the
// enhanced search endpoint.
var ErrRateLimited = errors.New("rate limited")

// RejectionError is a definitive server rejection of a mutation. It is
// surfaced to the caller and never retried.
type RejectionError struct {
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("server rejected request: %s", e.Message)
}

// EventsRepository is the REST data access layer for event discovery and RSVP.
type EventsRepository struct {
	client  *http.Client
	baseURL string
	token   string
}

func NewEventsRepository(baseURL, token string) *EventsRepository {
	return &EventsRepository{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
		token:   token,
	}
}

// WithHTTPClient overrides the underlying HTTP client, mainly for tests.
func (r *EventsRepository) WithHTTPClient(c *http.Client) *EventsRepository {
	r.client = c
	return r
}

// ListForUser calls the primary discovery endpoint, GET /events?user=<name>.
// The result is already scoped to the user by the server.
func (r *EventsRepository) ListForUser(ctx context.Context, username string) ([]models.Event, error) {
	u := fmt.Sprintf("%s/events?user=%s", r.baseURL, url.QueryEscape(username))
	var events []models.Event
	if err := r.getJSON(ctx, u, &events); err != nil {
		return nil, fmt.Errorf("listing events for %s: %w", username, err)
	}
	return events, nil
}

// EnhancedSearch calls the broader fallback endpoint, GET /events/enhanced_search.
// Results are not scoped to any user; callers must filter client-side.
func (r *EventsRepository) EnhancedSearch(ctx context.Context) ([]models.Event, error) {
	var events []models.Event
	if err := r.getJSON(ctx, r.baseURL+"/events/enhanced_search", &events); err != nil {
		return nil, fmt.Errorf("enhanced search: %w", err)
	}
	return events, nil
}

// Rsvp toggles attendance for the user on the given event. A *RejectionError
// return means the server definitively refused; any other error is
// network-class.
func (r *EventsRepository) Rsvp(ctx context.Context, username, eventID string) (*types.RSVPResponse, error) {
	body, err := json.Marshal(types.RSVPRequest{Username: username, EventID: eventID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/events/rsvp", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rsvp request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rsvp response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var out types.RSVPResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decoding rsvp response: %w", err)
		}
		if !out.Success {
			return nil, &RejectionError{Message: out.Message}
		}
		return &out, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, &RejectionError{Message: rejectionMessage(raw, resp.StatusCode)}
	default:
		return nil, fmt.Errorf("rsvp: unexpected status %d", resp.StatusCode)
	}
}

func (r *EventsRepository) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusTooManyRequests:
		return fmt.Errorf("status %d: %w", resp.StatusCode, ErrRateLimited)
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (r *EventsRepository) authorize(req *http.Request) {
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
}

func rejectionMessage(raw []byte, status int) string {
	var envelope types.ErrorResponse
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
		return envelope.Error.Message
	}
	return fmt.Sprintf("request failed with status %d", status)
}
