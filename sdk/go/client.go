package poisdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal POI registry HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set; servers accept it
	// only in development mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type PartUsage struct {
	PartID   string `json:"part_id"`
	Quantity int64  `json:"quantity"`
}

// Report is an observation appended to a POI's ledger.
type Report struct {
	Timestamp              *time.Time `json:"timestamp,omitempty"`
	Note                   string     `json:"note,omitempty"`
	ReportedStatus         string     `json:"reported_status,omitempty"`
	AvailableDenominations []string   `json:"available_denominations,omitempty"`
	AvailableFuels         []string   `json:"available_fuels,omitempty"`
	QueueTime              string     `json:"queue_time,omitempty"`
	AttachmentRef          string     `json:"attachment_ref,omitempty"`
}

type Update struct {
	ID             string      `json:"id"`
	Seq            int64       `json:"seq"`
	Type           string      `json:"type"`
	AuthorID       string      `json:"author_id"`
	Timestamp      time.Time   `json:"timestamp"`
	Note           string      `json:"note,omitempty"`
	ReportedStatus string      `json:"reported_status,omitempty"`
	PartsConsumed  []PartUsage `json:"parts_consumed,omitempty"`
}

type WorkflowStep struct {
	ID         string `json:"id"`
	Position   int    `json:"position"`
	Department string `json:"department"`
	Required   bool   `json:"required"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// POI represents the API POI model.
type POI struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	Position      Position       `json:"position"`
	Status        string         `json:"status"`
	Priority      string         `json:"priority,omitempty"`
	Version       int64          `json:"version"`
	Details       map[string]any `json:"details"`
	Updates       []Update       `json:"updates,omitempty"`
	WorkflowSteps []WorkflowStep `json:"workflow_steps,omitempty"`
	AuthorID      string         `json:"author_id"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

type CreatePOI struct {
	ID       string         `json:"id,omitempty"`
	Kind     string         `json:"kind"`
	Position Position       `json:"position"`
	Polygon  []Position     `json:"polygon,omitempty"`
	Polyline []Position     `json:"polyline,omitempty"`
	Status   string         `json:"status,omitempty"`
	Priority string         `json:"priority,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Report   *Report        `json:"report,omitempty"`
}

// Derived is the state recomputed from a POI's ledger.
type Derived struct {
	POIID           string         `json:"poi_id"`
	Kind            string         `json:"kind"`
	Status          string         `json:"status"`
	Version         int64          `json:"version"`
	Consensus       map[string]any `json:"consensus"`
	WorkflowOutcome string         `json:"workflow_outcome,omitempty"`
	PartsConsumed   []PartUsage    `json:"parts_consumed,omitempty"`
}

type Item struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Stock    int64  `json:"stock"`
	UnitCost string `json:"unit_cost"`
	Version  int64  `json:"version"`
}

// Event represents an outbox entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CurrentVersion returns the server's version from a conflict error.
func CurrentVersion(err error) (int64, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "conflict" {
		return 0, false
	}
	v, ok := apiErr.Details["current_version"].(float64)
	return int64(v), ok
}

// Mutation carries the optimistic version and retry budget of a write.
type Mutation struct {
	ExpectedVersion int64
	Retry           int
}

func (m Mutation) body(fields map[string]any) map[string]any {
	if m.ExpectedVersion > 0 {
		fields["expected_version"] = m.ExpectedVersion
	}
	if m.Retry > 0 {
		fields["retry"] = m.Retry
	}
	return fields
}

func (c *Client) CreatePOI(ctx context.Context, in CreatePOI) (POI, error) {
	var resp POI
	err := c.do(ctx, http.MethodPost, "pois", in, &resp)
	return resp, err
}

func (c *Client) GetPOI(ctx context.Context, id string) (POI, error) {
	var resp POI
	err := c.do(ctx, http.MethodGet, "pois/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AppendUpdate appends a report. A zero Mutation targets the current version.
func (c *Client) AppendUpdate(ctx context.Context, id string, m Mutation, r Report) (POI, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return POI{}, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return POI{}, err
	}
	var resp POI
	err = c.do(ctx, http.MethodPost, "pois/"+url.PathEscape(id)+"/updates", m.body(fields), &resp)
	return resp, err
}

// Updates lists ledger entries; order is "asc" or "desc".
func (c *Client) Updates(ctx context.Context, id, order string) ([]Update, error) {
	endpoint := "pois/" + url.PathEscape(id) + "/updates"
	if order != "" {
		endpoint += "?order=" + url.QueryEscape(order)
	}
	var resp struct {
		Items []Update `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) ChangeStatus(ctx context.Context, id string, m Mutation, to, note string) (POI, error) {
	var resp POI
	body := m.body(map[string]any{"to": to, "note": note})
	err := c.do(ctx, http.MethodPost, "pois/"+url.PathEscape(id)+"/status", body, &resp)
	return resp, err
}

// SetPriority overrides the priority; an empty priority clears the override.
func (c *Client) SetPriority(ctx context.Context, id string, m Mutation, priority string) (POI, error) {
	var resp POI
	body := m.body(map[string]any{"priority": priority})
	err := c.do(ctx, http.MethodPost, "pois/"+url.PathEscape(id)+"/priority", body, &resp)
	return resp, err
}

func (c *Client) ResolveStep(ctx context.Context, id, stepID string, m Mutation, outcome, reason string) (POI, error) {
	var resp POI
	body := m.body(map[string]any{"outcome": outcome, "reason": reason})
	endpoint := fmt.Sprintf("pois/%s/workflow/steps/%s/resolve", url.PathEscape(id), url.PathEscape(stepID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) ReopenStep(ctx context.Context, id, stepID string, m Mutation, note string) (POI, error) {
	var resp POI
	body := m.body(map[string]any{"note": note})
	endpoint := fmt.Sprintf("pois/%s/workflow/steps/%s/reopen", url.PathEscape(id), url.PathEscape(stepID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// EditMaintenance replaces the parts of an order. Costs are decimal strings;
// empty strings leave labor unchanged and price parts from unit costs.
func (c *Client) EditMaintenance(ctx context.Context, id string, m Mutation, parts []PartUsage, laborCost, partsCost, note string) (POI, error) {
	fields := map[string]any{"parts": parts, "note": note}
	if parts == nil {
		fields["parts"] = []PartUsage{}
	}
	if laborCost != "" {
		fields["labor_cost"] = laborCost
	}
	if partsCost != "" {
		fields["parts_cost"] = partsCost
	}
	var resp POI
	err := c.do(ctx, http.MethodPut, "pois/"+url.PathEscape(id)+"/maintenance", m.body(fields), &resp)
	return resp, err
}

func (c *Client) Derived(ctx context.Context, id string) (Derived, error) {
	var resp Derived
	err := c.do(ctx, http.MethodGet, "pois/"+url.PathEscape(id)+"/derived", nil, &resp)
	return resp, err
}

func (c *Client) CreateItem(ctx context.Context, id, name string, stock int64, unitCost string) (Item, error) {
	var resp Item
	body := map[string]any{"id": id, "name": name, "stock": stock, "unit_cost": unitCost}
	err := c.do(ctx, http.MethodPost, "inventory", body, &resp)
	return resp, err
}

func (c *Client) Restock(ctx context.Context, id string, quantity int64) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, "inventory/"+url.PathEscape(id)+"/restock", map[string]any{"quantity": quantity}, &resp)
	return resp, err
}

func (c *Client) Items(ctx context.Context) ([]Item, error) {
	var resp struct {
		Items []Item `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "inventory", nil, &resp)
	return resp.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, entityID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if entityID != "" {
		q.Set("entity_id", entityID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
