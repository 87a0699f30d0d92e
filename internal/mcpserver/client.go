package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/recurra/internal/catalog"
	"github.com/mbd888/recurra/internal/dispatch"
	"github.com/mbd888/recurra/internal/events"
	"github.com/mbd888/recurra/internal/retry"
	"github.com/mbd888/recurra/internal/state"
)

// Config holds the connection settings for a recurra API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	// DefaultUser is used by tools whose user argument is omitted.
	DefaultUser string
	Timeout     time.Duration
	Retry       retry.Policy
}

// DefaultRetry retries 5xx answers and transport failures.
var DefaultRetry = retry.Policy{Attempts: 3, Base: 100 * time.Millisecond, Max: time.Second}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d)", e.Status)
}

// Client is a read-only HTTP client for the recurra API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a client. Zero Timeout means 30s; a zero Retry policy
// means DefaultRetry.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = DefaultRetry
	}
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

// get fetches path and decodes the JSON answer into out. 4xx answers are
// not retried.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	return retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			apiErr := &APIError{Status: resp.StatusCode}
			if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
				apiErr.Message = string(body)
			}
			if resp.StatusCode < 500 {
				return retry.Permanent(apiErr)
			}
			return apiErr
		}
		if err := json.Unmarshal(body, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	})
}

// PlatformInfo is the answer of GET /v1/platform.
type PlatformInfo struct {
	Platform state.Platform `json:"platform"`
	Owner    string         `json:"owner"`
	ChainID  int64          `json:"chainId"`
}

func (c *Client) Platform(ctx context.Context) (*PlatformInfo, error) {
	var out PlatformInfo
	if err := c.get(ctx, "/v1/platform", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Facets(ctx context.Context) ([]dispatch.FacetInfo, error) {
	var out struct {
		Facets []dispatch.FacetInfo `json:"facets"`
	}
	if err := c.get(ctx, "/v1/facets", nil, &out); err != nil {
		return nil, err
	}
	return out.Facets, nil
}

func (c *Client) Tenant(ctx context.Context, tenantID uint64) (*catalog.TenantInfo, error) {
	var out catalog.TenantInfo
	if err := c.get(ctx, tenantPath(tenantID, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Tiers(ctx context.Context, tenantID uint64) ([]state.Tier, error) {
	var out struct {
		Tiers []state.Tier `json:"tiers"`
	}
	if err := c.get(ctx, tenantPath(tenantID, "/tiers"), nil, &out); err != nil {
		return nil, err
	}
	return out.Tiers, nil
}

func (c *Client) TenantsOf(ctx context.Context, owner string) ([]uint64, error) {
	var out struct {
		Tenants []uint64 `json:"tenants"`
	}
	if err := c.get(ctx, "/v1/owners/"+url.PathEscape(owner)+"/tenants", nil, &out); err != nil {
		return nil, err
	}
	return out.Tenants, nil
}

// SubscriptionInfo is the answer of GET /v1/tenants/:id/subscriptions/:user.
type SubscriptionInfo struct {
	TenantID  uint64 `json:"tenantId"`
	User      string `json:"user"`
	TierID    uint64 `json:"tierId"`
	Active    bool   `json:"active"`
	PeriodEnd int64  `json:"periodEnd"`
	Ceiling   string `json:"ceiling"`
	Nonce     uint64 `json:"nonce"`
}

func (c *Client) Subscription(ctx context.Context, tenantID uint64, user string) (*SubscriptionInfo, error) {
	var out SubscriptionInfo
	if err := c.get(ctx, tenantPath(tenantID, "/subscriptions/"+url.PathEscape(user)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChangePrice quotes what moving user to tierID would charge now.
func (c *Client) ChangePrice(ctx context.Context, tenantID uint64, user string, tierID uint64) (*big.Int, error) {
	var out struct {
		Price string `json:"price"`
	}
	q := url.Values{"tier": {strconv.FormatUint(tierID, 10)}}
	if err := c.get(ctx, tenantPath(tenantID, "/subscriptions/"+url.PathEscape(user)+"/quote"), q, &out); err != nil {
		return nil, err
	}
	price, ok := new(big.Int).SetString(out.Price, 10)
	if !ok {
		return nil, fmt.Errorf("decode response: bad price %q", out.Price)
	}
	return price, nil
}

// RelayMessage is the hash a relayer must sign and the nonce it binds.
type RelayMessage struct {
	Message string `json:"message"`
	Nonce   uint64 `json:"nonce"`
}

func (c *Client) RelayMessage(ctx context.Context, tenantID, tierID uint64, user, amount string) (*RelayMessage, error) {
	var out RelayMessage
	q := url.Values{
		"tier":   {strconv.FormatUint(tierID, 10)},
		"user":   {user},
		"amount": {amount},
	}
	if err := c.get(ctx, tenantPath(tenantID, "/relay/message"), q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EventQuery narrows Events. Zero fields are not sent.
type EventQuery struct {
	TenantID uint64
	Account  string
	After    uint64
	Limit    int
}

func (c *Client) Events(ctx context.Context, eq EventQuery) ([]events.Event, error) {
	q := url.Values{}
	if eq.TenantID > 0 {
		q.Set("tenant", strconv.FormatUint(eq.TenantID, 10))
	}
	if eq.Account != "" {
		q.Set("account", eq.Account)
	}
	if eq.After > 0 {
		q.Set("after", strconv.FormatUint(eq.After, 10))
	}
	if eq.Limit > 0 {
		q.Set("limit", strconv.Itoa(eq.Limit))
	}
	var out struct {
		Events []events.Event `json:"events"`
	}
	if err := c.get(ctx, "/v1/events", q, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func tenantPath(id uint64, suffix string) string {
	return "/v1/tenants/" + strconv.FormatUint(id, 10) + suffix
}
