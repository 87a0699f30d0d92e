package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client      *Client
	defaultUser string
}

// NewHandlers creates a new Handlers instance. defaultUser may be empty.
func NewHandlers(client *Client, defaultUser string) *Handlers {
	return &Handlers{client: client, defaultUser: defaultUser}
}

func (h *Handlers) HandleGetPlatform(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, err := h.client.Platform(ctx)
	if err != nil {
		return toolError("Failed to get platform", err), nil
	}
	p := info.Platform

	var sb strings.Builder
	sb.WriteString("Platform:\n")
	fmt.Fprintf(&sb, "  Owner: %s\n", info.Owner)
	fmt.Fprintf(&sb, "  Chain: %d\n", info.ChainID)
	fmt.Fprintf(&sb, "  Initialized: %t\n", p.Initialized)
	fmt.Fprintf(&sb, "  Tax: %s\n", formatBPS(p.TaxRateBPS))
	fmt.Fprintf(&sb, "  Treasury: %s\n", p.Treasury.Hex())
	fmt.Fprintf(&sb, "  Relayer: %s\n", p.Relayer.Hex())
	fmt.Fprintf(&sb, "  Billing period: %s\n", time.Duration(p.PeriodSeconds)*time.Second)
	fmt.Fprintf(&sb, "  Tenants registered: %d\n", p.LastTenantID)
	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) HandleListFacets(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	facets, err := h.client.Facets(ctx)
	if err != nil {
		return toolError("Failed to list facets", err), nil
	}
	if len(facets) == 0 {
		return mcp.NewToolResultText("No facets installed."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d facet(s):\n", len(facets))
	for i, f := range facets {
		fmt.Fprintf(&sb, "\n%d. %s (%s)\n", i+1, f.Name, f.Address.Hex())
		sels := make([]string, len(f.Selectors))
		for j, s := range f.Selectors {
			sels[j] = s.String()
		}
		fmt.Fprintf(&sb, "   Selectors: %s\n", strings.Join(sels, ", "))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) HandleGetTenant(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := tenantArg(req)
	if res != nil {
		return res, nil
	}
	t, err := h.client.Tenant(ctx, id)
	if err != nil {
		return toolError("Failed to get tenant", err), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Tenant %d: %s\n", t.ID, t.Name)
	fmt.Fprintf(&sb, "  Owner: %s\n", t.Owner.Hex())
	fmt.Fprintf(&sb, "  Payment token: %s\n", t.Token.Hex())
	fmt.Fprintf(&sb, "  Payout receiver: %s\n", t.PayoutReceiver.Hex())
	fmt.Fprintf(&sb, "  Referral rate: %s\n", formatBPS(t.ReferralRateBPS))
	if t.Deleted {
		sb.WriteString("  Status: deleted\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) HandleListTiers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := tenantArg(req)
	if res != nil {
		return res, nil
	}
	tiers, err := h.client.Tiers(ctx, id)
	if err != nil {
		return toolError("Failed to list tiers", err), nil
	}
	if len(tiers) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("Tenant %d has no tiers.", id)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Tenant %d has %d tier(s):\n", id, len(tiers))
	for _, t := range tiers {
		price := "evergreen"
		if t.Price != nil && t.Price.Sign() > 0 {
			price = t.Price.String() + " per period"
		}
		name := t.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(&sb, "  %d. %s: %s", t.ID, name, price)
		if !t.Active {
			sb.WriteString(" [inactive]")
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) HandleListOwnerTenants(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, res := addressArg(req, "owner", "")
	if res != nil {
		return res, nil
	}
	ids, err := h.client.TenantsOf(ctx, owner)
	if err != nil {
		return toolError("Failed to list tenants", err), nil
	}
	if len(ids) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("%s owns no tenants.", owner)), nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s owns tenant(s): %s", owner, strings.Join(parts, ", "))), nil
}

func (h *Handlers) HandleSubscriptionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := tenantArg(req)
	if res != nil {
		return res, nil
	}
	user, res := addressArg(req, "user", h.defaultUser)
	if res != nil {
		return res, nil
	}
	s, err := h.client.Subscription(ctx, id, user)
	if err != nil {
		return toolError("Failed to get subscription", err), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Subscription of %s with tenant %d:\n", user, id)
	switch {
	case s.TierID == 0:
		sb.WriteString("  Tier: none\n")
	case s.Active:
		fmt.Fprintf(&sb, "  Tier: %d (active)\n", s.TierID)
	default:
		fmt.Fprintf(&sb, "  Tier: %d (lapsed)\n", s.TierID)
	}
	if s.PeriodEnd > 0 {
		fmt.Fprintf(&sb, "  Period ends: %s\n", time.Unix(s.PeriodEnd, 0).UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&sb, "  Spending ceiling: %s\n", s.Ceiling)
	fmt.Fprintf(&sb, "  Relay nonce: %d\n", s.Nonce)
	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) HandleChangePrice(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := tenantArg(req)
	if res != nil {
		return res, nil
	}
	tier := req.GetInt("tier_id", 0)
	if tier <= 0 {
		return mcp.NewToolResultError("tier_id must be a positive integer"), nil
	}
	user, res := addressArg(req, "user", h.defaultUser)
	if res != nil {
		return res, nil
	}
	price, err := h.client.ChangePrice(ctx, id, user, uint64(tier))
	if err != nil {
		return toolError("Failed to quote tier change", err), nil
	}
	if price.Sign() == 0 {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Moving %s to tier %d of tenant %d costs nothing now.", user, tier, id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Moving %s to tier %d of tenant %d would charge %s now.", user, tier, id, price)), nil
}

func (h *Handlers) HandleRelayMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := tenantArg(req)
	if res != nil {
		return res, nil
	}
	tier := req.GetInt("tier_id", 0)
	if tier <= 0 {
		return mcp.NewToolResultError("tier_id must be a positive integer"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	user, res := addressArg(req, "user", h.defaultUser)
	if res != nil {
		return res, nil
	}
	m, err := h.client.RelayMessage(ctx, id, uint64(tier), user, amount)
	if err != nil {
		return toolError("Failed to build relay message", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Relay message for %s, tenant %d, tier %d, amount %s:\n"+
			"  Hash: %s\n"+
			"  Nonce: %d\n\n"+
			"The relayer personal-signs the hash. It is valid only while the nonce is unchanged.",
		user, id, tier, amount, m.Message, m.Nonce)), nil
}

func (h *Handlers) HandleRecentEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := EventQuery{Limit: req.GetInt("limit", 20)}
	if v := req.GetInt("tenant_id", 0); v > 0 {
		q.TenantID = uint64(v)
	}
	if v := req.GetInt("after", 0); v > 0 {
		q.After = uint64(v)
	}
	if v := req.GetString("account", ""); v != "" {
		if !common.IsHexAddress(v) {
			return mcp.NewToolResultError("account is not an address"), nil
		}
		q.Account = v
	}

	evs, err := h.client.Events(ctx, q)
	if err != nil {
		return toolError("Failed to list events", err), nil
	}
	if len(evs) == 0 {
		return mcp.NewToolResultText("No events found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d event(s):\n", len(evs))
	for _, e := range evs {
		fmt.Fprintf(&sb, "  #%d %s %s", e.Seq, time.Unix(e.Time, 0).UTC().Format(time.RFC3339), e.Kind)
		if e.TenantID > 0 {
			fmt.Fprintf(&sb, " tenant=%d", e.TenantID)
		}
		if e.Account != "" {
			fmt.Fprintf(&sb, " account=%s", e.Account)
		}
		keys := make([]string, 0, len(e.Data))
		for k := range e.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%s", k, e.Data[k])
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Argument and formatting helpers ---

func tenantArg(req mcp.CallToolRequest) (uint64, *mcp.CallToolResult) {
	id := req.GetInt("tenant_id", 0)
	if id <= 0 {
		return 0, mcp.NewToolResultError("tenant_id must be a positive integer")
	}
	return uint64(id), nil
}

func addressArg(req mcp.CallToolRequest, name, fallback string) (string, *mcp.CallToolResult) {
	v := req.GetString(name, fallback)
	if v == "" {
		return "", mcp.NewToolResultError(name + " is required")
	}
	if !common.IsHexAddress(v) {
		return "", mcp.NewToolResultError(name + " is not an address")
	}
	return common.HexToAddress(v).Hex(), nil
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == 404 {
		return mcp.NewToolResultError(prefix + ": not found")
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// formatBPS renders basis points as a percentage, e.g. 150 -> "1.50%".
func formatBPS(bps uint64) string {
	return fmt.Sprintf("%d.%02d%%", bps/100, bps%100)
}
