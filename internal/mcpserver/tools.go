package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the model reads to pick a tool.
// Every tool is read-only: state changes need a signed call envelope.

var ToolGetPlatform = mcp.NewTool("get_platform",
	mcp.WithDescription(
		"Show the billing platform configuration: tax rate, treasury, relayer, "+
			"billing period length, tenant count and the platform owner."),
)

var ToolListFacets = mcp.NewTool("list_facets",
	mcp.WithDescription("List the installed facets and the function selectors each one serves."),
)

var ToolGetTenant = mcp.NewTool("get_tenant",
	mcp.WithDescription(
		"Get a merchant tenant: name, payment token, payout receiver, referral rate "+
			"and the address currently holding its ownership token."),
	mcp.WithNumber("tenant_id", mcp.Required(), mcp.Description("Tenant id (starts at 1)")),
)

var ToolListTiers = mcp.NewTool("list_tiers",
	mcp.WithDescription(
		"List a tenant's subscription tiers with their per-period price in token base units. "+
			"A tier priced 0 is evergreen and never expires."),
	mcp.WithNumber("tenant_id", mcp.Required(), mcp.Description("Tenant id")),
)

var ToolListOwnerTenants = mcp.NewTool("list_owner_tenants",
	mcp.WithDescription("List the ids of the tenants an address owns."),
	mcp.WithString("owner", mcp.Required(), mcp.Description("Owner address (e.g. '0x1234...')")),
)

var ToolSubscriptionStatus = mcp.NewTool("subscription_status",
	mcp.WithDescription(
		"Show a user's subscription with a tenant: current tier, whether it is active, "+
			"when the paid period ends, the spending ceiling and the relay nonce."),
	mcp.WithNumber("tenant_id", mcp.Required(), mcp.Description("Tenant id")),
	mcp.WithString("user", mcp.Description("Subscriber address. Defaults to the configured user.")),
)

var ToolChangePrice = mcp.NewTool("change_price",
	mcp.WithDescription(
		"Quote what switching a user to another tier would charge right now. "+
			"Upgrades pay the prorated difference for the rest of the period; downgrades cost 0."),
	mcp.WithNumber("tenant_id", mcp.Required(), mcp.Description("Tenant id")),
	mcp.WithNumber("tier_id", mcp.Required(), mcp.Description("Target tier id")),
	mcp.WithString("user", mcp.Description("Subscriber address. Defaults to the configured user.")),
)

var ToolRelayMessage = mcp.NewTool("relay_message",
	mcp.WithDescription(
		"Build the message hash the relayer must sign to subscribe a user through the relay, "+
			"and the nonce it is bound to."),
	mcp.WithNumber("tenant_id", mcp.Required(), mcp.Description("Tenant id")),
	mcp.WithNumber("tier_id", mcp.Required(), mcp.Description("Tier to subscribe to")),
	mcp.WithString("amount", mcp.Required(), mcp.Description("Authorized amount in token base units")),
	mcp.WithString("user", mcp.Description("Subscriber address. Defaults to the configured user.")),
)

var ToolRecentEvents = mcp.NewTool("recent_events",
	mcp.WithDescription(
		"List recent billing events (registrations, tier edits, subscriptions, renewals, payments), "+
			"oldest first."),
	mcp.WithNumber("tenant_id", mcp.Description("Only events for this tenant")),
	mcp.WithString("account", mcp.Description("Only events concerning this address")),
	mcp.WithNumber("after", mcp.Description("Only events with a sequence number above this")),
	mcp.WithNumber("limit", mcp.Description("Maximum number of events (default 20)")),
)
