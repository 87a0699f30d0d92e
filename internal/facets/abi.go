package facets

// ABI definitions of the facets. Ids, tier ids, rates and timestamps are
// uint64; token amounts are uint256.

const cutABI = `[
{"type":"function","name":"diamondCut","stateMutability":"nonpayable","inputs":[
	{"name":"cuts","type":"tuple[]","components":[
		{"name":"facetAddress","type":"address"},
		{"name":"action","type":"uint8"},
		{"name":"functionSelectors","type":"bytes4[]"}]},
	{"name":"init","type":"address"},
	{"name":"data","type":"bytes"}],"outputs":[]}
]`

const loupeABI = `[
{"type":"function","name":"facets","stateMutability":"view","inputs":[],"outputs":[
	{"name":"facets","type":"tuple[]","components":[
		{"name":"facetAddress","type":"address"},
		{"name":"functionSelectors","type":"bytes4[]"}]}]},
{"type":"function","name":"facetFunctionSelectors","stateMutability":"view","inputs":[{"name":"facet","type":"address"}],"outputs":[{"name":"","type":"bytes4[]"}]},
{"type":"function","name":"facetAddresses","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
{"type":"function","name":"facetAddress","stateMutability":"view","inputs":[{"name":"selector","type":"bytes4"}],"outputs":[{"name":"","type":"address"}]}
]`

const ownershipABI = `[
{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"pendingOwner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"transferOwnership","stateMutability":"nonpayable","inputs":[{"name":"newOwner","type":"address"}],"outputs":[]},
{"type":"function","name":"acceptOwnership","stateMutability":"nonpayable","inputs":[],"outputs":[]},
{"type":"function","name":"cancelOwnershipTransfer","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

const initABI = `[
{"type":"function","name":"init","stateMutability":"nonpayable","inputs":[
	{"name":"treasury","type":"address"},
	{"name":"relayer","type":"address"},
	{"name":"taxRate","type":"uint64"},
	{"name":"period","type":"uint64"}],"outputs":[]}
]`

const adminABI = `[
{"type":"function","name":"setTaxRate","stateMutability":"nonpayable","inputs":[{"name":"taxRate","type":"uint64"}],"outputs":[]},
{"type":"function","name":"setTreasury","stateMutability":"nonpayable","inputs":[{"name":"treasury","type":"address"}],"outputs":[]},
{"type":"function","name":"setRelayer","stateMutability":"nonpayable","inputs":[{"name":"relayer","type":"address"}],"outputs":[]},
{"type":"function","name":"setSecurityDelegate","stateMutability":"nonpayable","inputs":[{"name":"delegate","type":"address"}],"outputs":[]},
{"type":"function","name":"setPeriod","stateMutability":"nonpayable","inputs":[{"name":"period","type":"uint64"}],"outputs":[]},
{"type":"function","name":"getPlatform","stateMutability":"view","inputs":[],"outputs":[
	{"name":"taxRate","type":"uint64"},
	{"name":"treasury","type":"address"},
	{"name":"relayer","type":"address"},
	{"name":"securityDelegate","type":"address"},
	{"name":"period","type":"uint64"},
	{"name":"lastTenantId","type":"uint64"},
	{"name":"initialized","type":"bool"}]},
{"type":"function","name":"setReferralAccount","stateMutability":"nonpayable","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"referrer","type":"address"},
	{"name":"expiry","type":"uint64"},
	{"name":"tierScope","type":"uint64"}],"outputs":[]},
{"type":"function","name":"getReferralAccount","stateMutability":"view","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"referrer","type":"address"}],"outputs":[
	{"name":"expiry","type":"uint64"},
	{"name":"tierScope","type":"uint64"}]}
]`

const tiersABI = `[
{"type":"function","name":"registerTenant","stateMutability":"nonpayable","inputs":[
	{"name":"name","type":"string"},
	{"name":"token","type":"address"},
	{"name":"payoutReceiver","type":"address"}],"outputs":[{"name":"tenantId","type":"uint64"}]},
{"type":"function","name":"deleteTenant","stateMutability":"nonpayable","inputs":[{"name":"tenantId","type":"uint64"}],"outputs":[]},
{"type":"function","name":"addTier","stateMutability":"nonpayable","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"price","type":"uint256"},
	{"name":"name","type":"string"}],"outputs":[{"name":"tierId","type":"uint64"}]},
{"type":"function","name":"editTier","stateMutability":"nonpayable","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"tierId","type":"uint64"},
	{"name":"price","type":"uint256"},
	{"name":"active","type":"bool"},
	{"name":"name","type":"string"}],"outputs":[]},
{"type":"function","name":"getTiers","stateMutability":"view","inputs":[{"name":"tenantId","type":"uint64"}],"outputs":[
	{"name":"tiers","type":"tuple[]","components":[
		{"name":"id","type":"uint64"},
		{"name":"price","type":"uint256"},
		{"name":"name","type":"string"},
		{"name":"active","type":"bool"}]}]},
{"type":"function","name":"getActiveTierCount","stateMutability":"view","inputs":[{"name":"tenantId","type":"uint64"}],"outputs":[{"name":"","type":"uint64"}]},
{"type":"function","name":"getTenant","stateMutability":"view","inputs":[{"name":"tenantId","type":"uint64"}],"outputs":[
	{"name":"name","type":"string"},
	{"name":"token","type":"address"},
	{"name":"payoutReceiver","type":"address"},
	{"name":"referralRate","type":"uint64"},
	{"name":"owner","type":"address"},
	{"name":"deleted","type":"bool"}]},
{"type":"function","name":"getTenantsOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint64[]"}]},
{"type":"function","name":"setPayoutReceiver","stateMutability":"nonpayable","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"receiver","type":"address"}],"outputs":[]},
{"type":"function","name":"setTenantToken","stateMutability":"nonpayable","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"token","type":"address"}],"outputs":[]},
{"type":"function","name":"setTenantName","stateMutability":"nonpayable","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"name","type":"string"}],"outputs":[]},
{"type":"function","name":"setReferralRate","stateMutability":"nonpayable","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"referralRate","type":"uint64"}],"outputs":[]}
]`

const paymentABI = `[
{"type":"function","name":"setSpendCeiling","stateMutability":"nonpayable","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"subscribe","stateMutability":"nonpayable","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"tierId","type":"uint64"},
	{"name":"referrer","type":"address"}],"outputs":[
	{"name":"charged","type":"uint256"},
	{"name":"periodEnd","type":"uint64"}]},
{"type":"function","name":"renew","stateMutability":"nonpayable","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"user","type":"address"}],"outputs":[
	{"name":"charged","type":"uint256"},
	{"name":"periodEnd","type":"uint64"}]},
{"type":"function","name":"getStatus","stateMutability":"view","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"user","type":"address"}],"outputs":[
	{"name":"tierId","type":"uint64"},
	{"name":"isActive","type":"bool"}]},
{"type":"function","name":"getSubscription","stateMutability":"view","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"user","type":"address"}],"outputs":[
	{"name":"tierId","type":"uint64"},
	{"name":"periodEnd","type":"uint64"},
	{"name":"ceiling","type":"uint256"},
	{"name":"nonce","type":"uint64"}]},
{"type":"function","name":"getChangePrice","stateMutability":"view","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"user","type":"address"},
	{"name":"newTier","type":"uint64"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"pay","stateMutability":"nonpayable","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"amount","type":"uint256"},
	{"name":"memo","type":"string"}],"outputs":[]}
]`

const relayABI = `[
{"type":"function","name":"getMessage","stateMutability":"view","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"tierId","type":"uint64"},
	{"name":"user","type":"address"},
	{"name":"amount","type":"uint256"},
	{"name":"nonce","type":"uint64"}],"outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"getNonce","stateMutability":"view","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint64"}]},
{"type":"function","name":"relaySubscribe","stateMutability":"nonpayable","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"fromTier","type":"uint64"},
	{"name":"toTier","type":"uint64"},
	{"name":"amount","type":"uint256"},
	{"name":"token","type":"address"},
	{"name":"user","type":"address"},
	{"name":"referrer","type":"address"},
	{"name":"signature","type":"bytes"}],"outputs":[
	{"name":"charged","type":"uint256"},
	{"name":"periodEnd","type":"uint64"}]},
{"type":"function","name":"relayRenew","stateMutability":"nonpayable","inputs":[
	{"name":"tenantId","type":"uint64"},
	{"name":"user","type":"address"}],"outputs":[
	{"name":"charged","type":"uint256"},
	{"name":"periodEnd","type":"uint64"}]}
]`
