package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the copilot MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetPolicy = mcp.NewTool("get_policy",
	mcp.WithDescription(
		"Get the current spending policy for a copilot session. "+
			"Shows the security level, per-transaction and daily USD limits, "+
			"slippage cap, and token/contract allow and deny lists. "+
			"A session that has never been seen gets the NORMAL default policy."),
	mcp.WithString("session_id",
		mcp.Description("Session to read. Defaults to the configured session.")),
)

var ToolUpdatePolicy = mcp.NewTool("update_policy",
	mcp.WithDescription(
		"Update the spending policy for a copilot session. "+
			"Only the fields you provide change. Setting a security level applies "+
			"its preset first, then explicit limits in the same call win. "+
			"Use a negative limit to remove it entirely."),
	mcp.WithString("session_id",
		mcp.Description("Session to update. Defaults to the configured session.")),
	mcp.WithString("security_level",
		mcp.Description("Preset to apply: 'strict', 'normal', 'relaxed', or 'custom'"),
		mcp.Enum("strict", "normal", "relaxed", "custom")),
	mcp.WithNumber("max_per_tx_usd",
		mcp.Description("Maximum USD value per transaction. Negative removes the limit.")),
	mcp.WithNumber("max_daily_usd",
		mcp.Description("Maximum total USD value per day. Negative removes the limit.")),
	mcp.WithNumber("max_slippage_bps",
		mcp.Description("Maximum swap slippage in basis points (e.g. 100 = 1%)")),
)

var ToolPrepareTransaction = mcp.NewTool("prepare_transaction",
	mcp.WithDescription(
		"Prepare a gasless Q402 transaction for a user to sign. "+
			"Runs the session policy first; blocked intents return the decision "+
			"with reasons. On success returns EIP-712 typed data the wallet signs, "+
			"plus a request ID for the facilitator's execute step. "+
			"No funds move until the signed witness is executed."),
	mcp.WithString("signer_address",
		mcp.Required(),
		mcp.Description("The user's wallet address (e.g. '0x1234...')")),
	mcp.WithString("type",
		mcp.Required(),
		mcp.Description("Intent type: 'transfer', 'swap', or 'contract_call'"),
		mcp.Enum("transfer", "swap", "contract_call")),
	mcp.WithString("token",
		mcp.Description("ERC-20 token address to spend (for transfers and swaps)")),
	mcp.WithString("to",
		mcp.Description("Recipient address for transfers, router or target contract otherwise")),
	mcp.WithString("amount",
		mcp.Description("Token amount in base units as a decimal string (e.g. '1000000')")),
	mcp.WithNumber("value_usd",
		mcp.Description("Estimated USD value of the transaction, used for policy limits")),
	mcp.WithString("network",
		mcp.Description("Network name (e.g. 'bsc-testnet'). Defaults to the only configured network.")),
	mcp.WithString("session_id",
		mcp.Description("Session whose policy applies. Defaults to the configured session.")),
)

var ToolGetActivity = mcp.NewTool("get_activity",
	mcp.WithDescription(
		"List recent activity for a copilot session, newest first: prepared "+
			"requests, settlements with transaction hashes, policy blocks and "+
			"expirations."),
	mcp.WithString("session_id",
		mcp.Description("Session to read. Defaults to the configured session.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 50)")),
)

var ToolFacilitatorHealth = mcp.NewTool("facilitator_health",
	mcp.WithDescription(
		"Check the gas-sponsoring facilitator's health: RPC reachability, "+
			"contract configuration, and sponsor wallet balance per network. "+
			"'degraded' usually means verify-only mode or a low wallet balance."),
)

var ToolListSupportedNetworks = mcp.NewTool("list_supported_networks",
	mcp.WithDescription(
		"List the networks the facilitator settles on, including chain IDs, "+
			"Q402 contract addresses, and the ERC-20 tokens each network supports. "+
			"Use this before preparing a transaction to avoid invalid requests."),
)

var ToolFacilitatorStats = mcp.NewTool("facilitator_stats",
	mcp.WithDescription(
		"Get facilitator counters: requests prepared, verified, executed, "+
			"failed and expired, plus stored request totals by status."),
)
