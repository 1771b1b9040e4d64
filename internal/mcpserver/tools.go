package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the mulehunter MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetAccountRisk = mcp.NewTool("get_account_risk",
	mcp.WithDescription(
		"Get the risk profile of a bank account: transfer counts in and out, totals, balance, "+
			"risk ratio (outgoing over incoming), velocity, and the latest offline anomaly score. "+
			"A risk ratio near 1.0 with high velocity is the classic pass-through mule pattern."),
	mcp.WithNumber("account",
		mcp.Required(),
		mcp.Description("Account node id (non-negative integer)")),
)

var ToolListRiskyAccounts = mcp.NewTool("list_risky_accounts",
	mcp.WithDescription(
		"List accounts ordered by risk ratio, riskiest first. "+
			"Use this to find candidates for investigation."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of accounts to return (default 20)")),
)

var ToolListFlaggedTransfers = mcp.NewTool("list_flagged_transfers",
	mcp.WithDescription(
		"List transfers the fraud model marked as REVIEW or BLOCK, newest first. "+
			"Optionally restrict to transfers touching one account."),
	mcp.WithNumber("account",
		mcp.Description("Only return transfers where this account is source or target")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transfers to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous call to fetch the next page")),
)

var ToolGetTransfer = mcp.NewTool("get_transfer",
	mcp.WithDescription(
		"Get one transfer outcome: verdict, risk score and its source, fingerprint signal, "+
			"and whether both ledger legs were applied."),
	mcp.WithString("transfer_id",
		mcp.Required(),
		mcp.Description("Transfer id (e.g. 'tr_...')")),
)

var ToolInspectFingerprint = mcp.NewTool("inspect_fingerprint",
	mcp.WithDescription(
		"Show how many transfers a client TLS fingerprint sent in the current window and "+
			"to how many distinct targets. Inspecting never counts as an observation."),
	mcp.WithString("fingerprint",
		mcp.Required(),
		mcp.Description("Client fingerprint as sent in the fingerprint header (e.g. a JA3 hash)")),
)

var ToolSubmitAnomalyScores = mcp.NewTool("submit_anomaly_scores",
	mcp.WithDescription(
		"Upload offline anomaly scores for accounts. Each item needs node_id, anomaly_score in [0,1] "+
			"and is_anomalous. Items are applied independently; the result lists any rejected items."),
	mcp.WithArray("scores",
		mcp.Required(),
		mcp.Description("Array of {\"node_id\": 42, \"anomaly_score\": 0.93, \"is_anomalous\": true, \"model\": \"iforest\"}")),
)
