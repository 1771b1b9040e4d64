package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetAccountRisk combines the ledger record with the anomaly score.
func (h *Handlers) HandleGetAccountRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, ok := accountArg(req)
	if !ok {
		return mcp.NewToolResultError("account must be a non-negative integer"), nil
	}

	raw, err := h.client.GetAccount(ctx, nodeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get account: %v", err)), nil
	}

	text, err := formatAccount(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse account: %v", err)), nil
	}

	// The anomaly score is optional; most accounts have none.
	if scoreRaw, err := h.client.GetAnomalyScore(ctx, nodeID); err == nil {
		text += formatAnomalyScore(scoreRaw)
	} else {
		text += "  Anomaly score: none\n"
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListRiskyAccounts lists accounts by risk ratio.
func (h *Handlers) HandleListRiskyAccounts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListAccounts(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list accounts: %v", err)), nil
	}

	text, err := formatAccountList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse accounts: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListFlaggedTransfers lists REVIEW and BLOCK transfers.
func (h *Handlers) HandleListFlaggedTransfers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var account *int64
	if _, present := req.GetArguments()["account"]; present {
		id, ok := accountArg(req)
		if !ok {
			return mcp.NewToolResultError("account must be a non-negative integer"), nil
		}
		account = &id
	}

	raw, err := h.client.ListFlaggedTransfers(ctx, account, req.GetString("cursor", ""), req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transfers: %v", err)), nil
	}

	text, err := formatTransferList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transfers: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetTransfer returns one transfer outcome.
func (h *Handlers) HandleGetTransfer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transfer_id", "")
	if id == "" {
		return mcp.NewToolResultError("transfer_id is required"), nil
	}

	raw, err := h.client.GetTransfer(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transfer: %v", err)), nil
	}

	var resp struct {
		Transfer map[string]any `json:"transfer"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Transfer == nil {
		return mcp.NewToolResultError("Failed to parse transfer: unexpected response format"), nil
	}

	return mcp.NewToolResultText(formatTransfer(resp.Transfer)), nil
}

// HandleInspectFingerprint reports the velocity window for a fingerprint.
func (h *Handlers) HandleInspectFingerprint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fp := req.GetString("fingerprint", "")
	if fp == "" {
		return mcp.NewToolResultError("fingerprint is required"), nil
	}

	raw, err := h.client.InspectFingerprint(ctx, fp)
	if err != nil {
		if strings.Contains(err.Error(), "(404)") {
			return mcp.NewToolResultText(fmt.Sprintf("No activity for fingerprint %s in the current window.", fp)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to inspect fingerprint: %v", err)), nil
	}

	text, err := formatFingerprint(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse fingerprint: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleSubmitAnomalyScores uploads a batch of offline scores.
func (h *Handlers) HandleSubmitAnomalyScores(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, ok := req.GetArguments()["scores"].([]any)
	if !ok || len(items) == 0 {
		return mcp.NewToolResultError("scores must be a non-empty array"), nil
	}

	batch := make([]map[string]any, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("scores[%d] must be an object", i)), nil
		}
		batch = append(batch, m)
	}

	raw, err := h.client.SubmitAnomalyScores(ctx, batch)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Upload failed: %v", err)), nil
	}

	text, err := formatBatchResult(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse batch result: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// accountArg reads the "account" argument, which LLMs send as a number or
// a numeric string.
func accountArg(req mcp.CallToolRequest) (int64, bool) {
	switch v := req.GetArguments()["account"].(type) {
	case float64:
		if v < 0 || v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 0 {
			return 0, false
		}
		return id, true
	default:
		return 0, false
	}
}

// --- Formatting helpers ---

func formatAccount(raw json.RawMessage) (string, error) {
	var resp struct {
		Account map[string]any `json:"account"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Account == nil {
		return "", fmt.Errorf("unexpected account response format")
	}
	a := resp.Account

	var sb strings.Builder
	fmt.Fprintf(&sb, "Account %s:\n", getString(a, "nodeId"))
	fmt.Fprintf(&sb, "  Transfers in/out: %s / %s\n", getString(a, "inDegree"), getString(a, "outDegree"))
	fmt.Fprintf(&sb, "  Total incoming: %s\n", getString(a, "totalIncoming"))
	fmt.Fprintf(&sb, "  Total outgoing: %s\n", getString(a, "totalOutgoing"))
	fmt.Fprintf(&sb, "  Balance: %s\n", getString(a, "balance"))
	if v, ok := getFloat(a, "riskRatio"); ok {
		fmt.Fprintf(&sb, "  Risk ratio: %.3f\n", v)
	}
	if v, ok := getFloat(a, "txVelocity"); ok {
		fmt.Fprintf(&sb, "  Velocity: %.2f transfers/day\n", v)
	}
	return sb.String(), nil
}

func formatAnomalyScore(raw json.RawMessage) string {
	var resp struct {
		Score map[string]any `json:"score"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Score == nil {
		return "  Anomaly score: unavailable\n"
	}
	s := resp.Score
	v, _ := getFloat(s, "anomalyScore")
	flag := ""
	if anomalous, _ := s["isAnomalous"].(bool); anomalous {
		flag = " (ANOMALOUS)"
	}
	model := getString(s, "model")
	if model == "" {
		model = "unknown model"
	}
	return fmt.Sprintf("  Anomaly score: %.3f%s from %s\n", v, flag, model)
}

func formatAccountList(raw json.RawMessage) (string, error) {
	var resp struct {
		Accounts []map[string]any `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected accounts response format")
	}
	if len(resp.Accounts) == 0 {
		return "No accounts recorded yet.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d account(s), riskiest first:\n\n", len(resp.Accounts))
	for i, a := range resp.Accounts {
		ratio, _ := getFloat(a, "riskRatio")
		fmt.Fprintf(&sb, "%d. Account %s | risk ratio %.3f | in %s / out %s\n",
			i+1, getString(a, "nodeId"), ratio, getString(a, "inDegree"), getString(a, "outDegree"))
	}
	return sb.String(), nil
}

func formatTransferList(raw json.RawMessage) (string, error) {
	var resp struct {
		Transfers  []map[string]any `json:"transfers"`
		NextCursor string           `json:"nextCursor"`
		HasMore    bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected transfers response format")
	}
	if len(resp.Transfers) == 0 {
		return "No flagged transfers found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d flagged transfer(s):\n\n", len(resp.Transfers))
	for i, t := range resp.Transfers {
		score, _ := getFloat(t, "riskScore")
		fmt.Fprintf(&sb, "%d. %s: %s -> %s, amount %s, %s (%.2f)\n",
			i+1, getString(t, "id"), getString(t, "sourceAccount"), getString(t, "targetAccount"),
			getString(t, "amount"), getString(t, "verdict"), score)
	}
	if resp.HasMore {
		fmt.Fprintf(&sb, "\nMore results available. Next cursor: %s\n", resp.NextCursor)
	}
	return sb.String(), nil
}

func formatTransfer(t map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Transfer %s\n", getString(t, "id"))
	fmt.Fprintf(&sb, "  From %s to %s, amount %s\n",
		getString(t, "sourceAccount"), getString(t, "targetAccount"), getString(t, "amount"))
	score, _ := getFloat(t, "riskScore")
	fmt.Fprintf(&sb, "  Verdict: %s (risk %.2f, source %s)\n", getString(t, "verdict"), score, getString(t, "scoreSource"))
	if flagged, _ := t["suspectedFraud"].(bool); flagged {
		sb.WriteString("  Suspected fraud: yes\n")
	}
	if fp, ok := t["fingerprint"].(map[string]any); ok {
		velocity, _ := getFloat(fp, "velocity")
		fanout, _ := getFloat(fp, "fanout")
		fmt.Fprintf(&sb, "  Fingerprint: velocity %.0f, fanout %.0f", velocity, fanout)
		if detected, _ := fp["detected"].(bool); detected {
			sb.WriteString(" (DETECTED)")
		}
		sb.WriteString("\n")
	}
	if consistent, ok := t["ledgerConsistent"].(bool); ok && !consistent {
		sb.WriteString("  Ledger: INCONSISTENT, awaiting reconciliation\n")
	}
	fmt.Fprintf(&sb, "  Created: %s\n", getString(t, "createdAt"))
	return sb.String()
}

func formatFingerprint(raw json.RawMessage) (string, error) {
	var resp struct {
		Fingerprint string         `json:"fingerprint"`
		Signal      map[string]any `json:"signal"`
		Window      string         `json:"window"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Signal == nil {
		return "", fmt.Errorf("unexpected fingerprint response format")
	}

	velocity, _ := getFloat(resp.Signal, "velocity")
	fanout, _ := getFloat(resp.Signal, "fanout")
	risk, _ := getFloat(resp.Signal, "risk")

	var sb strings.Builder
	fmt.Fprintf(&sb, "Fingerprint %s (window %s):\n", resp.Fingerprint, resp.Window)
	fmt.Fprintf(&sb, "  Transfers: %.0f\n", velocity)
	fmt.Fprintf(&sb, "  Distinct targets: %.0f\n", fanout)
	fmt.Fprintf(&sb, "  Risk: %.2f\n", risk)
	if detected, _ := resp.Signal["detected"].(bool); detected {
		sb.WriteString("  Status: DETECTED\n")
	}
	return sb.String(), nil
}

func formatBatchResult(raw json.RawMessage) (string, error) {
	var resp struct {
		Received int              `json:"received"`
		Applied  int              `json:"applied"`
		Failed   int              `json:"failed"`
		Errors   []map[string]any `json:"errors"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Received %d, applied %d, failed %d\n", resp.Received, resp.Applied, resp.Failed)
	for _, e := range resp.Errors {
		fmt.Fprintf(&sb, "  item %s: %s\n", getString(e, "index"), getString(e, "message"))
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return strconv.FormatFloat(f, 'f', -1, 64)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
