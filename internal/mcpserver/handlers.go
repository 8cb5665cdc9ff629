package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
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

// HandleGetFlight returns one escrow.
func (h *Handlers) HandleGetFlight(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	raw, err := h.client.GetFlight(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get flight: %v", err)), nil
	}

	text, err := formatFlight(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse flight: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListFlights lists registry entries.
func (h *Handlers) HandleListFlights(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cursor := req.GetString("cursor", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListFlights(ctx, cursor, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list flights: %v", err)), nil
	}

	text, err := formatFlightList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse flights: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCheckBalance returns the caller's balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleBuyTicket buys one ticket as the configured caller.
func (h *Handlers) HandleBuyTicket(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}
	name := req.GetString("name", "")
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}
	value := req.GetString("value", "")
	if value == "" {
		return mcp.NewToolResultError("value is required"), nil
	}

	raw, err := h.client.BuyTicket(ctx, address, name, value)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Ticket purchase failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Ticket bought for %s on flight %s\n"+
			"Fare: %s ETH held in escrow\n"+
			"Transaction: %s\n\n"+
			"If the flight is delayed, the escrow authority can rule a refund. "+
			"Use claim_refund once it has.",
		name, address, value, extractTxID(raw))), nil
}

// HandleClaimRefund collects the caller's fares after a refund ruling.
func (h *Handlers) HandleClaimRefund(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	raw, err := h.client.ClaimRefund(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Refund failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Refund claimed from flight %s\n"+
			"Amount: %s ETH\n"+
			"Transaction: %s",
		address, refundedAmount(raw), extractTxID(raw))), nil
}

// --- Formatting helpers ---

func formatFlight(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	f := resp
	if v, ok := resp["flight"].(map[string]any); ok {
		f = v
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Flight %s\n", getString(f, "address"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(f, "status"))
	fmt.Fprintf(&sb, "  Departure: %s\n", getString(f, "departure"))
	fmt.Fprintf(&sb, "  Base fare: %s ETH | Bond: %s ETH\n", getString(f, "baseFare"), getString(f, "bond"))
	limit := getString(f, "passengerLimit")
	if limit == "" || limit == "0" {
		limit = "unlimited"
	}
	fmt.Fprintf(&sb, "  Passengers: %s (limit %s)\n", getString(f, "passengerCount"), limit)
	if v := getString(f, "balance"); v != "" {
		fmt.Fprintf(&sb, "  Balance: %s ETH\n", v)
	}
	fmt.Fprintf(&sb, "  Disputes open: %s\n", getString(f, "disputeOpensAt"))
	fmt.Fprintf(&sb, "  Withdrawal opens: %s\n", getString(f, "withdrawOpensAt"))
	if v := getString(f, "decisionReason"); v != "" {
		outcome := "operator prevailed"
		if b, ok := f["shouldRefund"].(bool); ok && b {
			outcome = "refund upheld"
		}
		fmt.Fprintf(&sb, "  Ruling: %s (%s)\n", outcome, v)
	}

	return sb.String(), nil
}

func formatFlightList(raw json.RawMessage) (string, error) {
	var page struct {
		Entries    []map[string]any `json:"entries"`
		Count      int              `json:"count"`
		NextCursor string           `json:"nextCursor"`
		HasMore    bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return "", fmt.Errorf("unexpected flights response format")
	}

	if len(page.Entries) == 0 {
		return "No flights found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Showing %d of %d flight(s):\n\n", len(page.Entries), page.Count)
	for _, e := range page.Entries {
		fmt.Fprintf(&sb, "%s. %s (operator %s)\n",
			getString(e, "index"), getString(e, "flight"), getString(e, "operator"))
	}
	if page.HasMore {
		fmt.Fprintf(&sb, "\nMore available. Next cursor: %s", page.NextCursor)
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	// Balance might be at top level or nested under "balance"
	bal := resp
	if b, ok := resp["balance"].(map[string]any); ok {
		bal = b
	}

	var sb strings.Builder
	sb.WriteString("ETH Balance:\n")
	fmt.Fprintf(&sb, "  Available: %s ETH\n", getString(bal, "available"))
	if v := getString(bal, "totalIn"); v != "" && v != "0" {
		fmt.Fprintf(&sb, "  Total in:  %s ETH\n", v)
	}
	if v := getString(bal, "totalOut"); v != "" && v != "0" {
		fmt.Fprintf(&sb, "  Total out: %s ETH\n", v)
	}

	return sb.String(), nil
}

// extractTxID finds the receipt id in a flight operation response.
func extractTxID(raw json.RawMessage) string {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "unknown"
	}
	if r, ok := resp["receipt"].(map[string]any); ok {
		if id := getString(r, "txId"); id != "" {
			return id
		}
	}
	return "unknown"
}

// refundedAmount sums the payout events in a refund receipt.
func refundedAmount(raw json.RawMessage) string {
	var resp struct {
		Receipt struct {
			Events []struct {
				Type string            `json:"type"`
				Data map[string]string `json:"data"`
			} `json:"events"`
		} `json:"receipt"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "unknown"
	}
	for _, e := range resp.Receipt.Events {
		if v, ok := e.Data["amount"]; ok {
			return v
		}
	}
	return "unknown"
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
