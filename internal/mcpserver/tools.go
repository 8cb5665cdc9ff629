package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetFlight = mcp.NewTool("get_flight",
	mcp.WithDescription(
		"Look up a flight's delay-insurance escrow. "+
			"Returns its status, fare, bond, dispute and withdrawal windows, passenger count, and balance in ether."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The escrow's address (e.g. '0x1234...')")),
)

var ToolListFlights = mcp.NewTool("list_flights",
	mcp.WithDescription(
		"Browse flight escrows in the order they were created. "+
			"Returns one page and a cursor for the next."),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous list_flights call")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of flights to return (default 20)")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your account's ether balance with the escrow ledger. "+
			"Shows available funds and lifetime totals in and out."),
)

var ToolBuyTicket = mcp.NewTool("buy_ticket",
	mcp.WithDescription(
		"Buy a ticket on a flight. The fare is held in escrow until departure plus the withdrawal wait, "+
			"or refunded if a delay dispute is upheld. The value must equal the flight's base fare exactly."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The escrow's address (e.g. '0x1234...')")),
	mcp.WithString("name",
		mcp.Required(),
		mcp.Description("Passenger name printed on the ticket")),
	mcp.WithString("value",
		mcp.Required(),
		mcp.Description("Fare in ether (e.g. '0.1')")),
)

var ToolClaimRefund = mcp.NewTool("claim_refund",
	mcp.WithDescription(
		"Claim your fares back after the escrow authority ruled the flight was delayed. "+
			"Pays every ticket you bought on the flight that has not been refunded yet."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The escrow's address (e.g. '0x1234...')")),
)
