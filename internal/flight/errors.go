package flight

import (
	"errors"

	"github.com/parv3213/flight-escrow/internal/txlog"
)

// Revert reasons. Each carries a stable code surfaced to callers.
var (
	ErrFlightNotFound = txlog.NewRevert("flight_not_found", "flight not found")
	ErrNotAuthorized  = txlog.NewRevert("not_authorized", "caller is not the escrow authority")

	ErrTicketSalesClosed     = txlog.NewRevert("ticket_sales_closed", "ticket sales are closed")
	ErrIncorrectFareAmount   = txlog.NewRevert("incorrect_fare_amount", "provide correct amount")
	ErrPassengerLimitReached = txlog.NewRevert("passenger_limit_reached", "passenger limit reached")

	ErrDelayThresholdNotReached = txlog.NewRevert("delay_threshold_not_reached", "delay limit not reached")
	ErrIncorrectDisputeFee      = txlog.NewRevert("incorrect_dispute_fee", "provide correct dispute fee")
	ErrDisputeNotAllowed        = txlog.NewRevert("dispute_not_allowed", "dispute not allowed")
	ErrDisputeWindowClosed      = txlog.NewRevert("dispute_window_closed", "dispute window closed")

	ErrNotInDispute   = txlog.NewRevert("not_in_dispute", "not in dispute")
	ErrReasonRequired = txlog.NewRevert("reason_required", "decision reason is required")

	ErrWithdrawalWindowNotReached = txlog.NewRevert("withdrawal_window_not_reached", "withdraw time not reached")
	ErrDisputeInProgress          = txlog.NewRevert("dispute_in_progress", "dispute in progress")
	ErrOperatorForfeited          = txlog.NewRevert("operator_forfeited", "operator forfeited the escrow")

	ErrNotYetSettled     = txlog.NewRevert("not_yet_settled", "not settled")
	ErrNoRefundAvailable = txlog.NewRevert("no_refund_available", "no refund available")
	ErrNotEligible       = txlog.NewRevert("not_eligible", "not eligible")
	ErrAlreadyClaimed    = txlog.NewRevert("already_claimed", "already claimed")
)

// Configuration errors returned by Open; these never reach the log.
var (
	ErrFlightExists  = errors.New("flight already exists")
	ErrInvalidConfig = errors.New("invalid flight config")
)
