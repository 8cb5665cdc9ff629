package txlog

import "errors"

// Revert is a precondition failure: the transaction is rejected as a whole
// and nothing it touched changes. Code is stable and safe to show callers.
type Revert struct {
	Code   string
	Reason string
}

// NewRevert creates a revert with a stable reason code.
func NewRevert(code, reason string) *Revert {
	return &Revert{Code: code, Reason: reason}
}

func (r *Revert) Error() string {
	return r.Reason
}

// AsRevert returns the Revert err is or wraps.
func AsRevert(err error) (*Revert, bool) {
	var r *Revert
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// RevertCode extracts the reason code from err if it is (or wraps) a Revert.
func RevertCode(err error) (string, bool) {
	if r, ok := AsRevert(err); ok {
		return r.Code, true
	}
	return "", false
}

// IsRevert reports whether err is a precondition revert.
func IsRevert(err error) bool {
	_, ok := RevertCode(err)
	return ok
}
