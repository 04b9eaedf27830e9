package guard

import (
	"fmt"
	"reflect"
)

// Result is the tagged map a handler returns. Build it with Success, Text or
// Failure; handlers may add their own keys.
type Result map[string]any

// Result keys and status values.
const (
	KeyStatus = "status"
	KeyText   = "text"
	KeyError  = "error"
	KeyCode   = "code"
	KeyData   = "data"

	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
)

// Error codes returned by Execute when the guard itself, not the handler,
// decides the outcome.
const (
	CodeNoWallet            = "no_wallet"
	CodeUnknownAction       = "unknown_action"
	CodeInsufficientCredits = "insufficient_credits"
	CodeReservationFailed   = "reservation_failed"
	CodeCallbackFailed      = "callback_failed"
	CodeCallbackPanic       = "callback_panic"
	CodeReservationMismatch = "reservation_mismatch"
	CodeSettlementFailed    = "settlement_failed"
)

// DefaultFailureReason is recorded when a failed result carries no error.
const DefaultFailureReason = "Task failed"

// Success returns a successful result carrying data.
func Success(data any) Result {
	r := Result{KeyStatus: StatusSuccess}
	if data != nil {
		r[KeyData] = data
	}
	return r
}

// Text returns a successful text result.
func Text(msg string) Result {
	return Result{KeyText: msg}
}

// Failure returns a domain failure. The reservation is refunded.
func Failure(reason string) Result {
	return Result{KeyStatus: StatusFailed, KeyError: reason}
}

// Errorf returns a structured guard error with a code.
func Errorf(code, format string, args ...any) Result {
	return Result{
		KeyStatus: StatusError,
		KeyCode:   code,
		KeyError:  fmt.Sprintf(format, args...),
	}
}

// IsSuccess reports whether the result counts as a success: status is
// "success", or a text key is present without a truthy error.
func (r Result) IsSuccess() bool {
	if r == nil {
		return false
	}
	if s, ok := r[KeyStatus].(string); ok && s == StatusSuccess {
		return true
	}
	_, hasText := r[KeyText]
	return hasText && !truthy(r[KeyError])
}

// Status returns the status key, if any.
func (r Result) Status() string {
	s, _ := r[KeyStatus].(string) //nolint:errcheck // absent status is empty
	return s
}

// Code returns the guard error code, if any.
func (r Result) Code() string {
	s, _ := r[KeyCode].(string) //nolint:errcheck // absent code is empty
	return s
}

// FailureReason returns the error field, or DefaultFailureReason.
func (r Result) FailureReason() string {
	if v := r[KeyError]; truthy(v) {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return DefaultFailureReason
}

// truthy reports whether v is set. nil, false, zero numbers and empty
// strings or collections are not.
func truthy(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.String, reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	default:
		return true
	}
}
