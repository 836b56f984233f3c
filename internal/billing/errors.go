package billing

import "errors"

var (
	// ErrCustomerNotFound indicates the batch customer does not exist.
	ErrCustomerNotFound = errors.New("billing: customer not found")
	// ErrTaxRateNotFound indicates no stored tax rate matches a line.
	ErrTaxRateNotFound = errors.New("billing: tax rate not found")
	// ErrSchemeMisconfigured indicates a numbering scheme without a template.
	ErrSchemeMisconfigured = errors.New("billing: numbering scheme misconfigured")
	// ErrEventAlreadyBilled indicates another run consumed the event first.
	ErrEventAlreadyBilled = errors.New("billing: event already billed")
	// ErrNoBillableLines indicates every line of a batch was skipped.
	ErrNoBillableLines = errors.New("billing: batch has no billable lines")
	// ErrRunInProgress indicates another billing run holds the run lock.
	ErrRunInProgress = errors.New("billing: run already in progress")
	// ErrBatchConflict indicates the store rejected the batch for a concurrent write.
	ErrBatchConflict = errors.New("billing: concurrent write conflict")
)

// IsBatchFatal reports whether err abandons a single customer batch while the
// run keeps going. Every other error is an infrastructure failure.
func IsBatchFatal(err error) bool {
	switch {
	case errors.Is(err, ErrCustomerNotFound),
		errors.Is(err, ErrTaxRateNotFound),
		errors.Is(err, ErrEventAlreadyBilled),
		errors.Is(err, ErrNoBillableLines),
		errors.Is(err, ErrBatchConflict):
		return true
	}
	return false
}
