package writer

import (
	"errors"
	"fmt"
)

// ErrStartQueryFailed is matched by every error LastTimestamp returns.
var ErrStartQueryFailed = errors.New("start time query failed")

// Reasons carried by StartQueryError
const (
	ReasonNoData      = "no-data"
	ReasonMalformed   = "malformed"
	ReasonQueryFailed = "query-failed"
)

// StartQueryError tells the caller why no resume time could be read.
type StartQueryError struct {
	Metric string
	Reason string
	Err    error
}

func (e *StartQueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s for %s (%s): %v", ErrStartQueryFailed, e.Metric, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s for %s (%s)", ErrStartQueryFailed, e.Metric, e.Reason)
}

// Is matches ErrStartQueryFailed.
func (e *StartQueryError) Is(target error) bool {
	return target == ErrStartQueryFailed
}

// Unwrap returns the storage error, if any.
func (e *StartQueryError) Unwrap() error {
	return e.Err
}
