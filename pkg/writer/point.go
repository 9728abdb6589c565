package writer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/nicktill/tinysync/pkg/metrics"
)

var errNullValue = errors.New("point value is null")

var jsonNull = []byte("null")

// decodePoint reads a [time, value, ...] tuple. Time is a number in units of
// precision; value is a finite number or a numeric string.
func decodePoint(raw metrics.RawPoint, precision time.Duration) (time.Time, float64, error) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return time.Time{}, 0, fmt.Errorf("point is not a list: %w", err)
	}
	if len(tuple) < 2 {
		return time.Time{}, 0, fmt.Errorf("point has %d elements, want at least 2", len(tuple))
	}

	var t float64
	if err := json.Unmarshal(tuple[0], &t); err != nil || bytes.Equal(bytes.TrimSpace(tuple[0]), jsonNull) {
		return time.Time{}, 0, fmt.Errorf("point time %s is not numeric", tuple[0])
	}

	value, err := coerceValue(tuple[1])
	if err != nil {
		return time.Time{}, 0, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return time.Time{}, 0, fmt.Errorf("point value %s is not finite", tuple[1])
	}
	return toTime(t, precision), value, nil
}

func coerceValue(raw json.RawMessage) (float64, error) {
	if bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
		return 0, errNullValue
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("point value %s is not numeric", raw)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("point value %q is not numeric", s)
	}
	return f, nil
}

// toTime converts without going through a single float multiply so whole
// timestamps stay exact at nanosecond resolution.
func toTime(t float64, precision time.Duration) time.Time {
	whole, frac := math.Modf(t)
	ns := int64(whole)*int64(precision) + int64(math.Round(frac*float64(precision)))
	return time.Unix(0, ns).UTC()
}
