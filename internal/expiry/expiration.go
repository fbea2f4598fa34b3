package expiry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Expiration is either a finite timestamp or Never.
// The zero value is Never.
type Expiration struct {
	at     int64
	finite bool
}

// Never returns an expiration that is never reached.
func Never() Expiration {
	return Expiration{}
}

// At returns an expiration at timestamp ts.
func At(ts int64) Expiration {
	return Expiration{at: ts, finite: true}
}

// FromTTL returns the expiration ttl from now. A ttl of zero or less means Never.
// Sub-second remainders are rounded up so a short TTL never expires immediately.
func FromTTL(clock Clock, ttl time.Duration) Expiration {
	if ttl <= 0 {
		return Never()
	}
	secs := int64(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}
	return At(clock.Now() + secs)
}

// IsNever reports whether e is never reached.
func (e Expiration) IsNever() bool {
	return !e.finite
}

// Time returns the timestamp and true, or 0 and false for Never.
func (e Expiration) Time() (int64, bool) {
	return e.at, e.finite
}

// After reports whether e expires strictly later than other.
func (e Expiration) After(other Expiration) bool {
	switch {
	case !e.finite:
		return other.finite
	case !other.finite:
		return false
	default:
		return e.at > other.at
	}
}

// Reached reports whether e is at or before now.
func (e Expiration) Reached(now int64) bool {
	return e.finite && e.at <= now
}

// Rebase carries the remaining lifetime of exp across a restart.
// stop is the last checkpoint taken under the old epoch, restart is now under
// the new one. An expiration already lapsed at stop is pinned to restart so the
// next eviction pass removes it.
func Rebase(exp Expiration, stop, restart int64) Expiration {
	if !exp.finite {
		return exp
	}
	remaining := exp.at - stop
	if remaining <= 0 {
		return At(restart)
	}
	return At(restart + remaining)
}

func (e Expiration) String() string {
	if !e.finite {
		return "never"
	}
	return strconv.FormatInt(e.at, 10)
}

// MarshalJSON encodes Never as null and finite values as integer seconds.
func (e Expiration) MarshalJSON() ([]byte, error) {
	if !e.finite {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(e.at, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Expiration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*e = Never()
		return nil
	}
	var ts int64
	if err := json.Unmarshal(data, &ts); err != nil {
		return fmt.Errorf("invalid expiration %q: %w", data, err)
	}
	*e = At(ts)
	return nil
}
