package retry

import (
	"math"
	"strconv"
	"time"

	"github.com/G-Research/historian/internal/common/historianerrors"
)

// Backoff computes exponential retry delays with jitter. The delay before retry k (k >= 1) is
//
//	min(Max, Initial * Multiplier^(k-1) * (1 + Jitter*r))
//
// with r drawn uniformly from [0, 1). Multiplier must be at least 1+Jitter, which guarantees the delays strictly
// increase until they reach Max whatever the random draws.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func (b Backoff) Validate() error {
	if b.Initial <= 0 {
		return &historianerrors.ErrInvalidArgument{Name: "Initial", Value: b.Initial.String(), Message: "must be positive"}
	}
	if b.Max < b.Initial {
		return &historianerrors.ErrInvalidArgument{Name: "Max", Value: b.Max.String(), Message: "must not be less than the initial backoff"}
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		return &historianerrors.ErrInvalidArgument{Name: "Jitter", Value: formatFloat(b.Jitter), Message: "must be in [0, 1)"}
	}
	if b.Multiplier < 1+b.Jitter {
		return &historianerrors.ErrInvalidArgument{
			Name:    "Multiplier",
			Value:   formatFloat(b.Multiplier),
			Message: "must be at least 1 + jitter so that delays keep increasing",
		}
	}
	return nil
}

// Delay returns the delay before retry attempt, where attempt counts failures so far. r must be in [0, 1).
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	d := base * (1 + b.Jitter*r)
	if d >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
