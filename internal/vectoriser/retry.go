package vectoriser

import (
	"fmt"
	"math"
	"time"

	"github.com/ncecere/compass_skill/internal/config"
)

// RetryPolicy bounds rate-limit retries. With triesLeft attempts remaining the
// delay before the next attempt is BackoffBase^(MaxAttempts-triesLeft) units.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase int
	BackoffUnit time.Duration
}

// DefaultRetryPolicy is three attempts with 15s and 225s pauses between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: 15,
		BackoffUnit: time.Second,
	}
}

func PolicyFromConfig(cfg config.VectoriseConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffUnit: cfg.BackoffUnit,
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("retry policy: max attempts must be > 0")
	}
	if p.BackoffBase < 1 {
		return fmt.Errorf("retry policy: backoff base must be >= 1")
	}
	if p.BackoffUnit < 0 {
		return fmt.Errorf("retry policy: backoff unit must be >= 0")
	}
	return nil
}

// Backoff returns the pause before the next attempt when triesLeft attempts
// remain. The result saturates instead of overflowing.
func (p RetryPolicy) Backoff(triesLeft int) time.Duration {
	exp := p.MaxAttempts - triesLeft
	if exp < 0 {
		exp = 0
	}
	factor := math.Pow(float64(p.BackoffBase), float64(exp))
	d := factor * float64(p.BackoffUnit)
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
