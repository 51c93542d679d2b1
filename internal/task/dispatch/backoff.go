package dispatch

import (
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
)

// RetryPolicy shapes the delay between attempts of one run.
type RetryPolicy struct {
	Base     time.Duration
	MaxDelay time.Duration
	Jitter   float64 // 0.2 = 20%
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// delay returns the wait before retry number retry (1-based), honoring a
// RetryAfter hint carried by err.
func (p RetryPolicy) delay(retry int, err error, rng *rand.Rand) time.Duration {
	p = p.withDefaults()

	var d time.Duration
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
	} else {
		d = p.Base
		for i := 1; i < retry; i++ {
			d *= 2
			if d > p.MaxDelay {
				d = p.MaxDelay
				break
			}
		}
	}

	if d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
