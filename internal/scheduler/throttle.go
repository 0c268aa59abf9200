package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"github.com/TagusLX/scrapTV/internal/metrics"
)

// Intensity selects how aggressively the scheduler hits the listing site.
type Intensity string

// Throttle intensities.
const (
	IntensitySlow     Intensity = "slow"
	IntensityModerate Intensity = "moderate"
	IntensityFast     Intensity = "fast"
)

// ParseIntensity validates an intensity string.
func ParseIntensity(s string) (Intensity, error) {
	switch Intensity(s) {
	case IntensitySlow, IntensityModerate, IntensityFast:
		return Intensity(s), nil
	default:
		return "", fmt.Errorf("unknown throttle intensity %q", s)
	}
}

func (i Intensity) requestsPerSecond() float64 {
	switch i {
	case IntensitySlow:
		return 0.2
	case IntensityFast:
		return 2
	default:
		return 0.5
	}
}

// Throttle paces fetches with a token bucket plus a random jitter, so the
// request cadence never looks machine-regular.
type Throttle struct {
	limiter   *rate.Limiter
	maxJitter time.Duration
}

// NewThrottle builds a Throttle for the intensity.
func NewThrottle(intensity Intensity) *Throttle {
	return newThrottle(intensity, 0)
}

func newThrottle(intensity Intensity, overrideRPS float64) *Throttle {
	metrics.Init()
	rps := intensity.requestsPerSecond()
	if overrideRPS > 0 {
		rps = overrideRPS
	}
	return &Throttle{
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
		maxJitter: time.Duration(float64(time.Second) / rps / 4),
	}
}

// Wait blocks until the next fetch may start.
func (t *Throttle) Wait(ctx context.Context) error {
	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	if t.maxJitter > 0 {
		jitter := rand.N(t.maxJitter)
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	metrics.ObserveThrottleWait(time.Since(start))
	return nil
}
