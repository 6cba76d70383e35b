package github

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gogithub "github.com/google/go-github/v75/github"
)

// defaultRateReserve is how many remaining core-API calls are held back.
// Below the reserve, calls serialize and sleep until the window resets.
const defaultRateReserve = 50

// rateGuard tracks X-RateLimit-Remaining/Reset from responses and throttles
// callers when the budget runs low.
type rateGuard struct {
	reserve int
	logger  *slog.Logger

	mu        sync.Mutex
	remaining int
	reset     time.Time
	known     bool
}

func newRateGuard(reserve int, logger *slog.Logger) *rateGuard {
	if reserve <= 0 {
		reserve = defaultRateReserve
	}
	return &rateGuard{reserve: reserve, logger: logger}
}

// wait blocks until a call may proceed. While remaining is above the
// reserve it returns immediately; otherwise callers serialize through the
// mutex and sleep until reset plus a one-second buffer, after which the
// budget is optimistically assumed refreshed.
func (g *rateGuard) wait(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.known || g.remaining > g.reserve {
		return nil
	}

	sleep := time.Until(g.reset) + time.Second
	if sleep <= 0 {
		g.known = false
		return nil
	}
	g.logger.Warn("GitHub rate limit low, throttling",
		"remaining", g.remaining, "resume_in", sleep.Round(time.Second))

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		g.known = false
		return nil
	}
}

// observe records the rate headers from one response.
func (g *rateGuard) observe(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remaining = resp.Rate.Remaining
	g.reset = resp.Rate.Reset.Time
	g.known = true
}
