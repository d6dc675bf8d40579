package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// RetryRateLimited calls fn until it returns something other than a rate limit.
// Between attempts it sleeps exactly the delay the server asked for. maxWait caps the
// total time slept; zero means no cap.
func RetryRateLimited(ctx context.Context, logger log.Logger, maxWait time.Duration, what string, fn func() error) error {
	var waited time.Duration

	for attempt := 1; ; attempt++ {
		err := fn()
		rateLimited, ok := AsRateLimited(err)
		if !ok {
			return err
		}

		if maxWait > 0 && waited+rateLimited.RetryAfter > maxWait {
			return fmt.Errorf("%s: waited %s over %d attempts: %w", what, waited, attempt, ErrRateLimitBudgetExceeded)
		}

		logger.Debugf("%s rate limited (attempt %d), retrying after %s", what, attempt, rateLimited.RetryAfter)

		timer := time.NewTimer(rateLimited.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s cancelled: %w", what, ctx.Err())
		case <-timer.C:
		}

		waited += rateLimited.RetryAfter
	}
}
