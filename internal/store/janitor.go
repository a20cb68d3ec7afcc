package store

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// DefaultJanitorInterval is how often expired sessions are purged.
const DefaultJanitorInterval = 10 * time.Minute

// RunJanitor deletes expired sessions every interval until ctx is done.
func RunJanitor(ctx context.Context, repo SessionRepository, clock clockwork.Clock, interval time.Duration, log logrus.FieldLogger) {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			removed, err := repo.DeleteExpired(ctx)
			if err != nil {
				log.WithError(err).Warn("Failed to purge expired sessions")
				continue
			}
			if removed > 0 {
				log.WithField("removed", removed).Debug("Purged expired sessions")
			}
		}
	}
}
