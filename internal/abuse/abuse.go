// Package abuse is the lockout controller: it counts failed upstream
// authentications over a sliding 24-hour window and blocks proxying when
// thresholds are exceeded, globally or per user.
package abuse

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/goal-eng/api-mutator/internal/store"
)

// Window is how long a failure counts against the thresholds.
const Window = 24 * time.Hour

// GlobalThreshold is the total failure count at which the proxy shuts
// its doors for everyone.
const GlobalThreshold = 10

type Controller struct {
	store     *store.Store
	maxFailed int // per-user failures tolerated before blocking
	log       hclog.Logger

	// Serializes record/check so the window predicates observe a
	// consistent log.
	mu sync.Mutex

	now func() time.Time
}

func New(st *store.Store, maxFailedBeforeBlock int, log hclog.Logger) *Controller {
	return &Controller{
		store:     st,
		maxFailed: maxFailedBeforeBlock,
		log:       log,
		now:       time.Now,
	}
}

// RecordFailure appends a failure entry for the user and prunes entries
// that have aged out of the window.
func (c *Controller) RecordFailure(userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if err := c.store.RecordFailure(userID, now); err != nil {
		return err
	}
	c.log.Warn("recorded failed upstream authentication", "user_id", userID)
	return c.store.PruneFailuresBefore(now.Add(-Window))
}

// GlobalBlock reports whether total failures in the window have reached
// the global threshold.
func (c *Controller) GlobalBlock() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.store.CountFailuresSince(c.now().Add(-Window))
	if err != nil {
		return false, err
	}
	return n >= GlobalThreshold, nil
}

// UserBlock reports whether the user has exceeded their allowance of
// failures in the window.
func (c *Controller) UserBlock(userID int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.store.CountUserFailuresSince(userID, c.now().Add(-Window))
	if err != nil {
		return false, err
	}
	return n > c.maxFailed, nil
}
