// Package risk guards order flow: a layered pre-trade gate, position
// sizing, and the global pause switch.
package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Controller is the global pause switch. Pausing stops new signal
// emission and order submission; in-flight work completes. A pause may
// carry an expiry, after which the controller reports unpaused on the
// next read.
type Controller struct {
	mu     sync.Mutex
	paused bool
	reason string
	since  time.Time
	until  time.Time // zero = indefinite
}

// NewController creates an unpaused controller.
func NewController() *Controller {
	return &Controller{}
}

// Pause engages an indefinite pause. Idempotent: pausing an
// already-paused system only updates the reason.
func (c *Controller) Pause(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauseLocked(reason, time.Time{})
}

// PauseUntil engages a pause that lifts itself once until has passed.
func (c *Controller) PauseUntil(reason string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauseLocked(reason, until)
}

func (c *Controller) pauseLocked(reason string, until time.Time) {
	if !c.paused {
		c.since = time.Now().UTC()
		evt := log.Warn().Str("reason", reason)
		if !until.IsZero() {
			evt = evt.Time("until", until)
		}
		evt.Msg("Trading paused")
	}
	c.paused = true
	c.reason = reason
	c.until = until
}

// Resume releases the pause. Idempotent.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		log.Info().Msg("Trading resumed")
	}
	c.clearLocked()
}

// Paused reports the current state.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	return c.paused
}

// Status reports the state with its reason and start time.
func (c *Controller) Status() (bool, string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	return c.paused, c.reason, c.since
}

// expireLocked lifts a timed pause whose window has passed.
func (c *Controller) expireLocked() {
	if !c.paused || c.until.IsZero() || time.Now().UTC().Before(c.until) {
		return
	}
	log.Info().Str("reason", c.reason).Msg("Timed pause expired, trading resumed")
	c.clearLocked()
}

func (c *Controller) clearLocked() {
	c.paused = false
	c.reason = ""
	c.since = time.Time{}
	c.until = time.Time{}
}
