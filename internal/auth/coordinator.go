// Package auth coordinates re-authentication of a shared crawl session. Many
// request workers observe the session's authentication ticket before issuing a
// request; when a request fails due to a stale session, the worker asks the
// Coordinator to refresh with the ticket it observed. Concurrent refreshes
// triggered by the same staleness event collapse into a single login.
package auth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrNoAuthenticator is returned by NewCoordinator when no Authenticator is
// supplied. A session without a login capability cannot refresh itself.
var ErrNoAuthenticator = errors.New("auth: coordinator requires an authenticator")

// ErrAuthFailed marks fatal authentication failures. A crawl receiving it is
// expected to abort; there is no degraded unauthenticated mode.
var ErrAuthFailed = errors.New("auth: authentication failed")

// Authenticator performs the actual login flow. Authenticate must only return
// nil if the session is usably authenticated afterwards; any other outcome
// must surface as an error, which aborts the crawl.
type Authenticator interface {
	Authenticate(ctx context.Context) error
}

// PersistFunc is called after each successful authentication, typically to
// save session cookies. Failures are the callee's to log; they never fail the
// refresh.
type PersistFunc func(ctx context.Context)

// Coordinator owns a monotonically increasing authentication ticket and the
// gate that serializes refreshes. The ticket only advances when a login
// completes successfully; it never decreases.
type Coordinator struct {
	gate          chan struct{}
	ticket        int
	authenticator Authenticator
	persist       PersistFunc
	logger        *zap.Logger
}

// NewCoordinator builds a Coordinator starting at ticket 0. persist may be
// nil; logger may be nil (a no-op logger is substituted).
func NewCoordinator(authenticator Authenticator, persist PersistFunc, logger *zap.Logger) (*Coordinator, error) {
	if authenticator == nil {
		return nil, ErrNoAuthenticator
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		gate:          make(chan struct{}, 1),
		authenticator: authenticator,
		persist:       persist,
		logger:        logger,
	}, nil
}

// CurrentTicket waits for any in-flight authentication to finish and returns
// the ticket afterwards. Workers call this before each request so that
// requests issued during a refresh wait for it instead of failing anew.
func (c *Coordinator) CurrentTicket(ctx context.Context) (int, error) {
	if err := c.acquire(ctx); err != nil {
		return 0, fmt.Errorf("auth: wait for gate: %w", err)
	}
	defer c.release()
	return c.ticket, nil
}

// Refresh re-authenticates the session if observed is still the current
// ticket. If another worker already refreshed, Refresh is a no-op. On success
// the ticket advances by one and cookies are persisted; on failure the ticket
// is left unchanged and the error propagates so the crawl aborts rather than
// continuing unauthenticated.
func (c *Coordinator) Refresh(ctx context.Context, observed int) error {
	if err := c.acquire(ctx); err != nil {
		return fmt.Errorf("auth: wait for gate: %w", err)
	}
	defer c.release()

	if observed != c.ticket {
		// Another worker authenticated in between. It would have aborted
		// the crawl on failure, so the session is good again.
		c.logger.Debug("refresh skipped, ticket already advanced",
			zap.Int("observed", observed),
			zap.Int("current", c.ticket),
		)
		return nil
	}

	if err := c.authenticator.Authenticate(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	c.ticket++
	c.logger.Debug("session re-authenticated", zap.Int("ticket", c.ticket))

	// Saving cookies right away means the next run reuses this login even
	// if the current one crashes later.
	if c.persist != nil {
		c.persist(ctx)
	}
	return nil
}

func (c *Coordinator) acquire(ctx context.Context) error {
	select {
	case c.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) release() {
	<-c.gate
}
