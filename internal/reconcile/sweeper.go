package reconcile

import (
	"context"
	"log"

	"github.com/hibiken/asynq"
)

// SessionExpirer marks overdue sessions expired.
type SessionExpirer interface {
	ExpireStaleSessions(ctx context.Context) (int64, error)
}

// Sweeper runs the periodic session expiry pass. A session past its
// expires_at that never received a terminal transaction update becomes
// expired and drops out of polling selection. Expiry does not cancel
// in-flight provider processing.
type Sweeper struct {
	sessions SessionExpirer
}

// NewSweeper creates the session expiry sweeper
func NewSweeper(sessions SessionExpirer) *Sweeper {
	return &Sweeper{sessions: sessions}
}

// HandleExpireTask adapts the sweep to an asynq handler.
func (s *Sweeper) HandleExpireTask(ctx context.Context, _ *asynq.Task) error {
	n, err := s.sessions.ExpireStaleSessions(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("Expired %d overdue payment session(s)", n)
	}
	return nil
}
