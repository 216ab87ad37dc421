package orchestrator

import (
	"context"
	"time"

	"crewroom/internal/domain"
	"crewroom/internal/fsm"
	"crewroom/internal/store/sqlite"
)

// sweepLoop runs the readiness sweep on a fixed interval until ctx is
// canceled.
func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce marks participants whose readiness window elapsed as gone and
// resets their in-progress tasks back to pending so the work is not stranded.
// Each participant is handled in its own transaction; failures are logged
// and skipped, never raised, and the next tick retries naturally.
func (s *Service) SweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	stale, err := s.store.Read().ListStaleParticipants(ctx, now, 100)
	if err != nil {
		s.logger.Printf("sweep: list stale participants: %v", err)
		return
	}

	for _, p := range stale {
		if err := s.sweepParticipant(ctx, p, now); err != nil {
			s.logger.Printf("sweep: chatroom=%s role=%s: %v", p.ChatroomID, p.Role, err)
		}
	}
}

func (s *Service) sweepParticipant(ctx context.Context, p domain.Participant, now time.Time) error {
	return s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		fresh, err := tx.GetParticipant(ctx, p.ChatroomID, p.Role)
		if err != nil {
			return err
		}
		// A heartbeat may have landed between the read and this transaction.
		if !fresh.Stale(now) || fresh.Status == domain.ParticipantStatusGone {
			return nil
		}

		if err := tx.SetParticipantStatus(ctx, p.ChatroomID, p.Role, domain.ParticipantStatusGone, now); err != nil {
			return err
		}

		stuck, err := tx.ListInProgressAssignedTo(ctx, p.ChatroomID, p.Role)
		if err != nil {
			return err
		}
		for i := range stuck {
			task := stuck[i]
			if err := s.transitionAndSave(ctx, tx, &task, domain.TaskStatusPending, fsm.TriggerResetStuck, now, fsm.Fields{}); err != nil {
				return err
			}
			s.logger.Printf("sweep: reset stuck task %s in chatroom %s (was assigned to %s)", task.ID, p.ChatroomID, p.Role)
		}
		return nil
	})
}
