package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"crewroom/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func seedRoom(t *testing.T, store *Store, roles ...string) domain.Chatroom {
	t.Helper()
	if len(roles) == 0 {
		roles = []string{"planner", "builder"}
	}
	now := time.Now().UTC().Truncate(time.Second)
	room := domain.Chatroom{
		ID:             uuid.NewString(),
		Roles:          roles,
		EntryRole:      roles[0],
		LastActivityAt: now,
		CreatedAt:      now,
	}
	err := store.WithTx(context.Background(), func(tx *Tx) error {
		return tx.CreateChatroom(context.Background(), room)
	})
	if err != nil {
		t.Fatalf("create chatroom: %v", err)
	}
	return room
}

func TestChatroomRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	room := seedRoom(t, store, "planner", "builder", "tester")

	got, err := store.Read().GetChatroom(ctx, room.ID)
	if err != nil {
		t.Fatalf("get chatroom: %v", err)
	}
	if got.EntryRole != "planner" || len(got.Roles) != 3 {
		t.Fatalf("chatroom = %+v", got)
	}

	if _, err := store.Read().GetChatroom(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing chatroom err = %v, want ErrNotFound", err)
	}
}

func TestNextQueuePositionIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	room := seedRoom(t, store)

	var positions []int64
	for i := 0; i < 5; i++ {
		err := store.WithTx(ctx, func(tx *Tx) error {
			pos, err := tx.NextQueuePosition(ctx, room.ID, time.Now().UTC())
			if err != nil {
				return err
			}
			positions = append(positions, pos)
			return nil
		})
		if err != nil {
			t.Fatalf("next position: %v", err)
		}
	}
	for i, pos := range positions {
		if pos != int64(i+1) {
			t.Fatalf("positions = %v, want 1..5", positions)
		}
	}

	err := store.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.NextQueuePosition(ctx, "missing", time.Now().UTC())
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing room err = %v, want ErrNotFound", err)
	}
}

func TestTaskSaveAndQueries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	room := seedRoom(t, store)
	now := time.Now().UTC().Truncate(time.Second)

	mkTask := func(status domain.TaskStatus, pos int64) domain.Task {
		return domain.Task{
			ID:            uuid.NewString(),
			ChatroomID:    room.ID,
			Status:        status,
			Origin:        domain.TaskOriginChat,
			Content:       "work",
			CreatedBy:     domain.RoleUser,
			QueuePosition: pos,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}
	pending := mkTask(domain.TaskStatusPending, 1)
	queuedA := mkTask(domain.TaskStatusQueued, 2)
	queuedB := mkTask(domain.TaskStatusQueued, 3)

	err := store.WithTx(ctx, func(tx *Tx) error {
		for _, task := range []domain.Task{pending, queuedA, queuedB} {
			if err := tx.InsertTask(ctx, task); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert tasks: %v", err)
	}

	active, ok, err := store.Read().ActiveTask(ctx, room.ID)
	if err != nil || !ok || active.ID != pending.ID {
		t.Fatalf("active task = %+v ok=%t err=%v", active, ok, err)
	}

	next, ok, err := store.Read().MinQueuedTask(ctx, room.ID)
	if err != nil || !ok || next.ID != queuedA.ID {
		t.Fatalf("min queued = %+v ok=%t err=%v", next, ok, err)
	}

	queued, err := store.Read().ListTasksByStatus(ctx, room.ID, domain.TaskStatusQueued)
	if err != nil || len(queued) != 2 {
		t.Fatalf("queued list len=%d err=%v", len(queued), err)
	}

	pending.Status = domain.TaskStatusInProgress
	pending.AssignedTo = "builder"
	pending.ParentTaskIDs = []string{"p1", "p2"}
	startedAt := now.Add(time.Minute)
	pending.StartedAt = &startedAt
	err = store.WithTx(ctx, func(tx *Tx) error {
		return tx.SaveTask(ctx, pending)
	})
	if err != nil {
		t.Fatalf("save task: %v", err)
	}

	got, err := store.Read().GetTask(ctx, pending.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.TaskStatusInProgress || got.AssignedTo != "builder" {
		t.Fatalf("task = %+v", got)
	}
	if len(got.ParentTaskIDs) != 2 || got.ParentTaskIDs[0] != "p1" {
		t.Fatalf("parents = %v", got.ParentTaskIDs)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(startedAt) {
		t.Fatalf("startedAt = %v, want %v", got.StartedAt, startedAt)
	}

	inProgress, err := store.Read().ListInProgressAssignedTo(ctx, room.ID, "builder")
	if err != nil || len(inProgress) != 1 {
		t.Fatalf("in progress len=%d err=%v", len(inProgress), err)
	}

	missing := got
	missing.ID = "missing"
	err = store.WithTx(ctx, func(tx *Tx) error {
		return tx.SaveTask(ctx, missing)
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("save missing err = %v, want ErrNotFound", err)
	}
}

func TestMessageSequencingAndCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	room := seedRoom(t, store)
	now := time.Now().UTC().Truncate(time.Second)

	var seqs []int64
	err := store.WithTx(ctx, func(tx *Tx) error {
		for i := 0; i < 3; i++ {
			seq, err := tx.InsertMessage(ctx, domain.Message{
				ID:             uuid.NewString(),
				ChatroomID:     room.ID,
				SenderRole:     "planner",
				Content:        "hello",
				Type:           domain.MessageTypeMessage,
				Classification: domain.ClassificationNone,
				CreatedAt:      now,
			})
			if err != nil {
				return err
			}
			seqs = append(seqs, seq)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert messages: %v", err)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("seqs not increasing: %v", seqs)
		}
	}

	after, err := store.Read().ListMessagesAfter(ctx, room.ID, seqs[0], 10)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(after) != 2 || after[0].Seq != seqs[1] {
		t.Fatalf("after cursor = %+v", after)
	}
}

func TestLatestClassifiedUserMessage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	room := seedRoom(t, store)
	now := time.Now().UTC().Truncate(time.Second)

	insert := func(sender string, class domain.Classification) (string, int64) {
		id := uuid.NewString()
		var seq int64
		err := store.WithTx(ctx, func(tx *Tx) error {
			var err error
			seq, err = tx.InsertMessage(ctx, domain.Message{
				ID:             id,
				ChatroomID:     room.ID,
				SenderRole:     sender,
				Content:        "c",
				Type:           domain.MessageTypeMessage,
				Classification: class,
				CreatedAt:      now,
			})
			return err
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		return id, seq
	}

	insert(domain.RoleUser, domain.ClassificationQuestion)
	featureID, _ := insert(domain.RoleUser, domain.ClassificationNewFeature)
	insert("planner", domain.ClassificationNone)
	insert(domain.RoleUser, domain.ClassificationNone)
	_, followSeq := insert(domain.RoleUser, domain.ClassificationFollowUp)

	got, ok, err := store.Read().LatestClassifiedUserMessage(ctx, room.ID, followSeq)
	if err != nil || !ok {
		t.Fatalf("latest classified: ok=%t err=%v", ok, err)
	}
	if got.ID != featureID {
		t.Fatalf("latest classified = %s, want the new_feature message", got.ID)
	}
}

func TestClaimMessageIdempotentAndExclusive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	room := seedRoom(t, store)
	now := time.Now().UTC().Truncate(time.Second)

	msgID := uuid.NewString()
	err := store.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.InsertMessage(ctx, domain.Message{
			ID:             msgID,
			ChatroomID:     room.ID,
			SenderRole:     domain.RoleUser,
			Content:        "claim me",
			Type:           domain.MessageTypeMessage,
			Classification: domain.ClassificationNone,
			CreatedAt:      now,
		})
		return err
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	claim := func(role string) bool {
		var ok bool
		err := store.WithTx(ctx, func(tx *Tx) error {
			var err error
			ok, err = tx.ClaimMessage(ctx, msgID, role, now)
			return err
		})
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		return ok
	}

	if !claim("planner") {
		t.Fatalf("first claim failed")
	}
	if !claim("planner") {
		t.Fatalf("re-claim by the same role must be idempotent")
	}
	if claim("builder") {
		t.Fatalf("claim by a second role must fail")
	}

	got, err := store.Read().GetMessage(ctx, msgID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.ClaimedByRole != "planner" || got.AcknowledgedAt == nil {
		t.Fatalf("message = %+v", got)
	}
}

func TestParticipantUpsertAndStaleness(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	room := seedRoom(t, store)
	now := time.Now().UTC().Truncate(time.Second)

	p := domain.Participant{
		ChatroomID: room.ID,
		Role:       "builder",
		Status:     domain.ParticipantStatusWaiting,
		ReadyUntil: now.Add(-time.Minute),
		JoinedAt:   now.Add(-time.Hour),
		UpdatedAt:  now,
	}
	err := store.WithTx(ctx, func(tx *Tx) error {
		return tx.UpsertParticipant(ctx, p)
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	stale, err := store.Read().ListStaleParticipants(ctx, now, 10)
	if err != nil || len(stale) != 1 || stale[0].Role != "builder" {
		t.Fatalf("stale = %+v err=%v", stale, err)
	}

	// Rejoin refreshes readiness; the row stops being stale.
	p.ReadyUntil = now.Add(time.Hour)
	err = store.WithTx(ctx, func(tx *Tx) error {
		return tx.UpsertParticipant(ctx, p)
	})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	stale, err = store.Read().ListStaleParticipants(ctx, now, 10)
	if err != nil || len(stale) != 0 {
		t.Fatalf("stale after refresh = %+v err=%v", stale, err)
	}

	err = store.WithTx(ctx, func(tx *Tx) error {
		return tx.SetParticipantStatus(ctx, room.ID, "builder", domain.ParticipantStatusGone, now)
	})
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, err := store.Read().GetParticipant(ctx, room.ID, "builder")
	if err != nil || got.Status != domain.ParticipantStatusGone {
		t.Fatalf("participant = %+v err=%v", got, err)
	}

	err = store.WithTx(ctx, func(tx *Tx) error {
		return tx.SetParticipantStatus(ctx, room.ID, "ghost", domain.ParticipantStatusGone, now)
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing participant err = %v, want ErrNotFound", err)
	}
}

func TestAuditTrail(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	room := seedRoom(t, store)
	taskID := uuid.NewString()
	err := store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertTask(ctx, domain.Task{
			ID:            taskID,
			ChatroomID:    room.ID,
			Status:        domain.TaskStatusPending,
			Origin:        domain.TaskOriginChat,
			Content:       "audited work",
			CreatedBy:     domain.RoleUser,
			QueuePosition: 1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}); err != nil {
			return err
		}
		for _, rec := range []domain.AuditRecord{
			{TaskID: taskID, FromStatus: domain.TaskStatusPending, ToStatus: domain.TaskStatusAcknowledged, Trigger: "claim", CreatedAt: now},
			{TaskID: taskID, FromStatus: domain.TaskStatusAcknowledged, ToStatus: domain.TaskStatusInProgress, Trigger: "start", CreatedAt: now},
		} {
			if err := tx.InsertAudit(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert audit: %v", err)
	}

	trail, err := store.Read().ListTaskAudit(ctx, taskID, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(trail) != 2 || trail[0].Trigger != "claim" || trail[1].Trigger != "start" {
		t.Fatalf("trail = %+v", trail)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	room := seedRoom(t, store)
	now := time.Now().UTC()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertTask(ctx, domain.Task{
			ID:            "ghost-task",
			ChatroomID:    room.ID,
			Status:        domain.TaskStatusPending,
			Origin:        domain.TaskOriginChat,
			Content:       "c",
			CreatedBy:     domain.RoleUser,
			QueuePosition: 1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	if _, err := store.Read().GetTask(ctx, "ghost-task"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rolled-back task err = %v, want ErrNotFound", err)
	}
}
