package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/voxjournal/voxjournal/internal/database/models"
)

var testTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open("", t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	db, err := Open("", dir)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	db.Close()

	db, err = Open("", dir)
	if err != nil {
		t.Fatalf("reopen with applied migrations: %v", err)
	}
	db.Close()
}

func newScheduledCall(sessionID string) *models.ScheduledCall {
	return &models.ScheduledCall{
		ID:           uuid.NewString(),
		UserID:       "alice",
		SessionID:    sessionID,
		PhoneNumber:  "+15551230001",
		ScheduledFor: testTime,
		Status:       models.ScheduledPending,
		MaxRetries:   3,
		CreatedAt:    testTime,
		UpdatedAt:    testTime,
	}
}

func TestScheduledCallClaimSingleWinner(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewScheduledCallRepository(db)

	sc := newScheduledCall(uuid.NewString())
	if err := repo.Create(ctx, sc); err != nil {
		t.Fatalf("creating scheduled call: %v", err)
	}

	const racers = 8
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := repo.Claim(ctx, sc.ID)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("claim winners = %d, want exactly 1", wins)
	}
	got, err := repo.Get(ctx, sc.ID)
	if err != nil {
		t.Fatalf("loading scheduled call: %v", err)
	}
	if got.Status != models.ScheduledInProgress {
		t.Errorf("status = %s, want IN_PROGRESS", got.Status)
	}
}

func TestScheduledCallRequeueAndBackoff(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewScheduledCallRepository(db)

	sc := newScheduledCall(uuid.NewString())
	if err := repo.Create(ctx, sc); err != nil {
		t.Fatalf("creating scheduled call: %v", err)
	}

	// Requeue only applies to a claimed call.
	next := testTime.Add(5 * time.Minute)
	if err := repo.Requeue(ctx, sc.ID, 1, next, "busy"); !errors.Is(err, ErrPrecondition) {
		t.Errorf("requeue on PENDING = %v, want ErrPrecondition", err)
	}

	if won, err := repo.Claim(ctx, sc.ID); err != nil || !won {
		t.Fatalf("claim: won=%v err=%v", won, err)
	}
	if err := repo.Requeue(ctx, sc.ID, 1, next, "busy"); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	// Backoff gates ListDue until the deadline passes.
	due, err := repo.ListDue(ctx, testTime.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("listing due before backoff: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("due before backoff = %d, want 0", len(due))
	}
	due, err = repo.ListDue(ctx, next.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("listing due after backoff: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due after backoff = %d, want 1", len(due))
	}
	if due[0].AttemptCount != 1 || due[0].LastError != "busy" {
		t.Errorf("requeued row = attempts %d, last error %q", due[0].AttemptCount, due[0].LastError)
	}
}

func TestScheduledCallOnePerSession(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewScheduledCallRepository(db)

	sessionID := uuid.NewString()
	if err := repo.Create(ctx, newScheduledCall(sessionID)); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := repo.Create(ctx, newScheduledCall(sessionID))
	if !errors.Is(err, ErrConflict) {
		t.Errorf("second non-terminal call for session = %v, want ErrConflict", err)
	}
}

func newSession(userID string) *models.ReflectionSession {
	return &models.ReflectionSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Method:    models.MethodPhone,
		Status:    models.SessionInProgress,
		Prompts:   []models.Prompt{{PromptID: "p1", PromptText: "What are you grateful for?"}},
		StartedAt: testTime,
	}
}

func TestSessionOneInProgressPerUser(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewSessionRepository(db)

	first := newSession("alice")
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := repo.Create(ctx, newSession("alice")); !errors.Is(err, ErrConflict) {
		t.Errorf("second in-progress session = %v, want ErrConflict", err)
	}

	// A finished session frees the slot.
	if err := repo.Finish(ctx, first.ID, models.SessionCompleted, testTime); err != nil {
		t.Fatalf("finishing session: %v", err)
	}
	if err := repo.Create(ctx, newSession("alice")); err != nil {
		t.Errorf("create after finish: %v", err)
	}
}

func TestSessionRatingBounds(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewSessionRepository(db)

	s := newSession("alice")
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("creating session: %v", err)
	}

	if err := repo.SetRating(ctx, s.ID, 3); !errors.Is(err, ErrPrecondition) {
		t.Errorf("rating 3 = %v, want ErrPrecondition", err)
	}
	if err := repo.SetRating(ctx, s.ID, -2); err != nil {
		t.Fatalf("rating -2: %v", err)
	}
	got, err := repo.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("loading session: %v", err)
	}
	if got.Rating == nil || *got.Rating != -2 {
		t.Errorf("stored rating = %v, want -2", got.Rating)
	}
}

func TestSessionFinishIsSticky(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewSessionRepository(db)

	s := newSession("alice")
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("creating session: %v", err)
	}
	if err := repo.Finish(ctx, s.ID, models.SessionCompleted, testTime); err != nil {
		t.Fatalf("first finish: %v", err)
	}
	// Duplicate webhook delivery tries to abandon a completed session.
	if err := repo.Finish(ctx, s.ID, models.SessionAbandoned, testTime.Add(time.Minute)); err != nil {
		t.Fatalf("second finish: %v", err)
	}

	got, err := repo.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("loading session: %v", err)
	}
	if got.Status != models.SessionCompleted {
		t.Errorf("status = %s, COMPLETED must be sticky", got.Status)
	}
}

func TestSessionReopenClearsAbortedAttempt(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewSessionRepository(db)
	responses := NewResponseRepository(db)

	s := newSession("alice")
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("creating session: %v", err)
	}
	err := responses.Create(ctx, &models.PromptResponse{
		ID:               uuid.NewString(),
		SessionID:        s.ID,
		PromptID:         "p1",
		PromptText:       "What are you grateful for?",
		Position:         1,
		ResponseText:     "my family",
		ResponseStarted:  testTime,
		ResponseFinished: testTime,
	})
	if err != nil {
		t.Fatalf("seeding response: %v", err)
	}
	if err := repo.SetRating(ctx, s.ID, 1); err != nil {
		t.Fatalf("seeding rating: %v", err)
	}
	if err := repo.Finish(ctx, s.ID, models.SessionAbandoned, testTime); err != nil {
		t.Fatalf("abandoning session: %v", err)
	}

	if err := repo.Reopen(ctx, s.ID); err != nil {
		t.Fatalf("reopen: %v", err)
	}

	got, err := repo.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("loading session: %v", err)
	}
	if got.Status != models.SessionInProgress {
		t.Errorf("status = %s, want IN_PROGRESS", got.Status)
	}
	if got.EndedAt != nil {
		t.Errorf("ended at = %v, want cleared", got.EndedAt)
	}
	if got.Rating != nil {
		t.Errorf("rating = %v, want cleared", got.Rating)
	}
	count, err := responses.CountBySession(ctx, s.ID)
	if err != nil {
		t.Fatalf("counting responses: %v", err)
	}
	if count != 0 {
		t.Errorf("responses = %d, want 0 after reopen", count)
	}
}

func TestSessionReopenRefusesCompleted(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewSessionRepository(db)

	s := newSession("alice")
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("creating session: %v", err)
	}
	if err := repo.Finish(ctx, s.ID, models.SessionCompleted, testTime); err != nil {
		t.Fatalf("completing session: %v", err)
	}
	if err := repo.Reopen(ctx, s.ID); !errors.Is(err, ErrPrecondition) {
		t.Errorf("reopen of completed session = %v, want ErrPrecondition", err)
	}
}

func newPhoneCall(userID string) *models.PhoneCall {
	return &models.PhoneCall{
		ID:           uuid.NewString(),
		UserID:       userID,
		SessionID:    uuid.NewString(),
		Status:       models.CallInitiated,
		Prompts:      []models.Prompt{{PromptID: "p1", PromptText: "What are you grateful for?"}},
		LastSpeechAt: testTime,
		InitiatedAt:  testTime,
	}
}

func TestPhoneCallAssignSIDExactlyOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewPhoneCallRepository(db)

	pc := newPhoneCall("alice")
	if err := repo.Create(ctx, pc); err != nil {
		t.Fatalf("creating phone call: %v", err)
	}
	if err := repo.AssignSID(ctx, pc.ID, "CA1"); err != nil {
		t.Fatalf("first assignment: %v", err)
	}
	if err := repo.AssignSID(ctx, pc.ID, "CA2"); !errors.Is(err, ErrPrecondition) {
		t.Errorf("second assignment = %v, want ErrPrecondition", err)
	}

	got, err := repo.GetBySID(ctx, "CA1")
	if err != nil {
		t.Fatalf("lookup by sid: %v", err)
	}
	if got.ID != pc.ID {
		t.Errorf("lookup returned call %s, want %s", got.ID, pc.ID)
	}
	if _, err := repo.GetBySID(ctx, "CA2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rejected sid lookup = %v, want ErrNotFound", err)
	}
}

func TestPhoneCallBufferAndAdvance(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewPhoneCallRepository(db)

	pc := newPhoneCall("alice")
	if err := repo.Create(ctx, pc); err != nil {
		t.Fatalf("creating phone call: %v", err)
	}

	// The buffer only accepts segments on a connected call.
	if err := repo.AppendBuffer(ctx, pc.ID, "my family", testTime); !errors.Is(err, ErrPrecondition) {
		t.Errorf("append before connect = %v, want ErrPrecondition", err)
	}
	if err := repo.MarkConnected(ctx, pc.ID, testTime); err != nil {
		t.Fatalf("marking connected: %v", err)
	}
	if err := repo.AppendBuffer(ctx, pc.ID, "my family", testTime); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := repo.AppendBuffer(ctx, pc.ID, "and my health", testTime.Add(time.Second)); err != nil {
		t.Fatalf("second append: %v", err)
	}

	got, err := repo.Get(ctx, pc.ID)
	if err != nil {
		t.Fatalf("loading call: %v", err)
	}
	if got.ResponseBuffer != "my family and my health" {
		t.Errorf("buffer = %q, want segments joined with a space", got.ResponseBuffer)
	}

	// Advance is guarded on the current index, so a duplicate is rejected
	// instead of skipping a prompt.
	if err := repo.Advance(ctx, pc.ID, 1); !errors.Is(err, ErrPrecondition) {
		t.Errorf("advance from wrong index = %v, want ErrPrecondition", err)
	}
	if err := repo.Advance(ctx, pc.ID, 0); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, err = repo.Get(ctx, pc.ID)
	if err != nil {
		t.Fatalf("reloading call: %v", err)
	}
	if got.PromptIndex != 1 {
		t.Errorf("prompt index = %d, want 1", got.PromptIndex)
	}
	if got.ResponseBuffer != "" {
		t.Errorf("buffer = %q, want cleared after advance", got.ResponseBuffer)
	}
}

func TestPhoneCallTerminalIsSticky(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewPhoneCallRepository(db)

	pc := newPhoneCall("alice")
	if err := repo.Create(ctx, pc); err != nil {
		t.Fatalf("creating phone call: %v", err)
	}
	if err := repo.Finish(ctx, pc.ID, models.CallFailed, testTime); err != nil {
		t.Fatalf("first finish: %v", err)
	}
	if err := repo.Finish(ctx, pc.ID, models.CallCompleted, testTime.Add(time.Minute)); err != nil {
		t.Fatalf("second finish: %v", err)
	}

	got, err := repo.Get(ctx, pc.ID)
	if err != nil {
		t.Fatalf("loading call: %v", err)
	}
	if got.Status != models.CallFailed {
		t.Errorf("status = %s, FAILED must be sticky", got.Status)
	}
}

func TestPhoneCallOneActivePerUser(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewPhoneCallRepository(db)

	if err := repo.Create(ctx, newPhoneCall("alice")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := repo.Create(ctx, newPhoneCall("alice")); !errors.Is(err, ErrConflict) {
		t.Errorf("second active call = %v, want ErrConflict", err)
	}
}

func TestResponsePositionsAreContiguous(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewResponseRepository(db)

	sessionID := uuid.NewString()
	mk := func(pos int) *models.PromptResponse {
		return &models.PromptResponse{
			ID:               uuid.NewString(),
			SessionID:        sessionID,
			PromptID:         "p1",
			PromptText:       "What are you grateful for?",
			Position:         pos,
			ResponseText:     "my family",
			ResponseStarted:  testTime,
			ResponseFinished: testTime.Add(10 * time.Second),
		}
	}

	if err := repo.Create(ctx, mk(1)); err != nil {
		t.Fatalf("first response: %v", err)
	}
	if err := repo.Create(ctx, mk(1)); !errors.Is(err, ErrPrecondition) {
		t.Errorf("duplicate position = %v, want ErrPrecondition", err)
	}
	if err := repo.Create(ctx, mk(3)); !errors.Is(err, ErrPrecondition) {
		t.Errorf("position gap = %v, want ErrPrecondition", err)
	}
	if err := repo.Create(ctx, mk(2)); err != nil {
		t.Fatalf("second response: %v", err)
	}

	n, err := repo.CountBySession(ctx, sessionID)
	if err != nil {
		t.Fatalf("counting responses: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func newEntry(userID, localDate string) *models.JournalEntry {
	return &models.JournalEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: uuid.NewString(),
		LocalDate: localDate,
		Responses: []models.PromptResponse{
			{
				Position:         1,
				PromptID:         "p1",
				PromptText:       "What are you grateful for?",
				ResponseText:     "my family",
				ResponseStarted:  testTime,
				ResponseFinished: testTime.Add(10 * time.Second),
			},
			{
				Position:         2,
				PromptID:         "p2",
				PromptText:       "What challenged you?",
				ResponseText:     "the morning commute",
				ResponseStarted:  testTime.Add(20 * time.Second),
				ResponseFinished: testTime.Add(30 * time.Second),
			},
		},
		CreatedAt: testTime,
	}
}

func TestEntryUniquePerUserDate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewEntryRepository(db)

	first := newEntry("alice", "2026-03-02")
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("first entry: %v", err)
	}
	if err := repo.Create(ctx, newEntry("alice", "2026-03-02")); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate day = %v, want ErrConflict", err)
	}

	// The losing write must not have disturbed the first entry.
	got, err := repo.GetByUserDate(ctx, "alice", "2026-03-02")
	if err != nil {
		t.Fatalf("loading entry: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("stored entry = %s, want the first writer %s", got.ID, first.ID)
	}
	if len(got.Responses) != 2 {
		t.Errorf("responses = %d, want 2", len(got.Responses))
	}

	// Another user and another day are both fine.
	if err := repo.Create(ctx, newEntry("bob", "2026-03-02")); err != nil {
		t.Errorf("other user same day: %v", err)
	}
	if err := repo.Create(ctx, newEntry("alice", "2026-03-03")); err != nil {
		t.Errorf("same user next day: %v", err)
	}
}

func TestEntryDeleteCascadesResponsesOnly(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	entries := NewEntryRepository(db)
	sessions := NewSessionRepository(db)

	session := newSession("alice")
	if err := sessions.Create(ctx, session); err != nil {
		t.Fatalf("creating session: %v", err)
	}
	e := newEntry("alice", "2026-03-02")
	e.SessionID = session.ID
	if err := entries.Create(ctx, e); err != nil {
		t.Fatalf("creating entry: %v", err)
	}

	if err := entries.Delete(ctx, e.ID); err != nil {
		t.Fatalf("deleting entry: %v", err)
	}
	if _, err := entries.GetByUserDate(ctx, "alice", "2026-03-02"); !errors.Is(err, ErrNotFound) {
		t.Errorf("entry after delete = %v, want ErrNotFound", err)
	}

	var orphans int
	if err := db.QueryRow(db.rebind(
		`SELECT COUNT(*) FROM journal_entry_responses WHERE entry_id = ?`), e.ID).Scan(&orphans); err != nil {
		t.Fatalf("counting snapshot rows: %v", err)
	}
	if orphans != 0 {
		t.Errorf("snapshot rows after delete = %d, want 0", orphans)
	}

	// The source session survives an entry deletion.
	if _, err := sessions.Get(ctx, session.ID); err != nil {
		t.Errorf("session after entry delete: %v", err)
	}

	if err := entries.Delete(ctx, e.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete = %v, want ErrNotFound", err)
	}
}
