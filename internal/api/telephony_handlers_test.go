package api

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/voxjournal/voxjournal/internal/clock"
	"github.com/voxjournal/voxjournal/internal/config"
	"github.com/voxjournal/voxjournal/internal/database"
	"github.com/voxjournal/voxjournal/internal/database/models"
	"github.com/voxjournal/voxjournal/internal/dialog"
	telmock "github.com/voxjournal/voxjournal/internal/provider/telephony/mock"
	"github.com/voxjournal/voxjournal/internal/provider/tts"
	ttsmock "github.com/voxjournal/voxjournal/internal/provider/tts/mock"
	"github.com/voxjournal/voxjournal/internal/schedule"
)

type fixture struct {
	srv       *Server
	clk       *clock.Fake
	crypto    *database.Encryptor
	cache     *tts.Cache
	profiles  database.ProfileRepository
	sessions  database.SessionRepository
	calls     database.PhoneCallRepository
	scheduled database.ScheduledCallRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open("", t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC))
	tel := &telmock.Provider{}
	crypto, err := database.NewEncryptor(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("creating encryptor: %v", err)
	}

	profiles := database.NewProfileRepository(db)
	sessions := database.NewSessionRepository(db)
	calls := database.NewPhoneCallRepository(db)
	scheduled := database.NewScheduledCallRepository(db)

	runtime := dialog.New(dialog.Config{
		Profiles:  profiles,
		Sessions:  sessions,
		Responses: database.NewResponseRepository(db),
		Calls:     calls,
		Scheduled: scheduled,
		Entries:   database.NewEntryRepository(db),
		Telephony: tel,
		Clock:     clk,
		Logger:    slog.Default(),
	})
	dispatcher := &schedule.Dispatcher{
		Scheduled: scheduled,
		Sessions:  sessions,
		Calls:     calls,
		Templates: database.NewPromptTemplateRepository(db),
		Profiles:  profiles,
		Telephony: tel,
		Clock:     clk,
		Logger:    slog.Default(),
	}
	cache := tts.NewCache(&ttsmock.Provider{}, 16)

	srv := NewServer(Deps{
		Cfg:        &config.Config{BaseURL: "https://vox.example.com"},
		Profiles:   profiles,
		Sessions:   sessions,
		Calls:      calls,
		Scheduled:  scheduled,
		Runtime:    runtime,
		Dispatcher: dispatcher,
		TTS:        cache,
		Voice:      tts.VoiceProfile{ID: "test-voice", SpeedFactor: 1},
		Crypto:     crypto,
		Gatherer:   prometheus.NewRegistry(),
		Clock:      clk,
		Logger:     slog.Default(),
	})
	t.Cleanup(srv.Close)

	return &fixture{
		srv:       srv,
		clk:       clk,
		crypto:    crypto,
		cache:     cache,
		profiles:  profiles,
		sessions:  sessions,
		calls:     calls,
		scheduled: scheduled,
	}
}

// seedLiveCall creates the profile, session, claimed scheduled call, and
// phone call a mid-flight dial would have, keyed by the given carrier SID.
func (f *fixture) seedLiveCall(t *testing.T, sid string, status models.CallStatus) *models.PhoneCall {
	t.Helper()
	ctx := context.Background()
	now := f.clk.Now()

	if err := f.profiles.Upsert(ctx, &models.Profile{
		UserID:      "alice",
		PhoneNumber: "+15551230001",
		DisplayName: "Alice",
		Timezone:    "UTC",
		MaxRetries:  3,
	}); err != nil {
		t.Fatalf("seeding profile: %v", err)
	}

	prompts := []models.Prompt{{PromptID: "p1", PromptText: "What are you grateful for?"}}
	session := &models.ReflectionSession{
		ID:        uuid.NewString(),
		UserID:    "alice",
		Method:    models.MethodPhone,
		Status:    models.SessionInProgress,
		Prompts:   prompts,
		StartedAt: now,
	}
	if err := f.sessions.Create(ctx, session); err != nil {
		t.Fatalf("seeding session: %v", err)
	}

	sc := &models.ScheduledCall{
		ID:           uuid.NewString(),
		UserID:       "alice",
		SessionID:    session.ID,
		PhoneNumber:  "+15551230001",
		ScheduledFor: now,
		Status:       models.ScheduledPending,
		MaxRetries:   3,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := f.scheduled.Create(ctx, sc); err != nil {
		t.Fatalf("seeding scheduled call: %v", err)
	}
	if won, err := f.scheduled.Claim(ctx, sc.ID); err != nil || !won {
		t.Fatalf("claiming scheduled call: won=%v err=%v", won, err)
	}

	pc := &models.PhoneCall{
		ID:          uuid.NewString(),
		UserID:      "alice",
		SessionID:   session.ID,
		Status:      models.CallInitiated,
		Prompts:     prompts,
		InitiatedAt: now,
	}
	if err := f.calls.Create(ctx, pc); err != nil {
		t.Fatalf("seeding phone call: %v", err)
	}
	if err := f.calls.AssignSID(ctx, pc.ID, sid); err != nil {
		t.Fatalf("assigning sid: %v", err)
	}
	if status != models.CallInitiated {
		if err := f.calls.MarkConnected(ctx, pc.ID, now); err != nil {
			t.Fatalf("marking connected: %v", err)
		}
	}
	if status.Terminal() {
		if err := f.calls.Finish(ctx, pc.ID, status, now); err != nil {
			t.Fatalf("finishing call: %v", err)
		}
	}
	return pc
}

func postForm(t *testing.T, srv *Server, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestAnswerWebhookConnectsAndBridgesStream(t *testing.T) {
	f := newFixture(t)
	pc := f.seedLiveCall(t, "CA100", models.CallInitiated)

	rec := postForm(t, f.srv, "/telephony/answer", url.Values{"CallSid": {"CA100"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "wss://vox.example.com/telephony/stream") {
		t.Errorf("instructions missing stream url: %s", body)
	}
	if !strings.Contains(body, "https://vox.example.com/audio/") {
		t.Errorf("instructions missing greeting clip: %s", body)
	}

	stored, err := f.calls.Get(context.Background(), pc.ID)
	if err != nil {
		t.Fatalf("loading call: %v", err)
	}
	if stored.Status != models.CallConnected {
		t.Errorf("call status = %s, want CONNECTED", stored.Status)
	}
}

func TestAnswerWebhookIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedLiveCall(t, "CA101", models.CallConnected)

	rec := postForm(t, f.srv, "/telephony/answer", url.Values{"CallSid": {"CA101"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Connect>") {
		t.Errorf("repeat delivery should return the same instructions: %s", rec.Body.String())
	}
}

func TestAnswerWebhookUnknownCallHoldsThenRejects(t *testing.T) {
	f := newFixture(t)

	// First delivery: the dispatcher may not have committed the SID yet,
	// so the caller is parked instead of hung up on.
	rec := postForm(t, f.srv, "/telephony/answer", url.Values{"CallSid": {"CA-unknown"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<Pause") {
		t.Errorf("hold instructions missing pause: %s", body)
	}
	if !strings.Contains(body, "<Redirect>https://vox.example.com/telephony/answer?retry=1</Redirect>") {
		t.Errorf("hold instructions missing retry redirect: %s", body)
	}
	if strings.Contains(body, "<Hangup") {
		t.Errorf("first unknown delivery must not hang up: %s", body)
	}

	// The retried delivery still finds nothing: a genuinely unknown call.
	rec = postForm(t, f.srv, "/telephony/answer?retry=1", url.Values{"CallSid": {"CA-unknown"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d, want 200", rec.Code)
	}
	body = rec.Body.String()
	if !strings.Contains(body, "<Hangup") {
		t.Errorf("reject instructions missing hangup: %s", body)
	}
	if !strings.Contains(body, "cannot receive calls") {
		t.Errorf("reject instructions missing message: %s", body)
	}
}

func TestAnswerWebhookRetryProceedsOnceCallRowLands(t *testing.T) {
	f := newFixture(t)

	rec := postForm(t, f.srv, "/telephony/answer", url.Values{"CallSid": {"CA-racing"}})
	if !strings.Contains(rec.Body.String(), "<Redirect>") {
		t.Fatalf("expected hold instructions: %s", rec.Body.String())
	}

	// The dispatcher's SID write lands while the caller is parked.
	pc := f.seedLiveCall(t, "CA-racing", models.CallInitiated)

	rec = postForm(t, f.srv, "/telephony/answer?retry=1", url.Values{"CallSid": {"CA-racing"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Connect>") {
		t.Errorf("retried answer should bridge the stream: %s", rec.Body.String())
	}
	stored, err := f.calls.Get(context.Background(), pc.ID)
	if err != nil {
		t.Fatalf("loading call: %v", err)
	}
	if stored.Status != models.CallConnected {
		t.Errorf("call status = %s, want CONNECTED", stored.Status)
	}
}

func TestStatusWebhookNoAnswerRequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pc := f.seedLiveCall(t, "CA200", models.CallInitiated)

	rec := postForm(t, f.srv, "/telephony/status",
		url.Values{"CallSid": {"CA200"}, "CallStatus": {"no-answer"}})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	stored, err := f.calls.Get(ctx, pc.ID)
	if err != nil {
		t.Fatalf("loading call: %v", err)
	}
	if stored.Status != models.CallFailed {
		t.Errorf("call status = %s, want FAILED", stored.Status)
	}

	sc, err := f.scheduled.GetBySession(ctx, pc.SessionID)
	if err != nil {
		t.Fatalf("loading scheduled call: %v", err)
	}
	if sc.Status != models.ScheduledPending {
		t.Errorf("scheduled status = %s, want PENDING for retry", sc.Status)
	}
	if sc.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", sc.AttemptCount)
	}
	if sc.NextAttemptAt == nil || !sc.NextAttemptAt.After(f.clk.Now()) {
		t.Errorf("next attempt = %v, want future backoff", sc.NextAttemptAt)
	}

	session, err := f.sessions.GetInProgressByUser(ctx, "alice")
	if err != nil || session == nil {
		t.Errorf("session must survive a retryable failure, got (%v, %v)", session, err)
	}
}

func TestStatusWebhookMidCallHangupAbandonsAndRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pc := f.seedLiveCall(t, "CA201", models.CallConnected)

	rec := postForm(t, f.srv, "/telephony/status",
		url.Values{"CallSid": {"CA201"}, "CallStatus": {"completed"}})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	stored, err := f.calls.Get(ctx, pc.ID)
	if err != nil {
		t.Fatalf("loading call: %v", err)
	}
	if stored.Status != models.CallAbandoned {
		t.Errorf("call status = %s, want ABANDONED", stored.Status)
	}

	session, err := f.sessions.Get(ctx, pc.SessionID)
	if err != nil {
		t.Fatalf("loading session: %v", err)
	}
	if session.Status != models.SessionAbandoned {
		t.Errorf("session status = %s, want ABANDONED", session.Status)
	}

	// The hangup spends one attempt; the call is redialed after backoff.
	sc, err := f.scheduled.GetBySession(ctx, pc.SessionID)
	if err != nil {
		t.Fatalf("loading scheduled call: %v", err)
	}
	if sc.Status != models.ScheduledPending {
		t.Errorf("scheduled status = %s, want PENDING for retry", sc.Status)
	}
	if sc.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", sc.AttemptCount)
	}
	if sc.NextAttemptAt == nil || !sc.NextAttemptAt.After(f.clk.Now()) {
		t.Errorf("next attempt = %v, want future backoff", sc.NextAttemptAt)
	}
}

func TestStatusWebhookAfterLocalCompletionIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pc := f.seedLiveCall(t, "CA202", models.CallCompleted)

	rec := postForm(t, f.srv, "/telephony/status",
		url.Values{"CallSid": {"CA202"}, "CallStatus": {"completed"}})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	stored, err := f.calls.Get(ctx, pc.ID)
	if err != nil {
		t.Fatalf("loading call: %v", err)
	}
	if stored.Status != models.CallCompleted {
		t.Errorf("call status = %s, COMPLETED must be sticky", stored.Status)
	}
	if s, err := f.sessions.GetInProgressByUser(ctx, "alice"); err != nil || s == nil {
		t.Errorf("late webhook must not touch the session, got (%v, %v)", s, err)
	}
}

func TestStatusWebhookIgnoresNonTerminalStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pc := f.seedLiveCall(t, "CA203", models.CallInitiated)

	rec := postForm(t, f.srv, "/telephony/status",
		url.Values{"CallSid": {"CA203"}, "CallStatus": {"ringing"}})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	stored, err := f.calls.Get(ctx, pc.ID)
	if err != nil {
		t.Fatalf("loading call: %v", err)
	}
	if stored.Status != models.CallInitiated {
		t.Errorf("call status = %s, want INITIATED untouched", stored.Status)
	}
}

func TestRecordingWebhookStoresEncryptedURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pc := f.seedLiveCall(t, "CA300", models.CallConnected)

	const plainURL = "https://carrier.example.com/recordings/RE123"
	rec := postForm(t, f.srv, "/telephony/recording",
		url.Values{"CallSid": {"CA300"}, "RecordingUrl": {plainURL}})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	session, err := f.sessions.Get(ctx, pc.SessionID)
	if err != nil {
		t.Fatalf("loading session: %v", err)
	}
	if session.RecordingURL == "" {
		t.Fatal("recording url not stored")
	}
	if session.RecordingURL == plainURL {
		t.Fatal("recording url stored in plaintext")
	}
	decrypted, err := f.crypto.DecryptRecordingURL("alice", session.RecordingURL)
	if err != nil {
		t.Fatalf("decrypting stored url: %v", err)
	}
	if decrypted != plainURL {
		t.Errorf("decrypted url = %q, want %q", decrypted, plainURL)
	}
}

func TestAudioServesCachedClip(t *testing.T) {
	f := newFixture(t)
	voice := tts.VoiceProfile{ID: "test-voice", SpeedFactor: 1}
	audio, err := f.cache.Synthesize(context.Background(), "hello there", voice)
	if err != nil {
		t.Fatalf("warming cache: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/audio/"+tts.Key("hello there", voice), nil)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/basic" {
		t.Errorf("content type = %q", ct)
	}
	if !bytes.Equal(rec.Body.Bytes(), audio) {
		t.Error("served clip differs from cached audio")
	}

	req = httptest.NewRequest(http.MethodGet, "/audio/no-such-key", nil)
	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing clip status = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}
