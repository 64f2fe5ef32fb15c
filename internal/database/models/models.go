package models

import "time"

// ScheduledCallStatus is the lifecycle status of a ScheduledCall.
type ScheduledCallStatus string

const (
	ScheduledPending    ScheduledCallStatus = "PENDING"
	ScheduledInProgress ScheduledCallStatus = "IN_PROGRESS"
	ScheduledCompleted  ScheduledCallStatus = "COMPLETED"
	ScheduledFailed     ScheduledCallStatus = "FAILED"
	ScheduledCancelled  ScheduledCallStatus = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s ScheduledCallStatus) Terminal() bool {
	return s == ScheduledCompleted || s == ScheduledFailed || s == ScheduledCancelled
}

// SessionStatus is the lifecycle status of a ReflectionSession.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "IN_PROGRESS"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionAbandoned  SessionStatus = "ABANDONED"
)

// CallStatus is the lifecycle status of a PhoneCall.
type CallStatus string

const (
	CallInitiated CallStatus = "INITIATED"
	CallConnected CallStatus = "CONNECTED"
	CallCompleted CallStatus = "COMPLETED"
	CallFailed    CallStatus = "FAILED"
	CallAbandoned CallStatus = "ABANDONED"
)

// Terminal reports whether the status is final. Terminal statuses are sticky:
// no transition ever leaves them.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallCompleted, CallFailed, CallAbandoned:
		return true
	}
	return false
}

// Profile holds the per-user settings the orchestration engine needs.
// Account management itself lives outside this service; profiles are
// synced into the local store.
type Profile struct {
	UserID              string
	PhoneNumber         string // E.164
	DisplayName         string
	NamePronunciation   string // optional phonetic spelling for TTS
	Timezone            string // IANA name, e.g. "America/New_York"
	IncludeRatingPrompt bool
	MaxRetries          int // per scheduled call, >= 1
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PromptTemplate is one entry of a user's ordered prompt set.
type PromptTemplate struct {
	ID             string
	UserID         string
	PromptText     string
	Position       int
	Active         bool
	IsRatingPrompt bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CallWindow is a per-user availability window. Recurring windows repeat on
// a weekday; one-off windows apply to a single date. Exactly one of DayOfWeek
// or Date is meaningful, selected by Kind.
type CallWindow struct {
	ID        string
	UserID    string
	Kind      string       // "recurring" | "oneoff"
	DayOfWeek time.Weekday // recurring only
	Date      string       // oneoff only, YYYY-MM-DD
	StartTime string       // HH:MM, local to the user's timezone
	EndTime   string       // HH:MM, must sort after StartTime
	CreatedAt time.Time
}

const (
	WindowRecurring = "recurring"
	WindowOneOff    = "oneoff"
)

// DayMode selects which window variant applies for a (user, date). Absent
// rows default to recurring.
type DayMode struct {
	UserID       string
	Date         string // YYYY-MM-DD
	UseRecurring bool
}

// Prompt is a snapshot of a prompt as it will be spoken during a session.
// Sessions carry their own prompt list so later template edits never
// desynchronize an in-flight call.
type Prompt struct {
	PromptID   string `json:"prompt_id"`
	PromptText string `json:"prompt_text"`
	IsRating   bool   `json:"is_rating,omitempty"`
}

// ScheduledCall is a concrete dialed-or-dialable call materialized from a
// window. At most one non-terminal ScheduledCall exists per session.
type ScheduledCall struct {
	ID            string
	UserID        string
	SessionID     string
	PhoneNumber   string
	ScheduledFor  time.Time
	Status        ScheduledCallStatus
	AttemptCount  int
	MaxRetries    int
	NextAttemptAt *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ReflectionSession groups the prompts and responses of one journaling
// attempt. At most one IN_PROGRESS session exists per user.
type ReflectionSession struct {
	ID           string
	UserID       string
	Method       string // "PHONE" | "TEXT"
	Status       SessionStatus
	Prompts      []Prompt
	Rating       *int // -2..2, set only when a rating prompt was answered
	StartedAt    time.Time
	EndedAt      *time.Time
	RecordingURL string // AEAD ciphertext, never plaintext at rest
}

const (
	MethodPhone = "PHONE"
	MethodText  = "TEXT"
)

// PromptResponse is the transcribed answer to one prompt. Positions are
// 1-based and contiguous within a session.
type PromptResponse struct {
	ID               string
	SessionID        string
	PromptID         string
	PromptText       string
	Position         int
	ResponseText     string
	ResponseStarted  time.Time
	ResponseFinished time.Time
}

// PhoneCall is the runtime state of a single provider call. It is the sole
// source of truth while the call is live. At most one non-terminal PhoneCall
// exists per user.
type PhoneCall struct {
	ID              string
	UserID          string
	SessionID       string
	ProviderCallSID string // assigned exactly once, immutable afterwards
	Status          CallStatus
	Prompts         []Prompt
	PromptIndex     int    // 0-based index of the prompt being asked
	ResponseBuffer  string // accumulated final transcripts for the current turn
	LastSpeechAt    time.Time
	InitiatedAt     time.Time
	ConnectedAt     *time.Time
	EndedAt         *time.Time
}

// JournalEntry is the immutable record produced by a completed session,
// keyed by (user, local date).
type JournalEntry struct {
	ID        string
	UserID    string
	SessionID string
	LocalDate string // YYYY-MM-DD in the user's timezone
	Rating    *int
	Responses []PromptResponse // ordered snapshot, positions 1..n
	CreatedAt time.Time
}
