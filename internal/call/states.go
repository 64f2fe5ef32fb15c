// Package call centralises the lifecycle rules for scheduled calls, phone
// calls, and reflection sessions: which status moves are legal, and how
// carrier webhook statuses map onto ours.
package call

import (
	"fmt"

	"github.com/voxjournal/voxjournal/internal/database/models"
)

// scheduledCallMoves lists the legal scheduled-call transitions. Terminal
// statuses have no outgoing moves.
var scheduledCallMoves = map[models.ScheduledCallStatus][]models.ScheduledCallStatus{
	models.ScheduledPending: {
		models.ScheduledInProgress,
		models.ScheduledCancelled,
	},
	models.ScheduledInProgress: {
		models.ScheduledCompleted,
		models.ScheduledFailed,
		models.ScheduledPending, // requeue for retry
	},
}

var callMoves = map[models.CallStatus][]models.CallStatus{
	models.CallInitiated: {
		models.CallConnected,
		models.CallFailed,
	},
	models.CallConnected: {
		models.CallCompleted,
		models.CallAbandoned,
		models.CallFailed,
	},
}

var sessionMoves = map[models.SessionStatus][]models.SessionStatus{
	models.SessionInProgress: {
		models.SessionCompleted,
		models.SessionAbandoned,
	},
	models.SessionAbandoned: {
		models.SessionInProgress, // a redial reopens the session
	},
}

// ValidateScheduledCallMove reports whether from -> to is a legal
// scheduled-call transition.
func ValidateScheduledCallMove(from, to models.ScheduledCallStatus) error {
	for _, next := range scheduledCallMoves[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("illegal scheduled call transition %s -> %s", from, to)
}

// ValidateCallMove reports whether from -> to is a legal phone-call
// transition.
func ValidateCallMove(from, to models.CallStatus) error {
	for _, next := range callMoves[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("illegal phone call transition %s -> %s", from, to)
}

// ValidateSessionMove reports whether from -> to is a legal session
// transition.
func ValidateSessionMove(from, to models.SessionStatus) error {
	for _, next := range sessionMoves[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("illegal session transition %s -> %s", from, to)
}

// OutcomeFromCarrier maps a carrier status-webhook value to the terminal
// phone-call status it implies. ok is false for non-terminal notifications
// such as "initiated" or "ringing". Busy and no-answer both land on FAILED;
// the carrier's wording survives on the scheduled call's lastError.
func OutcomeFromCarrier(carrierStatus string) (models.CallStatus, bool) {
	switch carrierStatus {
	case "completed":
		return models.CallCompleted, true
	case "busy", "no-answer", "failed", "canceled":
		return models.CallFailed, true
	default:
		return "", false
	}
}

// Retryable reports whether a terminal phone-call status should send the
// scheduled call back for another attempt. A completed call is done;
// everything else, a mid-dialog hangup included, earns a retry while
// attempts remain.
func Retryable(status models.CallStatus) bool {
	return status.Terminal() && status != models.CallCompleted
}
