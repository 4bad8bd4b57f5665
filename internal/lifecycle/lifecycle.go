// Package lifecycle defines the legal status transitions of a dialogue's audio.
//
//	pending ──Start──▶ generating ──Succeed──▶ completed
//	                       │                       │
//	                       └──Fail──▶ failed ◀─────┘ (via Start → generating)
//
// completed and failed may both be restarted. A dialogue can never be started
// twice concurrently.
package lifecycle

import (
	"strings"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
	"github.com/bobarin/voxbook/internal/models"
)

// Event drives a status transition.
type Event string

const (
	Start   Event = "start"
	Succeed Event = "succeed"
	Fail    Event = "fail"
)

var (
	// ErrAlreadyInFlight is returned when Start is applied to a generating dialogue.
	ErrAlreadyInFlight = domainerrors.ErrAlreadyInFlight
	// ErrIllegalTransition is returned for any edge not in the transition table.
	ErrIllegalTransition = domainerrors.ErrInvariant
)

var transitions = map[models.DialogueStatus]map[Event]models.DialogueStatus{
	models.DialogueStatusPending: {
		Start: models.DialogueStatusGenerating,
	},
	models.DialogueStatusGenerating: {
		Succeed: models.DialogueStatusCompleted,
		Fail:    models.DialogueStatusFailed,
	},
	models.DialogueStatusCompleted: {
		Start: models.DialogueStatusGenerating,
	},
	models.DialogueStatusFailed: {
		Start: models.DialogueStatusGenerating,
	},
}

func normalize(s models.DialogueStatus) models.DialogueStatus {
	if s == "" {
		return models.DialogueStatusPending
	}
	return s
}

// Next returns the status reached by applying ev to from.
func Next(from models.DialogueStatus, ev Event) (models.DialogueStatus, error) {
	from = normalize(from)
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	if from == models.DialogueStatusGenerating && ev == Start {
		return from, domainerrors.AlreadyInFlightf("dialogue audio is already generating")
	}
	return from, domainerrors.Invariantf("illegal status transition: %s on %s", ev, from)
}

// CanStart reports whether a generation may begin from status s.
func CanStart(s models.DialogueStatus) bool {
	_, err := Next(s, Start)
	return err == nil
}

// Begin moves d to generating. The previous error message is cleared; the
// previous audio path stays until a new one replaces it.
func Begin(d *models.Dialogue) error {
	to, err := Next(d.Status, Start)
	if err != nil {
		return err
	}
	d.Status = to
	d.ErrorMessage = nil
	return nil
}

// Complete records a successful generation on d.
func Complete(d *models.Dialogue, audioPath string, duration float64) error {
	to, err := Next(d.Status, Succeed)
	if err != nil {
		return err
	}
	if strings.TrimSpace(audioPath) == "" {
		return domainerrors.Invariantf("completed dialogue %s has no audio path", d.ID)
	}
	d.Status = to
	d.AudioPath = &audioPath
	d.Duration = duration
	d.ErrorMessage = nil
	d.Stale = false
	return nil
}

// Failed records a failed generation on d with a human-readable reason.
// audio_path is left untouched.
func Failed(d *models.Dialogue, reason string) error {
	to, err := Next(d.Status, Fail)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "audio generation failed"
	}
	d.Status = to
	d.ErrorMessage = &reason
	return nil
}

// MarkEdited bumps the content revision. Completed audio no longer matches
// the text, so it is flagged stale.
func MarkEdited(d *models.Dialogue) {
	d.Revision++
	if d.Status == models.DialogueStatusCompleted {
		d.Stale = true
	}
}
