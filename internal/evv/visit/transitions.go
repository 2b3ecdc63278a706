package visit

import (
	"caretrack/internal/evv/models"
	dErrors "caretrack/pkg/domain-errors"
)

// adjacency is the fixed transition table for the visit lifecycle. A
// (from, to) pair absent from this table is invalid, full stop - there is
// no coercion path. Terminal states (COMPLETED, INCOMPLETE, CANCELLED,
// NO_SHOW_CLIENT) have no outgoing edges; NO_SHOW_CAREGIVER and REJECTED
// return to ASSIGNED on reassignment.
var adjacency = map[models.VisitStatus][]models.VisitStatus{
	models.StatusDraft:      {models.StatusScheduled, models.StatusCancelled},
	models.StatusScheduled:  {models.StatusUnassigned, models.StatusAssigned, models.StatusCancelled},
	models.StatusUnassigned: {models.StatusAssigned, models.StatusCancelled},
	models.StatusAssigned: {
		models.StatusConfirmed, models.StatusRejected, models.StatusCancelled,
		models.StatusNoShowCaregiver, models.StatusUnassigned,
	},
	models.StatusConfirmed: {
		models.StatusEnRoute, models.StatusCancelled,
		models.StatusNoShowClient, models.StatusNoShowCaregiver,
	},
	models.StatusEnRoute:         {models.StatusArrived, models.StatusCancelled, models.StatusNoShowClient},
	models.StatusArrived:         {models.StatusInProgress, models.StatusCancelled, models.StatusNoShowClient},
	models.StatusInProgress:      {models.StatusPaused, models.StatusCompleted, models.StatusIncomplete},
	models.StatusPaused:          {models.StatusInProgress, models.StatusIncomplete},
	models.StatusNoShowCaregiver: {models.StatusAssigned},
	models.StatusRejected:        {models.StatusAssigned},
}

// CanTransition reports whether the lifecycle permits from -> to.
func CanTransition(from, to models.VisitStatus) bool {
	for _, next := range adjacency[from] {
		if next == to {
			return true
		}
	}
	return false
}

// validateTransition returns a structured error for an invalid move.
func validateTransition(from, to models.VisitStatus) error {
	if !to.IsValid() {
		return dErrors.Newf(dErrors.CodeInvalidInput, "unknown visit status %q", to)
	}
	if !CanTransition(from, to) {
		return dErrors.Newf(dErrors.CodeValidationFailed, "transition %s -> %s is not allowed", from, to)
	}
	return nil
}
