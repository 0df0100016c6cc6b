package procurement

import (
	"fmt"
	"strings"
	"time"
)

// ResolveLineStatus derives a line status from its ledger and incident flag.
// Cancellation is sticky and never derived from quantities.
func ResolveLineStatus(line SupplierOrderLine) LineStatus {
	switch {
	case line.LineStatus == LineStatusCancelled:
		return LineStatusCancelled
	case line.HasIncident:
		return LineStatusIncident
	case line.QuantityReceived == 0:
		return LineStatusPending
	case line.QuantityReceived < line.QuantityOrdered:
		return LineStatusPartial
	default:
		return LineStatusReceived
	}
}

// SetIncident raises or clears the incident flag on a line and re-resolves its status.
// Raising an incident requires a non-blank reason. Clearing drops the incident
// metadata but keeps the reception notes.
func SetIncident(line *SupplierOrderLine, active bool, notes, userID string, now time.Time) error {
	if active {
		notes = strings.TrimSpace(notes)
		if notes == "" {
			return fmt.Errorf("%w: incident notes are required", ErrValidation)
		}
		line.HasIncident = true
		line.IncidentNotes = notes
		line.IncidentBy = userID
		at := now
		line.IncidentAt = &at
	} else {
		line.HasIncident = false
		line.IncidentNotes = ""
		line.IncidentBy = ""
		line.IncidentAt = nil
	}
	line.LineStatus = ResolveLineStatus(*line)
	return nil
}
