package timeline

import "fmt"

// AnomalyKind classifies a reconciliation anomaly.
type AnomalyKind string

const (
	// AnomalyUnknownMessage is a status update for an external id the
	// timeline has not seen.
	AnomalyUnknownMessage AnomalyKind = "unknown_message"
	// AnomalyFailedRegression is a non-failed update on a failed entry.
	AnomalyFailedRegression AnomalyKind = "failed_regression"
	// AnomalyUnknownLocalID is a confirm or retract for a local id that is
	// not an optimistic entry of this timeline.
	AnomalyUnknownLocalID AnomalyKind = "unknown_local_id"
	// AnomalyForeignRoom is an event or page addressed to another room.
	AnomalyForeignRoom AnomalyKind = "foreign_room"
	// AnomalyInvalidStatus is a status update with no id or an unknown state.
	AnomalyInvalidStatus AnomalyKind = "invalid_status"
)

// Anomaly is an event the reconciler could not apply. Anomalies are logged
// and reported through AnomalyFunc; they are never returned as errors.
type Anomaly struct {
	Kind   AnomalyKind
	RoomID string
	Ref    string
	Detail string
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s room=%s ref=%s %s", a.Kind, a.RoomID, a.Ref, a.Detail)
}

// AnomalyFunc receives anomalies, typically to count them.
type AnomalyFunc func(Anomaly)

// anomaly must be called with r.mu held.
func (r *Reconciler) anomaly(kind AnomalyKind, ref, detail string) {
	a := Anomaly{Kind: kind, RoomID: r.roomID, Ref: ref, Detail: detail}
	r.logger.Warn("timeline: reconciliation anomaly",
		"kind", string(kind), "room", r.roomID, "ref", ref, "detail", detail)
	if r.onAnomaly != nil {
		r.onAnomaly(a)
	}
}
