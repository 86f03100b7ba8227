package enrollment

import (
	"sync"

	"enrollsync/internal/model"
)

// Snapshot is a copy of what a view renders for one event.
type Snapshot struct {
	EventID      int64
	Enrolled     bool
	Participants []model.EnrollmentRecord
}

// EventView is the mutable per-event state owned by one view. The list view
// only tracks the flag; the detail view also tracks the participant list.
type EventView struct {
	mu                 sync.Mutex
	eventID            int64
	enrolled           bool
	participants       []model.EnrollmentRecord
	tracksParticipants bool
}

func NewFlagView(eventID int64, enrolled bool) *EventView {
	return &EventView{eventID: eventID, enrolled: enrolled}
}

func NewDetailView(eventID int64, enrolled bool, participants []model.EnrollmentRecord) *EventView {
	return &EventView{
		eventID:            eventID,
		enrolled:           enrolled,
		participants:       cloneRecords(participants),
		tracksParticipants: true,
	}
}

func (v *EventView) EventID() int64 {
	return v.eventID
}

func (v *EventView) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

func (v *EventView) snapshotLocked() Snapshot {
	return Snapshot{
		EventID:      v.eventID,
		Enrolled:     v.enrolled,
		Participants: cloneRecords(v.participants),
	}
}

// Replace installs freshly fetched state, e.g. after a refetch.
func (v *EventView) Replace(enrolled bool, participants []model.EnrollmentRecord) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enrolled = enrolled
	if v.tracksParticipants {
		v.participants = cloneRecords(participants)
	}
}

// begin snapshots the view and applies the optimistic flip in one step.
// It reports whether the flip is an enroll.
func (v *EventView) begin(self model.EnrollmentRecord) (Snapshot, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	before := v.snapshotLocked()
	enroll := !v.enrolled
	if v.tracksParticipants {
		v.participants = withoutUser(v.participants, self.UserID)
		if enroll {
			v.participants = append([]model.EnrollmentRecord{self}, v.participants...)
		}
	}
	v.enrolled = enroll
	return before, enroll
}

func (v *EventView) restore(s Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enrolled = s.Enrolled
	v.participants = cloneRecords(s.Participants)
}

func withoutUser(records []model.EnrollmentRecord, userID int64) []model.EnrollmentRecord {
	out := make([]model.EnrollmentRecord, 0, len(records))
	for _, r := range records {
		if r.UserID != userID {
			out = append(out, r)
		}
	}
	return out
}

func cloneRecords(records []model.EnrollmentRecord) []model.EnrollmentRecord {
	if records == nil {
		return nil
	}
	out := make([]model.EnrollmentRecord, len(records))
	copy(out, records)
	return out
}
