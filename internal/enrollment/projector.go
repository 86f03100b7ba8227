package enrollment

import "enrollsync/internal/model"

// Membership answers cache membership; store.Set implements it.
type Membership interface {
	IsMember(eventID int64) bool
}

// RemoteEnrollments is the current user's remote enrollment list, or its absence.
type RemoteEnrollments struct {
	loaded bool
	ids    map[int64]struct{}
}

func RemoteLoaded(list []model.UserEnrollment) RemoteEnrollments {
	ids := make(map[int64]struct{}, len(list))
	for _, ue := range list {
		ids[ue.EventID] = struct{}{}
	}
	return RemoteEnrollments{loaded: true, ids: ids}
}

func RemoteUnavailable() RemoteEnrollments {
	return RemoteEnrollments{}
}

func (r RemoteEnrollments) Loaded() bool {
	return r.loaded
}

func (r RemoteEnrollments) Contains(eventID int64) bool {
	_, ok := r.ids[eventID]
	return ok
}

// With returns a copy with eventID's membership set. Unloaded lists stay unloaded.
func (r RemoteEnrollments) With(eventID int64, enrolled bool) RemoteEnrollments {
	if !r.loaded {
		return r
	}
	ids := make(map[int64]struct{}, len(r.ids)+1)
	for id := range r.ids {
		ids[id] = struct{}{}
	}
	if enrolled {
		ids[eventID] = struct{}{}
	} else {
		delete(ids, eventID)
	}
	return RemoteEnrollments{loaded: true, ids: ids}
}

// IsEnrolled prefers loaded remote data, even an empty list, over the cache.
func IsEnrolled(eventID int64, remote RemoteEnrollments, cache Membership) bool {
	if remote.loaded {
		return remote.Contains(eventID)
	}
	if cache == nil {
		return false
	}
	return cache.IsMember(eventID)
}

func Project(events []model.Event, remote RemoteEnrollments, cache Membership) map[int64]bool {
	out := make(map[int64]bool, len(events))
	for _, e := range events {
		out[e.ID] = IsEnrolled(e.ID, remote, cache)
	}
	return out
}

type PanelState int

const (
	PanelLoaded PanelState = iota
	PanelUnavailable
)

func (p PanelState) String() string {
	if p == PanelUnavailable {
		return "unavailable"
	}
	return "loaded"
}

// ParticipantsResult is the outcome of fetching an event's participant list.
type ParticipantsResult struct {
	Records []model.EnrollmentRecord
	Err     error
}

type DetailProjection struct {
	EventID      int64
	Enrolled     bool
	Panel        PanelState
	Participants []model.EnrollmentRecord
}

// ProjectDetail derives the detail view. A failed participant fetch yields an
// unavailable panel; only the user's own flag falls back to the cache.
func ProjectDetail(eventID, userID int64, participants ParticipantsResult, cache Membership) DetailProjection {
	if participants.Err != nil {
		enrolled := false
		if cache != nil {
			enrolled = cache.IsMember(eventID)
		}
		return DetailProjection{
			EventID:      eventID,
			Enrolled:     enrolled,
			Panel:        PanelUnavailable,
			Participants: []model.EnrollmentRecord{},
		}
	}
	enrolled := false
	for _, r := range participants.Records {
		if r.UserID == userID {
			enrolled = true
			break
		}
	}
	records := cloneRecords(participants.Records)
	if records == nil {
		records = []model.EnrollmentRecord{}
	}
	return DetailProjection{
		EventID:      eventID,
		Enrolled:     enrolled,
		Panel:        PanelLoaded,
		Participants: records,
	}
}
