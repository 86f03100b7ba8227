// Package enrollment reconciles the current user's enrollment state between
// the remote events API, the local fallback cache and the views that render it.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"enrollsync/internal/model"
	"enrollsync/internal/remote"
	"enrollsync/internal/store"
)

var (
	ErrToggleInFlight = errors.New("enrollment: a toggle for this event is already in flight")
	ErrOwnEvent       = errors.New("enrollment: creators cannot enroll in their own event")
	ErrPastEvent      = errors.New("enrollment: the event already started")
)

const (
	genericEnrollFailure   = "Could not enroll in the event"
	genericUnenrollFailure = "Could not cancel the enrollment"
	transportFailure       = "The events service is unreachable, please try again"
)

// ToggleError is a failed toggle after rollback. Message is safe to show to the user.
type ToggleError struct {
	EventID   int64
	Enrolling bool
	Message   string
	Err       error
}

func (e *ToggleError) Error() string {
	return fmt.Sprintf("toggle enrollment for event %d: %v", e.EventID, e.Err)
}

func (e *ToggleError) Unwrap() error {
	return e.Err
}

type Outcome struct {
	EventID          int64
	Enrolled         bool
	ConflictAbsorbed bool
	View             Snapshot
}

// CanToggle reports whether user may toggle enrollment for e at now.
func CanToggle(e model.Event, userID int64, now time.Time) error {
	if e.CreatorID != 0 && e.CreatorID == userID {
		return ErrOwnEvent
	}
	if e.IsPast(now) {
		return ErrPastEvent
	}
	return nil
}

// InFlightSet holds the events of one user with an unresolved toggle. Every
// reconciler of that user must share the same set.
type InFlightSet struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

func NewInFlightSet() *InFlightSet {
	return &InFlightSet{ids: make(map[int64]struct{})}
}

func (s *InFlightSet) Contains(eventID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[eventID]
	return ok
}

func (s *InFlightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

func (s *InFlightSet) acquire(eventID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.ids[eventID]; busy {
		return false
	}
	s.ids[eventID] = struct{}{}
	return true
}

func (s *InFlightSet) release(eventID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, eventID)
}

// Reconciler runs every toggle of one user. Both views share it, so the
// in-flight guard covers the same event toggled from either view.
type Reconciler struct {
	remote   remote.Client
	store    *store.Store
	user     model.User
	payload  remote.EnrollPayload
	log      *zerolog.Logger
	now      func() time.Time
	inFlight *InFlightSet
}

func NewReconciler(client remote.Client, st *store.Store, user model.User, payload remote.EnrollPayload, inFlight *InFlightSet, log *zerolog.Logger) *Reconciler {
	return &Reconciler{
		remote:   client,
		store:    st,
		user:     user,
		payload:  payload.WithDefaults(),
		log:      log,
		now:      time.Now,
		inFlight: inFlight,
	}
}

func (r *Reconciler) User() model.User {
	return r.user
}

func (r *Reconciler) Store() *store.Store {
	return r.store
}

func (r *Reconciler) InFlight(eventID int64) bool {
	return r.inFlight.Contains(eventID)
}

// Toggle flips the enrollment shown by view. A second toggle on the same
// event while one is unresolved fails with ErrToggleInFlight.
func (r *Reconciler) Toggle(ctx context.Context, view *EventView) (Outcome, error) {
	eventID := view.EventID()
	if !r.inFlight.acquire(eventID) {
		return Outcome{}, ErrToggleInFlight
	}
	// registered first so it runs after everything else
	defer r.inFlight.release(eventID)

	before, enroll := view.begin(r.syntheticRecord())

	var err error
	if enroll {
		_, err = r.remote.Enroll(ctx, eventID, r.payload)
	} else {
		err = r.remote.Unenroll(ctx, eventID)
	}

	absorbed := false
	if err != nil && enroll && remote.IsAlreadyEnrolled(err) {
		r.log.Info().Int64("event_id", eventID).Int64("user_id", r.user.ID).Msg("enroll conflict absorbed, user already enrolled")
		absorbed = true
		err = nil
	}

	if err != nil {
		view.restore(before)
		r.log.Warn().Err(err).
			Int64("event_id", eventID).
			Int64("user_id", r.user.ID).
			Bool("enrolling", enroll).
			Msg("toggle failed, view rolled back")
		return Outcome{EventID: eventID, Enrolled: before.Enrolled, View: before}, &ToggleError{
			EventID:   eventID,
			Enrolling: enroll,
			Message:   userMessage(err, enroll),
			Err:       err,
		}
	}

	r.syncStore(ctx, eventID, enroll)
	return Outcome{
		EventID:          eventID,
		Enrolled:         enroll,
		ConflictAbsorbed: absorbed,
		View:             view.Snapshot(),
	}, nil
}

func (r *Reconciler) syncStore(ctx context.Context, eventID int64, enrolled bool) {
	var err error
	if enrolled {
		err = r.store.Add(ctx, eventID)
	} else {
		err = r.store.Remove(ctx, eventID)
	}
	if err != nil {
		// the remote already holds the new state; the cache is only a fallback
		r.log.Error().Err(err).Int64("event_id", eventID).Bool("enrolled", enrolled).Msg("failed to update local enrollment cache")
	}
}

func (r *Reconciler) syntheticRecord() model.EnrollmentRecord {
	rating := *r.payload.Rating
	rec := model.EnrollmentRecord{
		UserID:       r.user.ID,
		FirstName:    r.user.FirstName,
		LastName:     r.user.LastName,
		Username:     r.user.DisplayUsername(),
		Attended:     *r.payload.Attended,
		Description:  r.payload.Description,
		Observations: r.payload.Observations,
		Rating:       &rating,
		RegisteredAt: r.now().UTC(),
	}
	return rec
}

func userMessage(err error, enrolling bool) string {
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Kind == remote.KindTransport {
			return transportFailure
		}
		if apiErr.Message != "" {
			return apiErr.Message
		}
	}
	if enrolling {
		return genericEnrollFailure
	}
	return genericUnenrollFailure
}
