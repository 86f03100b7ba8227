package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"enrollsync/internal/enrollment"
	"enrollsync/internal/model"
	"enrollsync/internal/remote"
	"enrollsync/internal/store"
)

type Participant struct {
	model.EnrollmentRecord
	IsSelf    bool
	IsCreator bool
}

type Capacity struct {
	Taken int
	Max   int
}

type Detail struct {
	Event        model.Event
	Enrolled     bool
	Panel        enrollment.PanelState
	Participants []Participant
	Capacity     Capacity
	Toggle       error
	InFlight     bool
}

type detailState struct {
	event model.Event
	view  *enrollment.EventView
	panel enrollment.PanelState
	seq   uint64
}

// DetailCoordinator keeps one detail view per event the user opened.
type DetailCoordinator struct {
	client     remote.Client
	reconciler *enrollment.Reconciler
	log        *zerolog.Logger
	now        func() time.Time

	mu     sync.Mutex
	seq    uint64
	states map[int64]*detailState
}

func NewDetailCoordinator(client remote.Client, reconciler *enrollment.Reconciler, log *zerolog.Logger) *DetailCoordinator {
	return &DetailCoordinator{
		client:     client,
		reconciler: reconciler,
		log:        log,
		now:        time.Now,
		states:     make(map[int64]*detailState),
	}
}

// cacheMembership reads the store per lookup so the cache is touched only
// when the projection actually falls back to it.
type cacheMembership struct {
	ctx   context.Context
	store *store.Store
}

func (m cacheMembership) IsMember(eventID int64) bool {
	return m.store.IsMember(m.ctx, eventID)
}

// Load fetches the event and its participants and replaces the detail view.
// A failed participant fetch leaves the panel unavailable; a failed event
// fetch fails the load.
func (c *DetailCoordinator) Load(ctx context.Context, eventID int64) (Detail, error) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	var (
		g            errgroup.Group
		event        model.Event
		eventErr     error
		participants enrollment.ParticipantsResult
	)
	g.Go(func() error {
		event, eventErr = c.client.GetEvent(ctx, eventID)
		return nil
	})
	g.Go(func() error {
		participants.Records, participants.Err = c.client.ListForEvent(ctx, eventID)
		return nil
	})
	_ = g.Wait()

	if eventErr != nil {
		return Detail{}, fmt.Errorf("get event %d: %w", eventID, eventErr)
	}
	if participants.Err != nil {
		c.log.Warn().Err(participants.Err).Int64("event_id", eventID).Msg("participants unavailable")
	}

	user := c.reconciler.User()
	proj := enrollment.ProjectDetail(eventID, user.ID, participants, cacheMembership{ctx: ctx, store: c.reconciler.Store()})

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.states[eventID]; ok && cur.seq > seq {
		return Detail{}, ErrSuperseded
	}
	st, ok := c.states[eventID]
	if ok && c.reconciler.InFlight(eventID) {
		// keep the optimistic state of the pending toggle
		st.event = event
		st.seq = seq
		return c.render(st), nil
	}
	st = &detailState{
		event: event,
		view:  enrollment.NewDetailView(eventID, proj.Enrolled, proj.Participants),
		panel: proj.Panel,
		seq:   seq,
	}
	c.states[eventID] = st
	return c.render(st), nil
}

// Toggle flips the user's enrollment from the detail view, loading it first
// if the event was never opened.
func (c *DetailCoordinator) Toggle(ctx context.Context, eventID int64) (Detail, enrollment.Outcome, error) {
	c.mu.Lock()
	_, ok := c.states[eventID]
	c.mu.Unlock()
	if !ok {
		if _, err := c.Load(ctx, eventID); err != nil {
			return Detail{}, enrollment.Outcome{}, err
		}
	}

	c.mu.Lock()
	st := c.states[eventID]
	if st == nil {
		c.mu.Unlock()
		return Detail{}, enrollment.Outcome{}, ErrUnknownEvent
	}
	event, view := st.event, st.view
	c.mu.Unlock()

	if err := enrollment.CanToggle(event, c.reconciler.User().ID, c.now()); err != nil {
		return c.Render(eventID), enrollment.Outcome{}, err
	}

	out, err := c.reconciler.Toggle(ctx, view)
	if err == nil {
		c.mu.Lock()
		// any load still in flight fetched participants before this toggle
		c.seq++
		if cur, ok := c.states[eventID]; ok && cur.view == view {
			cur.seq = c.seq
		}
		c.mu.Unlock()
	}
	return c.Render(eventID), out, err
}

// Render returns the current state of an opened event, or a zero Detail.
func (c *DetailCoordinator) Render(eventID int64) Detail {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[eventID]
	if !ok {
		return Detail{}
	}
	return c.render(st)
}

func (c *DetailCoordinator) render(st *detailState) Detail {
	user := c.reconciler.User()
	snap := st.view.Snapshot()

	participants := make([]Participant, 0, len(snap.Participants))
	for _, r := range snap.Participants {
		participants = append(participants, Participant{
			EnrollmentRecord: r,
			IsSelf:           r.UserID == user.ID,
			IsCreator:        r.IsCreator || (st.event.CreatorID != 0 && r.UserID == st.event.CreatorID),
		})
	}

	return Detail{
		Event:        st.event,
		Enrolled:     snap.Enrolled,
		Panel:        st.panel,
		Participants: participants,
		Capacity:     Capacity{Taken: len(snap.Participants), Max: st.event.MaxAssistance},
		Toggle:       enrollment.CanToggle(st.event, user.ID, c.now()),
		InFlight:     c.reconciler.InFlight(st.view.EventID()),
	}
}
