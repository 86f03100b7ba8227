// Package coordinator holds the per-user list and detail view state and
// drives fetches, projection and toggles for them.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"enrollsync/internal/enrollment"
	"enrollsync/internal/model"
	"enrollsync/internal/remote"
)

const DefaultPageSize = 20

var (
	// ErrSuperseded means a newer fetch of the same query was issued before this one resolved.
	ErrSuperseded   = errors.New("coordinator: response superseded by a newer request")
	ErrUnknownEvent = errors.New("coordinator: event is not part of the loaded list")
)

// ListQuery is the filter state of the list view. Mine and Upcoming apply locally.
type ListQuery struct {
	Filter   model.EventFilter
	Mine     bool
	Upcoming bool
}

type ListItem struct {
	Event     model.Event
	Enrolled  bool
	Toggle    error
	InFlight  bool
	IsCreator bool
}

type ListPage struct {
	Query        ListQuery
	Items        []ListItem
	Page         int
	PageSize     int
	TotalPages   int
	Total        int
	RemoteLoaded bool
}

type ListCoordinator struct {
	client     remote.Client
	reconciler *enrollment.Reconciler
	pageSize   int
	log        *zerolog.Logger
	now        func() time.Time

	mu        sync.Mutex
	query     ListQuery
	page      int
	events    []model.Event
	remote    enrollment.RemoteEnrollments
	eventsSeq uint64
	enrollSeq uint64
}

func NewListCoordinator(client remote.Client, reconciler *enrollment.Reconciler, pageSize int, log *zerolog.Logger) *ListCoordinator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &ListCoordinator{
		client:     client,
		reconciler: reconciler,
		pageSize:   pageSize,
		log:        log,
		now:        time.Now,
		page:       1,
		remote:     enrollment.RemoteUnavailable(),
	}
}

// Apply installs q and reports whether it differs from the current query.
// Any change resets the page to 1.
func (c *ListCoordinator) Apply(q ListQuery) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q == c.query {
		return false
	}
	c.query = q
	c.page = 1
	return true
}

// SetPage selects a page; values below 1 select the first page. Pages past
// the end are clamped when rendered.
func (c *ListCoordinator) SetPage(page int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if page < 1 {
		page = 1
	}
	c.page = page
}

// Refresh refetches events and the user's enrollments. The two fetches are
// sequenced independently; a response older than the latest request of its
// kind is dropped. Only the events fetch can fail the refresh.
func (c *ListCoordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	filter := c.query.Filter
	c.eventsSeq++
	eventsSeq := c.eventsSeq
	c.enrollSeq++
	enrollSeq := c.enrollSeq
	c.mu.Unlock()

	var (
		g         errgroup.Group
		events    []model.Event
		eventsErr error
		mine      []model.UserEnrollment
		mineErr   error
	)
	g.Go(func() error {
		events, eventsErr = c.client.ListEvents(ctx, filter)
		return nil
	})
	g.Go(func() error {
		mine, mineErr = c.client.ListForCurrentUser(ctx)
		return nil
	})
	_ = g.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	if enrollSeq == c.enrollSeq {
		if mineErr != nil {
			c.log.Warn().Err(mineErr).Int64("user_id", c.reconciler.User().ID).Msg("user enrollments unavailable, falling back to local cache")
			c.remote = enrollment.RemoteUnavailable()
		} else {
			c.remote = enrollment.RemoteLoaded(mine)
		}
	}

	if eventsSeq != c.eventsSeq {
		return ErrSuperseded
	}
	if eventsErr != nil {
		return fmt.Errorf("list events: %w", eventsErr)
	}
	c.events = events
	return nil
}

// Page renders the current page. The local cache is read only when the
// remote enrollment list is not loaded.
func (c *ListCoordinator) Page(ctx context.Context) ListPage {
	c.mu.Lock()
	query := c.query
	page := c.page
	events := c.events
	rem := c.remote
	c.mu.Unlock()

	user := c.reconciler.User()
	now := c.now()
	visible := make([]model.Event, 0, len(events))
	for _, e := range events {
		if query.Mine && e.CreatorID != user.ID {
			continue
		}
		if query.Upcoming && !e.StartDate.After(now) {
			continue
		}
		visible = append(visible, e)
	}

	totalPages := (len(visible) + c.pageSize - 1) / c.pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	if page > totalPages {
		page = totalPages
	}
	from := (page - 1) * c.pageSize
	to := from + c.pageSize
	if to > len(visible) {
		to = len(visible)
	}
	slice := visible[from:to]

	var cache enrollment.Membership
	if !rem.Loaded() {
		cache = c.reconciler.Store().Snapshot(ctx)
	}
	flags := enrollment.Project(slice, rem, cache)

	items := make([]ListItem, 0, len(slice))
	for _, e := range slice {
		items = append(items, ListItem{
			Event:     e,
			Enrolled:  flags[e.ID],
			Toggle:    enrollment.CanToggle(e, user.ID, now),
			InFlight:  c.reconciler.InFlight(e.ID),
			IsCreator: e.CreatorID == user.ID,
		})
	}

	return ListPage{
		Query:        query,
		Items:        items,
		Page:         page,
		PageSize:     c.pageSize,
		TotalPages:   totalPages,
		Total:        len(visible),
		RemoteLoaded: rem.Loaded(),
	}
}

// Toggle flips the enrollment of a listed event and patches the loaded
// remote membership with the resolved state.
func (c *ListCoordinator) Toggle(ctx context.Context, eventID int64) (ListItem, enrollment.Outcome, error) {
	c.mu.Lock()
	var (
		event model.Event
		found bool
	)
	for _, e := range c.events {
		if e.ID == eventID {
			event, found = e, true
			break
		}
	}
	rem := c.remote
	c.mu.Unlock()

	if !found {
		return ListItem{}, enrollment.Outcome{}, ErrUnknownEvent
	}
	user := c.reconciler.User()
	if err := enrollment.CanToggle(event, user.ID, c.now()); err != nil {
		return ListItem{}, enrollment.Outcome{}, err
	}

	var enrolled bool
	if rem.Loaded() {
		enrolled = rem.Contains(eventID)
	} else {
		enrolled = c.reconciler.Store().IsMember(ctx, eventID)
	}

	out, err := c.reconciler.Toggle(ctx, enrollment.NewFlagView(eventID, enrolled))
	if err != nil {
		return c.item(event, enrolled), out, err
	}

	c.mu.Lock()
	// any enrollment fetch still in flight predates this toggle
	c.enrollSeq++
	c.remote = c.remote.With(eventID, out.Enrolled)
	c.mu.Unlock()

	return c.item(event, out.Enrolled), out, nil
}

func (c *ListCoordinator) item(e model.Event, enrolled bool) ListItem {
	user := c.reconciler.User()
	return ListItem{
		Event:     e,
		Enrolled:  enrolled,
		Toggle:    enrollment.CanToggle(e, user.ID, c.now()),
		InFlight:  c.reconciler.InFlight(e.ID),
		IsCreator: e.CreatorID == user.ID,
	}
}
