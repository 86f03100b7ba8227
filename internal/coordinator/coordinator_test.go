package coordinator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"enrollsync/internal/enrollment"
	"enrollsync/internal/model"
	"enrollsync/internal/remote"
	"enrollsync/internal/store"
)

var (
	me    = model.User{ID: 5, Username: "ana"}
	clock = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
)

type fakeClient struct {
	mu           sync.Mutex
	eventsFn     func(ctx context.Context, f model.EventFilter) ([]model.Event, error)
	mine         []model.UserEnrollment
	mineErr      error
	event        model.Event
	eventErr     error
	participants []model.EnrollmentRecord
	partsErr     error
	partsFn      func() ([]model.EnrollmentRecord, error)
	enrollErr    error
	enrolls      int
}

func (f *fakeClient) Enroll(context.Context, int64, remote.EnrollPayload) (model.EnrollmentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enrolls++
	return model.EnrollmentRecord{}, f.enrollErr
}

func (f *fakeClient) Unenroll(context.Context, int64) error { return nil }

func (f *fakeClient) ListForEvent(context.Context, int64) ([]model.EnrollmentRecord, error) {
	if f.partsFn != nil {
		return f.partsFn()
	}
	return f.participants, f.partsErr
}

func (f *fakeClient) ListForCurrentUser(context.Context) ([]model.UserEnrollment, error) {
	return f.mine, f.mineErr
}

func (f *fakeClient) ListEvents(ctx context.Context, filter model.EventFilter) ([]model.Event, error) {
	return f.eventsFn(ctx, filter)
}

func (f *fakeClient) GetEvent(context.Context, int64) (model.Event, error) {
	return f.event, f.eventErr
}

func staticEvents(events ...model.Event) func(context.Context, model.EventFilter) ([]model.Event, error) {
	return func(context.Context, model.EventFilter) ([]model.Event, error) {
		return events, nil
	}
}

func upcoming(id int64) model.Event {
	return model.Event{ID: id, Name: "event", CreatorID: 99, StartDate: clock.Add(24 * time.Hour)}
}

func newReconciler(t *testing.T, client remote.Client) (*enrollment.Reconciler, *store.Store) {
	t.Helper()
	log := zerolog.Nop()
	st := store.New(store.NewMemoryBackend(), me.ID, &log)
	return enrollment.NewReconciler(client, st, me, remote.EnrollPayload{}, enrollment.NewInFlightSet(), &log), st
}

func newList(t *testing.T, client remote.Client, pageSize int) (*ListCoordinator, *store.Store) {
	t.Helper()
	log := zerolog.Nop()
	r, st := newReconciler(t, client)
	c := NewListCoordinator(client, r, pageSize, &log)
	c.now = func() time.Time { return clock }
	return c, st
}

func TestListRemoteWinsOverCache(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		eventsFn: staticEvents(upcoming(3), upcoming(5), upcoming(9)),
		mine:     []model.UserEnrollment{{EventID: 3}, {EventID: 5}},
	}
	c, st := newList(t, client, 0)
	for _, id := range []int64{3, 5, 9} {
		_ = st.Add(ctx, id)
	}

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	page := c.Page(ctx)
	if !page.RemoteLoaded || len(page.Items) != 3 {
		t.Fatalf("unexpected page %+v", page)
	}
	want := map[int64]bool{3: true, 5: true, 9: false}
	for _, item := range page.Items {
		if item.Enrolled != want[item.Event.ID] {
			t.Fatalf("event %d enrolled=%v", item.Event.ID, item.Enrolled)
		}
	}
}

func TestListFallsBackToCacheWhenEnrollmentsFail(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		eventsFn: staticEvents(upcoming(3), upcoming(9)),
		mineErr:  &remote.APIError{Kind: remote.KindTransport, Err: remote.ErrTransport},
	}
	c, st := newList(t, client, 0)
	_ = st.Add(ctx, 9)

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("enrollment failure must not fail the refresh: %v", err)
	}
	page := c.Page(ctx)
	if page.RemoteLoaded {
		t.Fatalf("remote should be absent")
	}
	if page.Items[0].Enrolled || !page.Items[1].Enrolled {
		t.Fatalf("cache fallback not applied: %+v", page.Items)
	}
}

func TestListEventsFailureFailsRefresh(t *testing.T) {
	client := &fakeClient{eventsFn: func(context.Context, model.EventFilter) ([]model.Event, error) {
		return nil, &remote.APIError{Status: http.StatusInternalServerError, Kind: remote.KindServer}
	}}
	c, _ := newList(t, client, 0)
	if err := c.Refresh(context.Background()); !errors.Is(err, remote.ErrServer) {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestListPaginationAndFilterReset(t *testing.T) {
	ctx := context.Background()
	var events []model.Event
	for i := int64(1); i <= 5; i++ {
		events = append(events, upcoming(i))
	}
	c, _ := newList(t, &fakeClient{eventsFn: staticEvents(events...)}, 2)
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	c.SetPage(3)
	page := c.Page(ctx)
	if page.Page != 3 || page.TotalPages != 3 || len(page.Items) != 1 || page.Items[0].Event.ID != 5 {
		t.Fatalf("unexpected last page %+v", page)
	}

	c.SetPage(10)
	if got := c.Page(ctx).Page; got != 3 {
		t.Fatalf("page past the end should clamp, got %d", got)
	}

	c.SetPage(2)
	if c.Apply(ListQuery{}) {
		t.Fatalf("unchanged query should not report a change")
	}
	if got := c.Page(ctx).Page; got != 2 {
		t.Fatalf("unchanged query must keep the page, got %d", got)
	}
	if !c.Apply(ListQuery{Filter: model.EventFilter{Name: "x"}}) {
		t.Fatalf("changed query should report a change")
	}
	if got := c.Page(ctx).Page; got != 1 {
		t.Fatalf("filter change must reset to page 1, got %d", got)
	}
}

func TestListLocalFilters(t *testing.T) {
	ctx := context.Background()
	mine := upcoming(1)
	mine.CreatorID = me.ID
	past := upcoming(2)
	past.StartDate = clock.Add(-time.Hour)
	c, _ := newList(t, &fakeClient{eventsFn: staticEvents(mine, past, upcoming(3))}, 0)
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	c.Apply(ListQuery{Mine: true})
	page := c.Page(ctx)
	if len(page.Items) != 1 || page.Items[0].Event.ID != 1 || !page.Items[0].IsCreator {
		t.Fatalf("mine filter: %+v", page.Items)
	}
	if !errors.Is(page.Items[0].Toggle, enrollment.ErrOwnEvent) {
		t.Fatalf("own event must not be toggleable")
	}

	c.Apply(ListQuery{Upcoming: true})
	page = c.Page(ctx)
	if page.Total != 2 {
		t.Fatalf("upcoming filter should drop the past event, got %d", page.Total)
	}
}

func TestListSupersededRefreshIsDiscarded(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})
	client := &fakeClient{eventsFn: func(ctx context.Context, f model.EventFilter) ([]model.Event, error) {
		if f.Name == "slow" {
			close(started)
			<-release
			return []model.Event{upcoming(1)}, nil
		}
		return []model.Event{upcoming(2)}, nil
	}}
	c, _ := newList(t, client, 0)

	c.Apply(ListQuery{Filter: model.EventFilter{Name: "slow"}})
	slow := make(chan error, 1)
	go func() { slow <- c.Refresh(ctx) }()
	<-started

	c.Apply(ListQuery{Filter: model.EventFilter{Name: "fast"}})
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	close(release)
	if err := <-slow; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}

	page := c.Page(ctx)
	if len(page.Items) != 1 || page.Items[0].Event.ID != 2 {
		t.Fatalf("stale response overwrote the newer one: %+v", page.Items)
	}
}

func TestListTogglePatchesRemote(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{eventsFn: staticEvents(upcoming(7)), mine: []model.UserEnrollment{}}
	c, st := newList(t, client, 0)
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	item, out, err := c.Toggle(ctx, 7)
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if !item.Enrolled || !out.Enrolled {
		t.Fatalf("expected enrolled, got %+v", item)
	}
	if !c.Page(ctx).Items[0].Enrolled {
		t.Fatalf("list should reflect the toggle without a refetch")
	}
	if !st.IsMember(ctx, 7) {
		t.Fatalf("store should contain 7")
	}

	if _, _, err := c.Toggle(ctx, 404); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestListToggleFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		eventsFn:  staticEvents(upcoming(42)),
		mine:      []model.UserEnrollment{},
		enrollErr: &remote.APIError{Kind: remote.KindTransport, Err: remote.ErrTransport},
	}
	c, st := newList(t, client, 0)
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	item, _, err := c.Toggle(ctx, 42)
	var te *enrollment.ToggleError
	if !errors.As(err, &te) {
		t.Fatalf("expected ToggleError, got %v", err)
	}
	if item.Enrolled || c.Page(ctx).Items[0].Enrolled || st.IsMember(ctx, 42) {
		t.Fatalf("failed toggle must leave everything not enrolled")
	}
}

func newDetail(t *testing.T, client remote.Client) (*DetailCoordinator, *store.Store) {
	t.Helper()
	log := zerolog.Nop()
	r, st := newReconciler(t, client)
	c := NewDetailCoordinator(client, r, &log)
	c.now = func() time.Time { return clock }
	return c, st
}

func TestDetailLoadMarksParticipants(t *testing.T) {
	ctx := context.Background()
	event := upcoming(20)
	event.MaxAssistance = 10
	client := &fakeClient{
		event:        event,
		participants: []model.EnrollmentRecord{{UserID: 99}, {UserID: me.ID}},
	}
	c, _ := newDetail(t, client)

	d, err := c.Load(ctx, 20)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !d.Enrolled || d.Panel != enrollment.PanelLoaded {
		t.Fatalf("unexpected detail %+v", d)
	}
	if !d.Participants[0].IsCreator || !d.Participants[1].IsSelf {
		t.Fatalf("participants not marked: %+v", d.Participants)
	}
	if d.Capacity != (Capacity{Taken: 2, Max: 10}) {
		t.Fatalf("unexpected capacity %+v", d.Capacity)
	}
}

func TestDetailParticipantsUnavailable(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{event: upcoming(20), partsErr: errors.New("boom")}
	c, st := newDetail(t, client)
	_ = st.Add(ctx, 20)

	d, err := c.Load(ctx, 20)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Panel != enrollment.PanelUnavailable || !d.Enrolled || len(d.Participants) != 0 {
		t.Fatalf("unexpected detail %+v", d)
	}
}

func TestDetailEventFailure(t *testing.T) {
	client := &fakeClient{eventErr: &remote.APIError{Status: http.StatusNotFound, Kind: remote.KindNotFound}}
	c, _ := newDetail(t, client)
	if _, err := c.Load(context.Background(), 1); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDetailToggleConflictAbsorbed(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		event:     upcoming(7),
		enrollErr: &remote.APIError{Status: http.StatusConflict, Kind: remote.KindConflict, Message: remote.AlreadyEnrolledMessage},
	}
	c, st := newDetail(t, client)

	d, out, err := c.Toggle(ctx, 7)
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if !out.ConflictAbsorbed || !d.Enrolled || !st.IsMember(ctx, 7) {
		t.Fatalf("conflict should resolve as enrolled: %+v", d)
	}
	if len(d.Participants) != 1 || !d.Participants[0].IsSelf {
		t.Fatalf("self record expected once: %+v", d.Participants)
	}
}

func TestDetailTogglePastEventRejected(t *testing.T) {
	ctx := context.Background()
	event := upcoming(8)
	event.StartDate = clock.Add(-time.Hour)
	client := &fakeClient{event: event}
	c, _ := newDetail(t, client)

	if _, _, err := c.Toggle(ctx, 8); !errors.Is(err, enrollment.ErrPastEvent) {
		t.Fatalf("expected ErrPastEvent, got %v", err)
	}
	if client.enrolls != 0 {
		t.Fatalf("remote must not be called")
	}
}

func TestDetailReloadOlderThanToggleIsDiscarded(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{event: upcoming(20)}
	c, st := newDetail(t, client)

	if _, err := c.Load(ctx, 20); err != nil {
		t.Fatalf("Load: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	client.partsFn = func() ([]model.EnrollmentRecord, error) {
		close(started)
		<-release
		return nil, nil
	}
	stale := make(chan error, 1)
	go func() {
		_, err := c.Load(ctx, 20)
		stale <- err
	}()
	<-started

	d, _, err := c.Toggle(ctx, 20)
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if !d.Enrolled || len(d.Participants) != 1 {
		t.Fatalf("toggle should enroll: %+v", d)
	}

	close(release)
	if err := <-stale; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	d = c.Render(20)
	if !d.Enrolled || len(d.Participants) != 1 || !st.IsMember(ctx, 20) {
		t.Fatalf("stale reload overwrote the toggle: %+v", d)
	}
}
