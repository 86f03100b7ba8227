package service

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/ginext"

	"enrollsync/internal/coordinator"
	"enrollsync/internal/dto"
	"enrollsync/internal/enrollment"
	"enrollsync/internal/model"
	"enrollsync/internal/remote"
	"enrollsync/internal/session"
	"enrollsync/pkg/validator"
)

type Service interface {
	ListEvents(ctx *ginext.Context)
	GetEvent(ctx *ginext.Context)
	ToggleEnrollment(ctx *ginext.Context)
	Health(ctx *ginext.Context)
}

type Sessions interface {
	Resolve(token string) (*session.Workspace, error)
	Len() int
}

// Notifier schedules the event reminder of a fresh enrollment.
type Notifier interface {
	ScheduleReminder(ctx context.Context, msg dto.ReminderMessage, delay time.Duration) error
}

type Options struct {
	// ReminderLead is how long before the event start the reminder fires.
	ReminderLead time.Duration
}

type service struct {
	sessions Sessions
	notifier Notifier
	opts     Options
	log      *zerolog.Logger
	now      func() time.Time
}

func NewService(sessions Sessions, notifier Notifier, opts Options, logger *zerolog.Logger) Service {
	return &service{
		sessions: sessions,
		notifier: notifier,
		opts:     opts,
		log:      logger,
		now:      time.Now,
	}
}

func (s *service) workspace(ctx *ginext.Context) (*session.Workspace, bool) {
	token, err := session.ExtractBearer(ctx.GetHeader("Authorization"))
	if err != nil {
		dto.UnauthenticatedError(ctx, "Missing bearer token")
		return nil, false
	}
	ws, err := s.sessions.Resolve(token)
	if err != nil {
		if errors.Is(err, session.ErrExpiredToken) {
			dto.SessionExpiredError(ctx)
			return nil, false
		}
		s.log.Warn().Err(err).Msg("rejected session token")
		dto.UnauthenticatedError(ctx, "Invalid session token")
		return nil, false
	}
	return ws, true
}

func (s *service) ListEvents(ctx *ginext.Context) {
	var req dto.ListEventsRequest
	if err := ctx.ShouldBindQuery(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid query parameters")
		return
	}
	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldBadFormat, verr.Error())
		return
	}

	ws, ok := s.workspace(ctx)
	if !ok {
		return
	}

	changed := ws.List.Apply(coordinator.ListQuery{
		Filter: model.EventFilter{
			Name:      req.Name,
			Tag:       req.Tag,
			StartDate: req.StartDate,
		},
		Mine:     req.Mine,
		Upcoming: req.Upcoming,
	})
	if !changed && req.Page > 0 {
		ws.List.SetPage(req.Page)
	}

	if err := ws.List.Refresh(ctx.Request.Context()); err != nil {
		if errors.Is(err, coordinator.ErrSuperseded) {
			dto.ErrorResponse(ctx, http.StatusConflict, dto.Superseded, "A newer request for this list is in progress", nil)
			return
		}
		s.remoteError(ctx, ws, err)
		return
	}

	dto.SuccessResponse(ctx, dto.ListPage(ws.List.Page(ctx.Request.Context())))
}

func (s *service) GetEvent(ctx *ginext.Context) {
	eventID, ok := eventID(ctx)
	if !ok {
		return
	}
	ws, ok := s.workspace(ctx)
	if !ok {
		return
	}

	detail, err := ws.Detail.Load(ctx.Request.Context(), eventID)
	if err != nil {
		if errors.Is(err, coordinator.ErrSuperseded) {
			dto.ErrorResponse(ctx, http.StatusConflict, dto.Superseded, "A newer request for this event is in progress", nil)
			return
		}
		s.remoteError(ctx, ws, err)
		return
	}
	dto.SuccessResponse(ctx, dto.Detail(detail, ws.User.ID))
}

func (s *service) ToggleEnrollment(ctx *ginext.Context) {
	id, ok := eventID(ctx)
	if !ok {
		return
	}
	req := dto.ToggleRequest{EventID: id, View: ctx.Query("view")}
	if verr := validator.Validate(ctx, req); verr != nil {
		dto.FieldIncorrectError(ctx, "view")
		return
	}
	ws, ok := s.workspace(ctx)
	if !ok {
		return
	}

	var (
		event   model.Event
		resp    dto.ToggleResponse
		failure dto.ToggleFailure
		out     enrollment.Outcome
		err     error
	)
	if req.View == "list" {
		var item coordinator.ListItem
		item, out, err = ws.List.Toggle(ctx.Request.Context(), id)
		mapped := dto.ListItem(item)
		resp.Item, failure.Item = &mapped, &mapped
		event = item.Event
	} else {
		var detail coordinator.Detail
		detail, out, err = ws.Detail.Toggle(ctx.Request.Context(), id)
		mapped := dto.Detail(detail, ws.User.ID)
		resp.Detail, failure.Detail = &mapped, &mapped
		event = detail.Event
	}
	if err != nil {
		s.toggleError(ctx, ws, err, failure)
		return
	}

	if out.Enrolled && !out.ConflictAbsorbed {
		s.scheduleReminder(ctx.Request.Context(), ws.User, event)
	}

	resp.EventID = out.EventID
	resp.Enrolled = out.Enrolled
	resp.ConflictAbsorbed = out.ConflictAbsorbed
	dto.SuccessResponse(ctx, resp)
}

func (s *service) Health(ctx *ginext.Context) {
	dto.SuccessResponse(ctx, map[string]any{
		"status":   "up",
		"sessions": s.sessions.Len(),
	})
}

func (s *service) scheduleReminder(ctx context.Context, user model.User, e model.Event) {
	if s.notifier == nil || user.Email == "" || e.StartDate.IsZero() {
		return
	}
	now := s.now()
	remindAt := e.StartDate.Add(-s.opts.ReminderLead)
	delay := remindAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	msg := dto.ReminderMessage{
		UserID:    user.ID,
		EventID:   e.ID,
		EventName: e.Name,
		Email:     user.Email,
		StartsAt:  e.StartDate,
		RemindAt:  remindAt,
	}
	if err := s.notifier.ScheduleReminder(ctx, msg, delay); err != nil {
		s.log.Error().Err(err).Int64("event_id", e.ID).Int64("user_id", user.ID).Msg("failed to schedule reminder")
	}
}

func (s *service) toggleError(ctx *ginext.Context, ws *session.Workspace, err error, failure dto.ToggleFailure) {
	switch {
	case errors.Is(err, enrollment.ErrToggleInFlight):
		dto.ErrorResponse(ctx, http.StatusConflict, dto.ToggleInFlight, "This enrollment is already being updated", nil)
		return
	case errors.Is(err, enrollment.ErrOwnEvent):
		dto.ErrorResponse(ctx, http.StatusForbidden, dto.OwnEvent, "You cannot enroll in your own event", nil)
		return
	case errors.Is(err, enrollment.ErrPastEvent):
		dto.ErrorResponse(ctx, http.StatusConflict, dto.PastEvent, "The event has already started", nil)
		return
	case errors.Is(err, coordinator.ErrUnknownEvent):
		dto.EventNotFoundError(ctx)
		return
	}

	var te *enrollment.ToggleError
	if !errors.As(err, &te) {
		s.remoteError(ctx, ws, err)
		return
	}
	switch {
	case errors.Is(err, remote.ErrUnauthorized):
		dto.SessionExpiredError(ctx)
	case errors.Is(err, remote.ErrTransport):
		dto.ErrorResponse(ctx, http.StatusBadGateway, dto.RemoteUnreachable, te.Message, failure)
	case errors.Is(err, remote.ErrNotFound):
		dto.ErrorResponse(ctx, http.StatusNotFound, dto.EventNotFound, te.Message, failure)
	case errors.Is(err, remote.ErrValidation):
		dto.ErrorResponse(ctx, http.StatusUnprocessableEntity, dto.ToggleFailed, te.Message, failure)
	case errors.Is(err, remote.ErrConflict):
		dto.ErrorResponse(ctx, http.StatusConflict, dto.RemoteRejected, te.Message, failure)
	default:
		dto.ErrorResponse(ctx, http.StatusBadGateway, dto.ToggleFailed, te.Message, failure)
	}
}

func (s *service) remoteError(ctx *ginext.Context, ws *session.Workspace, err error) {
	switch {
	case errors.Is(err, remote.ErrUnauthorized):
		dto.SessionExpiredError(ctx)
	case errors.Is(err, remote.ErrNotFound):
		dto.EventNotFoundError(ctx)
	case errors.Is(err, remote.ErrTransport):
		dto.ErrorResponse(ctx, http.StatusBadGateway, dto.RemoteUnreachable, "The events service is unreachable, please try again", nil)
	case errors.Is(err, remote.ErrValidation):
		dto.BadResponseError(ctx, dto.RemoteRejected, remoteMessage(err))
	default:
		s.log.Error().Err(err).Int64("user_id", ws.User.ID).Msg("events service request failed")
		dto.ErrorResponse(ctx, http.StatusBadGateway, dto.RemoteRejected, dto.InternalError, nil)
	}
}

func remoteMessage(err error) string {
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return "The events service rejected the request"
}

func eventID(ctx *ginext.Context) (int64, bool) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		dto.FieldIncorrectError(ctx, "id")
		return 0, false
	}
	return id, true
}
