package dto

import (
	"errors"

	"enrollsync/internal/coordinator"
	"enrollsync/internal/enrollment"
	"enrollsync/internal/model"
)

func Event(e model.Event) EventResponse {
	return EventResponse{
		ID:           e.ID,
		Name:         e.Name,
		Description:  e.Description,
		StartDate:    e.StartDate,
		LocationName: e.LocationName,
		Latitude:     e.Latitude,
		Longitude:    e.Longitude,
		Price:        e.Price,
		Tags:         e.Tags,
		Creator: Creator{
			ID:        e.CreatorID,
			FirstName: e.CreatorFirstName,
			LastName:  e.CreatorLastName,
			Username:  e.CreatorUsername,
		},
		Capacity: e.MaxAssistance,
	}
}

func enrollmentState(enrolled bool, toggle error, inFlight, isCreator bool) EnrollmentState {
	return EnrollmentState{
		Status:    model.StatusOf(enrolled).String(),
		Enrolled:  enrolled,
		CanToggle: toggle == nil && !inFlight,
		Blocked:   BlockedReason(toggle),
		InFlight:  inFlight,
		IsCreator: isCreator,
	}
}

// BlockedReason maps a toggle gate error to its response code.
func BlockedReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, enrollment.ErrOwnEvent):
		return OwnEvent
	case errors.Is(err, enrollment.ErrPastEvent):
		return PastEvent
	default:
		return FieldIncorrect
	}
}

func ListItem(item coordinator.ListItem) ListItemResponse {
	return ListItemResponse{
		Event:      Event(item.Event),
		Enrollment: enrollmentState(item.Enrolled, item.Toggle, item.InFlight, item.IsCreator),
	}
}

func ListPage(p coordinator.ListPage) ListPageResponse {
	items := make([]ListItemResponse, 0, len(p.Items))
	for _, item := range p.Items {
		items = append(items, ListItem(item))
	}
	return ListPageResponse{
		Items:        items,
		Page:         p.Page,
		PageSize:     p.PageSize,
		TotalPages:   p.TotalPages,
		Total:        p.Total,
		RemoteLoaded: p.RemoteLoaded,
	}
}

func Detail(d coordinator.Detail, userID int64) DetailResponse {
	participants := make([]ParticipantResponse, 0, len(d.Participants))
	for _, p := range d.Participants {
		participants = append(participants, ParticipantResponse{
			UserID:       p.UserID,
			FirstName:    p.FirstName,
			LastName:     p.LastName,
			Username:     p.Username,
			Attended:     p.Attended,
			Description:  p.Description,
			Observations: p.Observations,
			Rating:       p.Rating,
			RegisteredAt: p.RegisteredAt,
			IsSelf:       p.IsSelf,
			IsCreator:    p.IsCreator,
		})
	}
	resp := DetailResponse{
		Event:        Event(d.Event),
		Enrollment:   enrollmentState(d.Enrolled, d.Toggle, d.InFlight, d.Event.CreatorID == userID),
		Panel:        d.Panel.String(),
		Participants: participants,
	}
	// without the participant list the count would be wrong
	if d.Panel == enrollment.PanelLoaded {
		resp.Capacity = &CapacityResponse{Taken: d.Capacity.Taken, Max: d.Capacity.Max}
	}
	return resp
}
