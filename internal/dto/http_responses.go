package dto

import (
	"net/http"
	"time"

	"github.com/wb-go/wbf/ginext"
)

const (
	FieldBadFormat     = "FIELD_BADFORMAT"
	FieldIncorrect     = "FIELD_INCORRECT"
	ServiceUnavailable = "SERVICE_UNAVAILABLE"
	InternalError      = "Service is currently unavailable. Please try again later."

	EventNotFound     = "EVENT_NOT_FOUND"
	SessionExpired    = "SESSION_EXPIRED"
	Unauthenticated   = "UNAUTHENTICATED"
	ToggleInFlight    = "TOGGLE_IN_FLIGHT"
	ToggleFailed      = "TOGGLE_FAILED"
	OwnEvent          = "OWN_EVENT"
	PastEvent         = "PAST_EVENT"
	Superseded        = "SUPERSEDED"
	RemoteRejected    = "REMOTE_REJECTED"
	RemoteUnreachable = "REMOTE_UNREACHABLE"
)

type ListEventsRequest struct {
	Name      string `form:"name" validate:"max=255"`
	Tag       string `form:"tag" validate:"omitempty,tag"`
	StartDate string `form:"start_date" validate:"omitempty,date"`
	Mine      bool   `form:"mine"`
	Upcoming  bool   `form:"upcoming"`
	Page      int    `form:"page" validate:"gte=0"`
}

type ToggleRequest struct {
	EventID int64  `validate:"positive"`
	View    string `validate:"omitempty,oneof=list detail"`
}

type EventResponse struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	StartDate    time.Time `json:"start_date"`
	LocationName string    `json:"location_name,omitempty"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	Price        *float64  `json:"price,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Creator      Creator   `json:"creator"`
	Capacity     int       `json:"max_assistance,omitempty"`
}

type Creator struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

type EnrollmentState struct {
	Status    string `json:"status"`
	Enrolled  bool   `json:"enrolled"`
	CanToggle bool   `json:"can_toggle"`
	Blocked   string `json:"blocked_reason,omitempty"`
	InFlight  bool   `json:"in_flight"`
	IsCreator bool   `json:"is_creator,omitempty"`
}

type ListItemResponse struct {
	Event      EventResponse   `json:"event"`
	Enrollment EnrollmentState `json:"enrollment"`
}

type ListPageResponse struct {
	Items        []ListItemResponse `json:"items"`
	Page         int                `json:"page"`
	PageSize     int                `json:"page_size"`
	TotalPages   int                `json:"total_pages"`
	Total        int                `json:"total"`
	RemoteLoaded bool               `json:"remote_loaded"`
}

type ParticipantResponse struct {
	UserID       int64     `json:"user_id"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Username     string    `json:"username"`
	Attended     bool      `json:"attended"`
	Description  string    `json:"description,omitempty"`
	Observations string    `json:"observations,omitempty"`
	Rating       *int      `json:"rating,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	IsSelf       bool      `json:"is_self,omitempty"`
	IsCreator    bool      `json:"is_creator,omitempty"`
}

type CapacityResponse struct {
	Taken int `json:"taken"`
	Max   int `json:"max,omitempty"`
}

type DetailResponse struct {
	Event        EventResponse         `json:"event"`
	Enrollment   EnrollmentState       `json:"enrollment"`
	Panel        string                `json:"participants_panel"`
	Participants []ParticipantResponse `json:"participants"`
	Capacity     *CapacityResponse     `json:"capacity,omitempty"`
}

type ToggleResponse struct {
	EventID          int64             `json:"event_id"`
	Enrolled         bool              `json:"enrolled"`
	ConflictAbsorbed bool              `json:"conflict_absorbed,omitempty"`
	Item             *ListItemResponse `json:"item,omitempty"`
	Detail           *DetailResponse   `json:"detail,omitempty"`
}

// ToggleFailure is returned alongside the error so the client can redraw the rolled back state.
type ToggleFailure struct {
	Item   *ListItemResponse `json:"item,omitempty"`
	Detail *DetailResponse   `json:"detail,omitempty"`
}

type Response struct {
	Status string `json:"status"`
	Error  *Error `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

type Error struct {
	Code string `json:"code"`
	Desc string `json:"desc"`
}

func ErrorResponse(c *ginext.Context, status int, code, desc string, data any) {
	c.JSON(status, Response{
		Status: "error",
		Error: &Error{
			Code: code,
			Desc: desc,
		},
		Data: data,
	})
}

func BadResponseError(c *ginext.Context, code, desc string) {
	ErrorResponse(c, http.StatusBadRequest, code, desc, nil)
}

func InternalServerError(c *ginext.Context) {
	ErrorResponse(c, http.StatusInternalServerError, ServiceUnavailable, InternalError, nil)
}

func FieldBadFormatError(c *ginext.Context, fieldName string) {
	BadResponseError(c, FieldBadFormat, "Field '"+fieldName+"' has bad format")
}

func FieldIncorrectError(c *ginext.Context, fieldName string) {
	BadResponseError(c, FieldIncorrect, "Field '"+fieldName+"' is incorrect")
}

func EventNotFoundError(c *ginext.Context) {
	ErrorResponse(c, http.StatusNotFound, EventNotFound, "Event not found", nil)
}

func UnauthenticatedError(c *ginext.Context, desc string) {
	ErrorResponse(c, http.StatusUnauthorized, Unauthenticated, desc, nil)
}

func SessionExpiredError(c *ginext.Context) {
	ErrorResponse(c, http.StatusUnauthorized, SessionExpired, "Your session has expired, please sign in again", nil)
}

func SuccessResponse(c *ginext.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Status: "ok",
		Data:   data,
	})
}

// ReminderMessage is published on enroll and consumed once the reminder is due.
type ReminderMessage struct {
	UserID    int64     `json:"user_id"`
	EventID   int64     `json:"event_id"`
	EventName string    `json:"event_name"`
	Email     string    `json:"email"`
	StartsAt  time.Time `json:"starts_at"`
	RemindAt  time.Time `json:"remind_at"`
}
