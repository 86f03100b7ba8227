package model

import "time"

type EnrollmentStatus int

const (
	NotEnrolled EnrollmentStatus = iota
	Enrolled
)

func StatusOf(enrolled bool) EnrollmentStatus {
	if enrolled {
		return Enrolled
	}
	return NotEnrolled
}

func (s EnrollmentStatus) String() string {
	if s == Enrolled {
		return "enrolled"
	}
	return "not_enrolled"
}

type Event struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	StartDate        time.Time `json:"start_date"`
	LocationName     string    `json:"location_name,omitempty"`
	Latitude         *float64  `json:"latitude,omitempty"`
	Longitude        *float64  `json:"longitude,omitempty"`
	Price            *float64  `json:"price,omitempty"`
	CreatorID        int64     `json:"creator_id"`
	CreatorFirstName string    `json:"creator_first_name,omitempty"`
	CreatorLastName  string    `json:"creator_last_name,omitempty"`
	CreatorUsername  string    `json:"creator_username,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	MaxAssistance    int       `json:"max_assistance,omitempty"`
}

// IsPast reports whether the event already started at now.
func (e Event) IsPast(now time.Time) bool {
	return !e.StartDate.IsZero() && e.StartDate.Before(now)
}

// EnrollmentRecord is one participant of an event as the remote service reports it.
type EnrollmentRecord struct {
	UserID       int64     `json:"user_id"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Username     string    `json:"username"`
	Attended     bool      `json:"attended"`
	Description  string    `json:"description,omitempty"`
	Observations string    `json:"observations,omitempty"`
	Rating       *int      `json:"rating,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	IsCreator    bool      `json:"is_creator,omitempty"`
}

type UserEnrollment struct {
	EventID int64 `json:"event_id"`
}

type EventFilter struct {
	Name      string `json:"name,omitempty"`
	Tag       string `json:"tag,omitempty" validate:"omitempty,tag"`
	StartDate string `json:"start_date,omitempty" validate:"omitempty,date"`
}

// User is the signed-in identity the BFF acts for.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// DisplayUsername falls back to the email when the session carries no username.
func (u User) DisplayUsername() string {
	if u.Username != "" {
		return u.Username
	}
	return u.Email
}
