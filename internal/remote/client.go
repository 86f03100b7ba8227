package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"enrollsync/internal/model"
)

const maxBodyBytes = 4 << 20

const (
	DefaultEnrollDescription  = "Inscripción al evento desde la aplicación"
	DefaultEnrollObservations = "Sin observaciones adicionales"
	DefaultEnrollRating       = 1
)

// Client is the remote events API as one signed-in user sees it.
type Client interface {
	Enroll(ctx context.Context, eventID int64, payload EnrollPayload) (model.EnrollmentRecord, error)
	Unenroll(ctx context.Context, eventID int64) error
	ListForEvent(ctx context.Context, eventID int64) ([]model.EnrollmentRecord, error)
	ListForCurrentUser(ctx context.Context) ([]model.UserEnrollment, error)
	ListEvents(ctx context.Context, filter model.EventFilter) ([]model.Event, error)
	GetEvent(ctx context.Context, eventID int64) (model.Event, error)
}

type EnrollPayload struct {
	Description  string `json:"description" validate:"max=500"`
	Attended     *bool  `json:"attended"`
	Observations string `json:"observations" validate:"max=500"`
	Rating       *int   `json:"rating" validate:"omitempty,min=1,max=5"`
}

type enrollBody struct {
	Description  string `json:"description"`
	Attended     bool   `json:"attended"`
	Observations string `json:"observations"`
	Rating       int    `json:"rating"`
}

// WithDefaults fills every field the caller left unset.
func (p EnrollPayload) WithDefaults() EnrollPayload {
	if p.Description == "" {
		p.Description = DefaultEnrollDescription
	}
	if p.Observations == "" {
		p.Observations = DefaultEnrollObservations
	}
	if p.Attended == nil {
		attended := true
		p.Attended = &attended
	}
	if p.Rating == nil {
		rating := DefaultEnrollRating
		p.Rating = &rating
	}
	return p
}

func (p EnrollPayload) body() enrollBody {
	d := p.WithDefaults()
	return enrollBody{
		Description:  d.Description,
		Attended:     *d.Attended,
		Observations: d.Observations,
		Rating:       *d.Rating,
	}
}

type Config struct {
	BaseURL             string
	Timeout             time.Duration
	UserEnrollmentsPath string
}

// HTTPClient holds the transport shared by every session.
type HTTPClient struct {
	base                *url.URL
	http                *http.Client
	userEnrollmentsPath string
	log                 *zerolog.Logger
}

func NewHTTPClient(cfg Config, log *zerolog.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base url cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	path := cfg.UserEnrollmentsPath
	if path == "" {
		path = "/user/enrollments"
	}
	return &HTTPClient{
		base:                base,
		http:                &http.Client{Timeout: timeout},
		userEnrollmentsPath: path,
		log:                 log,
	}, nil
}

// WithToken binds the transport to one session token. onUnauthorized runs on every 401.
func (c *HTTPClient) WithToken(token string, onUnauthorized func()) *SessionClient {
	return &SessionClient{transport: c, token: token, onUnauthorized: onUnauthorized}
}

type SessionClient struct {
	transport      *HTTPClient
	token          string
	onUnauthorized func()
}

func (s *SessionClient) Enroll(ctx context.Context, eventID int64, payload EnrollPayload) (model.EnrollmentRecord, error) {
	data, err := s.do(ctx, http.MethodPost, eventPath(eventID, "enrollment"), nil, payload.body())
	if err != nil {
		return model.EnrollmentRecord{}, err
	}
	v, err := decode(data)
	if err != nil {
		return model.EnrollmentRecord{}, err
	}
	items := objects(v, "enrollment", "data")
	if len(items) == 0 {
		return model.EnrollmentRecord{}, nil
	}
	rec, err := recordFrom(items[0])
	if err != nil {
		// some deployments answer with just {message}; the enroll still happened
		return model.EnrollmentRecord{}, nil
	}
	return rec, nil
}

func (s *SessionClient) Unenroll(ctx context.Context, eventID int64) error {
	_, err := s.do(ctx, http.MethodDelete, eventPath(eventID, "enrollment"), nil, nil)
	return err
}

func (s *SessionClient) ListForEvent(ctx context.Context, eventID int64) ([]model.EnrollmentRecord, error) {
	data, err := s.do(ctx, http.MethodGet, eventPath(eventID, "enrollments"), nil, nil)
	if err != nil {
		return nil, err
	}
	v, err := decode(data)
	if err != nil {
		return nil, err
	}
	items := objects(v, "enrollments", "data")
	records := make([]model.EnrollmentRecord, 0, len(items))
	for _, item := range items {
		rec, err := recordFrom(item)
		if err != nil {
			s.transport.log.Warn().Err(err).Int64("event_id", eventID).Msg("skipping malformed enrollment record")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *SessionClient) ListForCurrentUser(ctx context.Context) ([]model.UserEnrollment, error) {
	data, err := s.do(ctx, http.MethodGet, s.transport.userEnrollmentsPath, nil, nil)
	if err != nil {
		return nil, err
	}
	v, err := decode(data)
	if err != nil {
		return nil, err
	}
	items := objects(v, "enrollments", "data")
	out := make([]model.UserEnrollment, 0, len(items))
	for _, item := range items {
		ue, err := userEnrollmentFrom(item)
		if err != nil {
			s.transport.log.Warn().Err(err).Msg("skipping malformed user enrollment")
			continue
		}
		out = append(out, ue)
	}
	return out, nil
}

func (s *SessionClient) ListEvents(ctx context.Context, filter model.EventFilter) ([]model.Event, error) {
	q := url.Values{}
	if filter.Name != "" {
		q.Set("name", filter.Name)
	}
	if filter.Tag != "" {
		q.Set("tag", filter.Tag)
	}
	if filter.StartDate != "" {
		q.Set("start_date", filter.StartDate)
	}
	data, err := s.do(ctx, http.MethodGet, "/event", q, nil)
	if err != nil {
		return nil, err
	}
	v, err := decode(data)
	if err != nil {
		return nil, err
	}
	items := objects(v, "events", "data")
	events := make([]model.Event, 0, len(items))
	for _, item := range items {
		e, err := eventFrom(item)
		if err != nil {
			s.transport.log.Warn().Err(err).Msg("skipping malformed event")
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

func (s *SessionClient) GetEvent(ctx context.Context, eventID int64) (model.Event, error) {
	data, err := s.do(ctx, http.MethodGet, eventPath(eventID, ""), nil, nil)
	if err != nil {
		return model.Event{}, err
	}
	v, err := decode(data)
	if err != nil {
		return model.Event{}, err
	}
	items := objects(v, "event", "data")
	if len(items) == 0 {
		return model.Event{}, &APIError{Status: http.StatusNotFound, Kind: KindNotFound, Message: "event not found"}
	}
	return eventFrom(items[0])
}

func eventPath(eventID int64, suffix string) string {
	p := "/event/" + strconv.FormatInt(eventID, 10)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (s *SessionClient) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := *s.transport.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	start := time.Now()
	resp, err := s.transport.http.Do(req)
	if err != nil {
		s.transport.log.Error().Err(err).
			Str("method", method).
			Str("path", path).
			Str("request_id", requestID).
			Msg("remote request failed")
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, transportError(err)
	}

	s.transport.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Str("request_id", requestID).
		Msg("remote request")

	if resp.StatusCode >= http.StatusBadRequest {
		msg := errorMessage(data)
		apiErr := &APIError{Status: resp.StatusCode, Message: msg, Kind: classify(resp.StatusCode, msg)}
		if apiErr.Kind == KindUnauthorized && s.onUnauthorized != nil {
			s.onUnauthorized()
		}
		return nil, apiErr
	}
	return data, nil
}
