package remote

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"enrollsync/internal/model"
)

var errMissingID = errors.New("missing id")

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func decode(data []byte) (any, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var v any
	if err := sonic.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	return v, nil
}

// objects flattens the accepted response shapes (array, single object, or an
// object wrapping the array under one of envelopeKeys) into a list of objects.
func objects(v any, envelopeKeys ...string) []map[string]any {
	switch t := v.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		for _, key := range envelopeKeys {
			if inner, ok := t[key]; ok {
				return objects(inner)
			}
		}
		return []map[string]any{t}
	}
	return nil
}

func field(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(m map[string]any, keys ...string) string {
	v, ok := field(m, keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func int64Field(m map[string]any, keys ...string) (int64, bool) {
	v, ok := field(m, keys...)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func floatField(m map[string]any, keys ...string) *float64 {
	v, ok := field(m, keys...)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case float64:
		return &t
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		return &f
	}
	return nil
}

func boolField(m map[string]any, keys ...string) bool {
	v, ok := field(m, keys...)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return err == nil && b
	}
	return false
}

func timeField(m map[string]any, keys ...string) time.Time {
	s := stringField(m, keys...)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func tagsField(m map[string]any) []string {
	v, ok := field(m, "tags", "etiquetas")
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	tags := make([]string, 0, len(list))
	for _, item := range list {
		switch t := item.(type) {
		case string:
			tags = append(tags, t)
		case map[string]any:
			if name := stringField(t, "name", "nombre", "tag"); name != "" {
				tags = append(tags, name)
			}
		}
	}
	return tags
}

func eventFrom(m map[string]any) (model.Event, error) {
	id, ok := int64Field(m, "id", "id_event", "event_id")
	if !ok {
		return model.Event{}, fmt.Errorf("event: %w", errMissingID)
	}
	e := model.Event{
		ID:               id,
		Name:             stringField(m, "evento_nombre", "name", "nombre"),
		Description:      stringField(m, "description", "descripcion"),
		StartDate:        timeField(m, "start_date", "fecha_inicio"),
		LocationName:     stringField(m, "ubicacion_nombre", "location_name"),
		Latitude:         floatField(m, "latitude", "latitud"),
		Longitude:        floatField(m, "longitude", "longitud"),
		Price:            floatField(m, "price", "precio"),
		CreatorFirstName: stringField(m, "first_name"),
		CreatorLastName:  stringField(m, "last_name"),
		CreatorUsername:  stringField(m, "username"),
		Tags:             tagsField(m),
	}
	if creator, ok := int64Field(m, "id_creator_user", "creator_id", "creatorId"); ok {
		e.CreatorID = creator
	}
	if capacity, ok := int64Field(m, "max_assistance", "capacity"); ok {
		e.MaxAssistance = int(capacity)
	}
	return e, nil
}

func recordFrom(m map[string]any) (model.EnrollmentRecord, error) {
	uid, ok := int64Field(m, "user_id", "id_user", "userId")
	if !ok {
		return model.EnrollmentRecord{}, fmt.Errorf("enrollment: %w", errMissingID)
	}
	r := model.EnrollmentRecord{
		UserID:       uid,
		FirstName:    stringField(m, "first_name", "firstName"),
		LastName:     stringField(m, "last_name", "lastName"),
		Username:     stringField(m, "username"),
		Attended:     boolField(m, "attended"),
		Description:  stringField(m, "description"),
		Observations: stringField(m, "observations"),
		RegisteredAt: timeField(m, "registration_date_time", "registered_at", "registeredAt"),
		IsCreator:    boolField(m, "is_creator"),
	}
	if rating, ok := int64Field(m, "rating"); ok && rating >= 1 && rating <= 5 {
		n := int(rating)
		r.Rating = &n
	}
	return r, nil
}

func userEnrollmentFrom(m map[string]any) (model.UserEnrollment, error) {
	id, ok := int64Field(m, "id_event", "event_id", "eventId")
	if !ok {
		return model.UserEnrollment{}, fmt.Errorf("user enrollment: %w", errMissingID)
	}
	return model.UserEnrollment{EventID: id}, nil
}

// errorMessage pulls the server message out of an error body, if there is one.
func errorMessage(data []byte) string {
	v, err := decode(data)
	if err != nil || v == nil {
		return strings.TrimSpace(string(data))
	}
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	if msg := stringField(m, "message", "error", "msg"); msg != "" {
		return msg
	}
	if inner, ok := m["error"].(map[string]any); ok {
		return stringField(inner, "desc", "message")
	}
	return ""
}
