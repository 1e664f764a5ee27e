package validation

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/josernestodavila/the-eye/internal/models"
)

const maxFieldLength = 100

// Validation messages returned to clients, keyed per offending field.
const (
	msgRequired        = "this field is required."
	msgNotBlank        = "this field may not be blank."
	msgTooLong         = "ensure this field has no more than 100 characters."
	msgInvalidUUID     = "must be a valid UUID."
	msgNotString       = "not a valid string."
	msgInvalidJSON     = "value must be valid JSON."
	msgInvalidDatetime = "datetime has wrong format."
	msgFutureTimestamp = "event timestamp cannot be dated in the future."
)

// Timestamp layouts accepted on ingestion, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999Z07:00",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// EventRequest is the raw, untrusted shape of a POST /events body. Every field
// arrives loosely typed; nothing here is safe to hand to storage.
type EventRequest struct {
	SessionID string          `json:"session_id"`
	Category  string          `json:"category"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// Errors maps each offending field to its validation messages. All fields are
// checked, not just the first failing one.
type Errors map[string][]string

func (e Errors) add(field, msg string) {
	e[field] = append(e[field], msg)
}

// HasErrors reports whether any field failed validation.
func (e Errors) HasErrors() bool {
	return len(e) > 0
}

// ValidateEventRequest checks a raw submission against the ingestion rules and
// returns a normalized, fully-typed submission on success. It runs
// synchronously inside the request, so it never touches the session or event
// stores; the future-timestamp check uses the server clock at validation time.
func ValidateEventRequest(req *EventRequest, now time.Time) (*models.EventSubmission, Errors) {
	errs := Errors{}

	sessionID := validateSessionID(req.SessionID, errs)
	validateRequiredString("category", req.Category, errs)
	validateRequiredString("name", req.Name, errs)
	data := validateData(req.Data, errs)
	timestamp := validateTimestamp(req.Timestamp, now, errs)

	if errs.HasErrors() {
		return nil, errs
	}

	return &models.EventSubmission{
		SessionID: sessionID,
		Category:  req.Category,
		Name:      req.Name,
		Data:      data,
		Timestamp: timestamp,
	}, nil
}

func validateSessionID(raw string, errs Errors) uuid.UUID {
	if raw == "" {
		errs.add("session_id", msgRequired)
		return uuid.Nil
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		errs.add("session_id", msgInvalidUUID)
		return uuid.Nil
	}

	return id
}

func validateRequiredString(field, value string, errs Errors) {
	if value == "" {
		errs.add(field, msgNotBlank)
		return
	}

	// The bound matches the varchar(100) column width, which counts
	// characters, not bytes.
	if utf8.RuneCountInString(value) > maxFieldLength {
		errs.add(field, msgTooLong)
	}
}

// validateData checks the payload is a well-formed JSON value. A missing
// payload defaults to an empty object.
func validateData(raw json.RawMessage, errs Errors) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}

	if !json.Valid(raw) {
		errs.add("data", msgInvalidJSON)
		return nil
	}

	return raw
}

func validateTimestamp(raw string, now time.Time, errs Errors) time.Time {
	if raw == "" {
		errs.add("timestamp", msgRequired)
		return time.Time{}
	}

	timestamp, err := ParseTimestamp(raw)
	if err != nil {
		errs.add("timestamp", msgInvalidDatetime)
		return time.Time{}
	}

	if timestamp.After(now) {
		errs.add("timestamp", msgFutureTimestamp)
		return time.Time{}
	}

	return timestamp
}

// FieldTypeError maps a JSON type mismatch on a known request field to the
// same per-field error shape the full validation pass produces, so a numeric
// timestamp and a malformed timestamp string fail identically.
func FieldTypeError(field string) (Errors, bool) {
	switch field {
	case "session_id":
		return Errors{field: {msgInvalidUUID}}, true
	case "category", "name":
		return Errors{field: {msgNotString}}, true
	case "timestamp":
		return Errors{field: {msgInvalidDatetime}}, true
	}
	return nil, false
}

// ParseTimestamp parses a client-supplied timestamp. Layouts without an offset
// are interpreted as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, raw, time.UTC)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
