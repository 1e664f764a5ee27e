package validation

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func validRequest() *EventRequest {
	return &EventRequest{
		SessionID: "e2085be5-9137-4e4e-80b5-f1ffddc25423",
		Category:  "page interaction",
		Name:      "cta click",
		Data:      json.RawMessage(`{"host":"www.consumeraffairs.com","path":"/","element":"chat bubble"}`),
		Timestamp: "2021-01-01T09:15:27.243860Z",
	}
}

func TestValidateEventRequest(t *testing.T) {
	now := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

	submission, errs := ValidateEventRequest(validRequest(), now)

	require.False(t, errs.HasErrors())
	require.NotNil(t, submission)
	require.Equal(t, uuid.MustParse("e2085be5-9137-4e4e-80b5-f1ffddc25423"), submission.SessionID)
	require.Equal(t, "page interaction", submission.Category)
	require.Equal(t, "cta click", submission.Name)
	require.JSONEq(t, `{"host":"www.consumeraffairs.com","path":"/","element":"chat bubble"}`, string(submission.Data))
	require.Equal(t, time.Date(2021, 1, 1, 9, 15, 27, 243860000, time.UTC), submission.Timestamp.UTC())
}

func TestValidateEventRequestRejectsFutureTimestamp(t *testing.T) {
	now := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

	req := validRequest()
	req.Timestamp = now.Add(time.Hour).Format(time.RFC3339Nano)

	submission, errs := ValidateEventRequest(req, now)

	require.Nil(t, submission)
	require.True(t, errs.HasErrors())
	require.Contains(t, errs["timestamp"], "event timestamp cannot be dated in the future.")
}

func TestValidateEventRequestAcceptsTimestampEqualToNow(t *testing.T) {
	now := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

	req := validRequest()
	req.Timestamp = now.Format(time.RFC3339Nano)

	_, errs := ValidateEventRequest(req, now)

	require.False(t, errs.HasErrors())
}

func TestValidateEventRequestMissingDataDefaultsToEmptyObject(t *testing.T) {
	req := validRequest()
	req.Data = nil

	submission, errs := ValidateEventRequest(req, time.Now())

	require.False(t, errs.HasErrors())
	require.JSONEq(t, `{}`, string(submission.Data))
}

func TestValidateEventRequestRejectsMalformedData(t *testing.T) {
	req := validRequest()
	req.Data = json.RawMessage(`{"host":`)

	submission, errs := ValidateEventRequest(req, time.Now())

	require.Nil(t, submission)
	require.Contains(t, errs["data"], "value must be valid JSON.")
}

func TestValidateEventRequestReportsAllOffendingFields(t *testing.T) {
	req := &EventRequest{
		SessionID: "not-a-uuid",
		Category:  "",
		Name:      "",
		Timestamp: "yesterday",
	}

	submission, errs := ValidateEventRequest(req, time.Now())

	require.Nil(t, submission)
	require.Len(t, errs, 4)
	require.Contains(t, errs["session_id"], "must be a valid UUID.")
	require.Contains(t, errs["category"], "this field may not be blank.")
	require.Contains(t, errs["name"], "this field may not be blank.")
	require.Contains(t, errs["timestamp"], "datetime has wrong format.")
}

func TestValidateEventRequestRejectsOverlongFields(t *testing.T) {
	long := make([]byte, 101)
	for i := range long {
		long[i] = 'a'
	}

	req := validRequest()
	req.Category = string(long)
	req.Name = string(long)

	submission, errs := ValidateEventRequest(req, time.Now())

	require.Nil(t, submission)
	require.Contains(t, errs["category"], "ensure this field has no more than 100 characters.")
	require.Contains(t, errs["name"], "ensure this field has no more than 100 characters.")
}

// The 100-character bound counts characters like the varchar(100) column
// does, so a multibyte value within the column width must pass even though it
// is well over 100 bytes.
func TestValidateEventRequestLengthBoundCountsCharactersNotBytes(t *testing.T) {
	req := validRequest()
	req.Category = strings.Repeat("ク", 40)
	req.Name = strings.Repeat("é", 100)

	submission, errs := ValidateEventRequest(req, time.Now())

	require.False(t, errs.HasErrors())
	require.NotNil(t, submission)

	req = validRequest()
	req.Category = strings.Repeat("ク", 101)

	submission, errs = ValidateEventRequest(req, time.Now())

	require.Nil(t, submission)
	require.Contains(t, errs["category"], "ensure this field has no more than 100 characters.")
}

func TestValidateEventRequestRequiresSessionIDAndTimestamp(t *testing.T) {
	req := validRequest()
	req.SessionID = ""
	req.Timestamp = ""

	_, errs := ValidateEventRequest(req, time.Now())

	require.Contains(t, errs["session_id"], "this field is required.")
	require.Contains(t, errs["timestamp"], "this field is required.")
}

func TestParseTimestampLayouts(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Time
	}{
		{"2021-01-01T09:15:27.243860Z", time.Date(2021, 1, 1, 9, 15, 27, 243860000, time.UTC)},
		{"2021-01-01 09:15:27.243860", time.Date(2021, 1, 1, 9, 15, 27, 243860000, time.UTC)},
		{"2021-01-01 09:15:27", time.Date(2021, 1, 1, 9, 15, 27, 0, time.UTC)},
		{"2021-01-01T09:15:27+02:00", time.Date(2021, 1, 1, 7, 15, 27, 0, time.UTC)},
	}

	for _, tc := range cases {
		parsed, err := ParseTimestamp(tc.raw)
		require.NoError(t, err, tc.raw)
		require.True(t, parsed.UTC().Equal(tc.want), tc.raw)
	}
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	_, err := ParseTimestamp("not a timestamp")
	require.Error(t, err)
}
