package ontology

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampUnmarshalEpochSeconds(t *testing.T) {
	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`1724800000`), &ts))
	assert.Equal(t, int64(1724800000), ts.Unix())
	assert.Equal(t, time.UTC, ts.Location())
}

func TestTimestampUnmarshalEpochMillis(t *testing.T) {
	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`1724800000123`), &ts))
	assert.Equal(t, int64(1724800000), ts.Unix())
	assert.InDelta(t, 123, ts.Nanosecond()/1e6, 1)
}

func TestTimestampUnmarshalFractionalSeconds(t *testing.T) {
	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`1724800000.5`), &ts))
	assert.Equal(t, int64(1724800000), ts.Unix())
	assert.InDelta(t, 5e8, float64(ts.Nanosecond()), 1e3)
}

func TestTimestampUnmarshalRFC3339(t *testing.T) {
	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`"2026-08-27T10:30:00+02:00"`), &ts))
	assert.Equal(t, time.UTC, ts.Location())
	assert.Equal(t, 8, ts.Hour(), "normalized to UTC")
}

func TestTimestampUnmarshalNull(t *testing.T) {
	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`null`), &ts))
	assert.True(t, ts.IsZero())
}

func TestTimestampUnmarshalGarbage(t *testing.T) {
	var ts Timestamp
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}

func TestTimestampMarshal(t *testing.T) {
	ts := Timestamp{Time: time.Date(2026, 8, 27, 8, 30, 0, 0, time.UTC)}
	data, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, `"2026-08-27T08:30:00Z"`, string(data))

	data, err = json.Marshal(Timestamp{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestPointsRequestRoundTrip(t *testing.T) {
	raw := `{"session_id": 7, "points": [{"ts": 1724800000, "lat": 52.52, "lon": 13.405, "accuracy_m": 12.5, "kind": "gnss"}]}`

	var req PointsRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &req))
	require.NotNil(t, req.SessionID)
	assert.Equal(t, int64(7), *req.SessionID)
	require.Len(t, req.Points, 1)
	assert.Equal(t, 52.52, req.Points[0].Lat)
	require.NotNil(t, req.Points[0].AccuracyM)
	assert.Equal(t, 12.5, *req.Points[0].AccuracyM)
}

func TestParseAlertKind(t *testing.T) {
	k, err := ParseAlertKind("low-battery")
	require.NoError(t, err)
	assert.Equal(t, AlertLowBattery, k)

	_, err = ParseAlertKind("battery-low")
	assert.Error(t, err)

	_, err = ParseAlertKind("")
	assert.Error(t, err)
}
