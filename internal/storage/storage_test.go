package storage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Text(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusNotDownloaded, "not_downloaded"},
		{StatusQueued, "queued"},
		{StatusDownloading, "downloading"},
		{StatusPaused, "paused"},
		{StatusCompleted, "completed"},
		{StatusFailed, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())

			parsed, err := ParseStatus(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.status, parsed)
		})
	}

	_, err := ParseStatus("exploded")
	require.Error(t, err)

	_, err = Status(99).MarshalText()
	require.Error(t, err)
}

func TestRecord_JSONUsesStatusNames(t *testing.T) {
	raw, err := json.Marshal(&Record{ID: "7_2_low", Status: StatusCompleted})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"completed"`)

	var back Record
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","status":"paused"}`), &back))
	assert.Equal(t, StatusPaused, back.Status)
}

func TestRecordID(t *testing.T) {
	assert.Equal(t, "husary_2_high", RecordID("husary", 2, QualityHigh))
}

func TestQuality_Valid(t *testing.T) {
	assert.True(t, QualityLow.Valid())
	assert.True(t, QualityMedium.Valid())
	assert.True(t, QualityHigh.Valid())
	assert.False(t, Quality("ultra").Valid())
}
