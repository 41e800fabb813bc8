package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEVELine(t *testing.T) {
	line := []byte(`{"timestamp":"2024-01-15T10:00:00Z","event_type":"flow","src_ip":"192.168.1.50","dest_ip":"1.1.1.1","proto":"TCP","flow":{"bytes_toserver":120,"bytes_toclient":4000},"unknown_field":{"kept":true}}`)

	rec, err := ParseEVELine(line)
	require.NoError(t, err)

	assert.Equal(t, "flow", rec.EventType)
	assert.Equal(t, "192.168.1.50", rec.SrcIP)
	require.NotNil(t, rec.Flow)
	assert.Equal(t, int64(120), rec.Flow.BytesToServer)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), rec.Timestamp.Time)
	// Unknown fields survive on the raw line.
	assert.Contains(t, string(rec.Raw), "unknown_field")
}

func TestParseEVELineSuricataTimestamp(t *testing.T) {
	line := []byte(`{"timestamp":"2024-01-15T10:00:00.123456+0000","event_type":"dns","dns":{"rrname":"example.com","type":"query"}}`)

	rec, err := ParseEVELine(line)
	require.NoError(t, err)
	assert.Equal(t, 2024, rec.Timestamp.Year())
	require.NotNil(t, rec.DNS)
	assert.Equal(t, "example.com", rec.DNS.RRName)
}

func TestParseEVELineInvalid(t *testing.T) {
	_, err := ParseEVELine([]byte(`{"timestamp":`))
	require.Error(t, err)

	var invalid *InvalidRecordError
	assert.True(t, errors.As(err, &invalid))
}

func TestAlertSeverity(t *testing.T) {
	assert.Equal(t, SeverityHigh, AlertSeverity(1))
	assert.Equal(t, SeverityMedium, AlertSeverity(2))
	assert.Equal(t, SeverityLow, AlertSeverity(3))
	assert.Equal(t, SeverityLow, AlertSeverity(7))
}
