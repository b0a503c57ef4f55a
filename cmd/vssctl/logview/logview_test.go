package logview

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vehiclesignals/vss-go/pkg/log"
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

var ts = time.Date(2026, 3, 2, 9, 30, 15, 123456000, time.UTC)

func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.vlog")
	logger, err := log.NewFileLogger(path)
	require.NoError(t, err)
	for _, e := range events {
		logger.Log(e)
	}
	require.NoError(t, logger.Close())
	return path
}

func ptr[T any](v T) *T { return &v }

func sampleEvents() []log.Event {
	latency := 1500 * time.Microsecond
	return []log.Event{
		{
			Timestamp: ts, ConnectionID: "abc12345-0001", Generation: 1, Transport: "grpc",
			Direction: log.DirectionOut, Layer: log.LayerWire, Category: log.CategoryMessage,
			Message: &log.MessageEvent{Type: wire.MessageTypeRequest, MessageID: 7, Operation: ptr(wire.OpGet), Paths: []string{"Vehicle.Speed"}},
		},
		{
			Timestamp: ts.Add(2 * time.Millisecond), ConnectionID: "abc12345-0001", Generation: 1,
			Direction: log.DirectionIn, Layer: log.LayerWire, Category: log.CategoryMessage,
			Message: &log.MessageEvent{Type: wire.MessageTypeResponse, MessageID: 7, Status: ptr(wire.StatusNotFound), Latency: &latency},
		},
		{
			Timestamp: ts.Add(3 * time.Millisecond), ConnectionID: "abc12345-0001", Generation: 1,
			Direction: log.DirectionIn, Layer: log.LayerWire, Category: log.CategoryMessage,
			Message: &log.MessageEvent{Type: wire.MessageTypeNotification, SubscriptionID: ptr(uint32(3)), Paths: []string{"Vehicle.Speed"}},
		},
		{
			Timestamp: ts.Add(time.Second), ConnectionID: "abc12345-0001", Generation: 1,
			Layer: log.LayerSession, Category: log.CategoryState,
			StateChange: &log.StateChangeEvent{Entity: log.StateEntitySession, OldState: "CONNECTED", NewState: "RECONNECTING", Reason: "broken pipe"},
		},
		{
			Timestamp: ts.Add(2 * time.Second), ConnectionID: "def67890-0002", Generation: 2,
			Direction: log.DirectionOut, Layer: log.LayerTransport, Category: log.CategoryControl,
			ControlMsg: &log.ControlMsgEvent{Type: wire.ControlPing, Sequence: 1},
		},
		{
			Timestamp: ts.Add(3 * time.Second), ConnectionID: "def67890-0002", Generation: 2,
			Layer: log.LayerTransport, Category: log.CategoryError,
			Error: &log.ErrorEventData{Layer: log.LayerTransport, Message: "pong timeout", Context: "keepalive"},
		},
	}
}

func TestFormatEvent(t *testing.T) {
	events := sampleEvents()
	tests := []struct {
		name  string
		event log.Event
		want  []string
	}{
		{"Request", events[0], []string{"2026-03-02T09:30:15.123456Z", "[conn:abc12345]", "OUT", "WIRE request", "gen=1", "MessageID: 7", "Operation: Get", "Paths: Vehicle.Speed"}},
		{"Response", events[1], []string{"IN", "response", "Status: NOT_FOUND (1)", "Latency: 1.500ms"}},
		{"Notification", events[2], []string{"notification", "SubscriptionID: 3"}},
		{"State", events[3], []string{"SESSION State", "Entity: SESSION", "CONNECTED -> RECONNECTING", "Reason: broken pipe"}},
		{"Control", events[4], []string{"CTRL ping"}},
		{"Error", events[5], []string{"Error", "Message: pong timeout", "Context: keepalive"}},
		{"Frame", log.Event{Timestamp: ts, Frame: &log.FrameEvent{Size: 5, Data: []byte{0xa1, 0x01}, Truncated: true}}, []string{"Frame", "Size: 5 bytes", "Data: a101 (truncated)"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			formatEvent(&buf, tt.event)
			for _, want := range tt.want {
				assert.Contains(t, buf.String(), want)
			}
		})
	}
}

func TestView(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	require.NoError(t, View(path, log.Filter{}, &buf))
	assert.Equal(t, 6, strings.Count(buf.String(), "[conn:"))

	buf.Reset()
	filter, err := FilterOptions{Direction: "in"}.Filter()
	require.NoError(t, err)
	require.NoError(t, View(path, filter, &buf))
	assert.Equal(t, 2, strings.Count(buf.String(), "[conn:"))

	assert.Error(t, View(filepath.Join(t.TempDir(), "missing.vlog"), log.Filter{}, &buf))
}

func TestFilterOptions(t *testing.T) {
	f, err := FilterOptions{
		ConnID: "abc", Generation: 2, Layer: "Session", Direction: "OUT", Category: "state",
		TimeStart: "2026-03-02T09:00:00Z", TimeEnd: "2026-03-02T10:00:00Z",
	}.Filter()
	require.NoError(t, err)
	assert.Equal(t, "abc", f.ConnectionID)
	assert.Equal(t, uint64(2), f.Generation)
	assert.Equal(t, log.LayerSession, *f.Layer)
	assert.Equal(t, log.DirectionOut, *f.Direction)
	assert.Equal(t, log.CategoryState, *f.Category)
	assert.True(t, f.TimeStart.Before(*f.TimeEnd))

	for _, opts := range []FilterOptions{
		{Layer: "service"},
		{Direction: "sideways"},
		{Category: "snapshot"},
		{TimeStart: "yesterday"},
		{TimeEnd: "tomorrow"},
	} {
		_, err := opts.Filter()
		assert.Error(t, err, "%+v", opts)
	}
}

func TestCopy(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "filtered.vlog")

	n, err := Copy(path, out, log.Filter{Generation: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := Collect(out)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEvents)
	assert.Len(t, stats.Connections, 1)
}

func TestStats(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	stats, err := Collect(path)
	require.NoError(t, err)
	assert.Equal(t, 6, stats.TotalEvents)
	assert.Equal(t, 3, stats.EventsByLayer[log.LayerWire])
	assert.Equal(t, 1, stats.Operations[wire.OpGet])
	assert.Equal(t, 1, stats.FailedResponses[wire.StatusNotFound])
	assert.Equal(t, 1, stats.Errors)
	require.Contains(t, stats.Connections, "abc12345-0001")
	assert.Equal(t, "grpc", stats.Connections["abc12345-0001"].Transport)
	assert.Equal(t, 1, stats.Connections["abc12345-0001"].Notifications)
	assert.Equal(t, 3*time.Second, stats.End.Sub(stats.Start))

	var buf bytes.Buffer
	require.NoError(t, RunStats(path, &buf))
	out := buf.String()
	for _, want := range []string{"Total Events: 6", "WIRE:", "SESSION:", "Get:", "NOT_FOUND:", "Connections: 2", "Errors: 1"} {
		assert.Contains(t, out, want)
	}
}

func TestExport(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	t.Run("JSONL", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Export(path, FormatJSONL, log.Filter{}, &buf))

		lines := 0
		sc := bufio.NewScanner(&buf)
		for sc.Scan() {
			var ev map[string]any
			require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
			lines++
		}
		assert.Equal(t, 6, lines)
	})

	t.Run("CSV", func(t *testing.T) {
		var buf bytes.Buffer
		layer := log.LayerWire
		require.NoError(t, Export(path, FormatCSV, log.Filter{Layer: &layer}, &buf))

		rows, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 4)
		assert.Equal(t, csvHeader, rows[0])
		assert.Equal(t, []string{"2026-03-02T09:30:15.123456Z", "abc12345-0001", "1", "OUT", "WIRE", "MESSAGE", "request", "7", "Get", "", "Vehicle.Speed"}, rows[1])
		assert.Equal(t, "NOT_FOUND", rows[2][9])
	})

	t.Run("UnknownFormat", func(t *testing.T) {
		assert.ErrorContains(t, Export(path, "xml", log.Filter{}, &bytes.Buffer{}), "unknown format")
	})
}
