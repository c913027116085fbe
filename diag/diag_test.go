package diag

import (
	"bytes"
	"encoding/csv"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/lorarelay/proto"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func ackEvent(rtt time.Duration) Event {
	return Event{
		Time:        t0,
		Direction:   Uplink,
		Kind:        "ACK",
		Source:      "eui-000000000000000a",
		Target:      "eui-000000000000000b",
		Success:     true,
		Radio:       &proto.Radio{RSSI: -97, SNR: 7.5, SpreadingFactor: 7},
		RoundTrip:   rtt,
		HasRTT:      true,
		SessionID:   "s-1",
		SessionKind: SessionCommand,
		PayloadSize: 1,
		Transport:   "ttn",
	}
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil))

	s := Summarize([]float64{40, 10, 30, 20})
	assert.Equal(t, 4, s.Count)
	assert.InDelta(t, 25.0, s.AvgMs, 1e-9)
	assert.Equal(t, 10.0, s.MinMs)
	assert.Equal(t, 40.0, s.MaxMs)
	assert.Equal(t, 40.0, s.P95Ms)
}

func TestStats_CountersAndWindow(t *testing.T) {
	st := NewStats(2, t0)

	st.Emit(ackEvent(10 * time.Millisecond))
	st.Emit(ackEvent(20 * time.Millisecond))
	st.Emit(ackEvent(30 * time.Millisecond))
	st.Emit(Event{Time: t0, Direction: Downlink, Kind: "ROSTER", Success: false})
	st.Emit(Event{Time: t0, Direction: Internal, Kind: KindExpire, Success: true})

	c := st.Counters()
	assert.Equal(t, uint64(3), c.Uplinks["ACK"])
	assert.Equal(t, uint64(1), c.Downlinks["ROSTER"])
	assert.Equal(t, uint64(1), c.SendFailures)
	assert.Equal(t, uint64(1), c.Failures)
	assert.Equal(t, uint64(1), c.Expired)

	sum := st.Summaries()[SessionCommand]
	assert.Equal(t, 2, sum.Count, "window keeps the newest samples only")
	assert.Equal(t, 20.0, sum.MinMs)
	assert.Equal(t, 30.0, sum.MaxMs)

	// snapshot is a copy
	c.Uplinks["ACK"] = 99
	assert.Equal(t, uint64(3), st.Counters().Uplinks["ACK"])
}

func TestCSVSink_WritesHeaderOnce(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data", "message_log.csv")

	s, err := OpenCSV(path)
	require.NoError(t, err)
	s.Emit(ackEvent(1500 * time.Microsecond))
	require.NoError(t, s.Close())

	s, err = OpenCSV(path)
	require.NoError(t, err)
	s.Emit(Event{Time: t0, Direction: Downlink, Kind: "ROSTER", Success: true, PayloadSize: 5})
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])

	first := rows[1]
	assert.Equal(t, "ACK", first[2])
	assert.Equal(t, "-97", first[7])
	assert.Equal(t, "7.5", first[8])
	assert.Equal(t, "SF7", first[9])
	assert.Equal(t, "1.500", first[10])
	assert.Equal(t, "s-1", first[11])

	second := rows[2]
	assert.Equal(t, "ROSTER", second[2])
	assert.Equal(t, "", second[7])
	assert.Equal(t, "5", second[12])
}

func TestPromSink(t *testing.T) {
	s := NewPromSink()
	s.Emit(ackEvent(2 * time.Second))
	s.Emit(Event{Direction: Downlink, Kind: "COMMAND", Success: false})
	s.Emit(Event{Direction: Internal, Kind: KindExpire, Success: true})
	s.Gauge("reachable_devices", "Reachable devices.", func() float64 { return 3 })

	assert.Equal(t, 1.0, testutil.ToFloat64(s.uplinks.WithLabelValues("ACK", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.downlinks.WithLabelValues("COMMAND", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.expired))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "lorarelay_round_trip_seconds_count{session=\"command\"} 1")
	assert.Contains(t, body, "lorarelay_reachable_devices 3")
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	NewLogSink(logger).Emit(Event{Time: t0, Direction: Uplink, Kind: "COMMAND", Source: "a", Success: false, Error: "target not reachable"})

	out := buf.String()
	assert.True(t, strings.Contains(out, "level=WARN"), out)
	assert.Contains(t, out, `error="target not reachable"`)
	assert.Contains(t, out, "source=a")
}

func TestFanout(t *testing.T) {
	var got []string
	f := NewFanout(SinkFunc(func(e Event) { got = append(got, "a:"+e.Kind) }))
	f.Add(SinkFunc(func(e Event) { got = append(got, "b:"+e.Kind) }))

	f.Emit(Event{Kind: "KEEPALIVE"})
	assert.Equal(t, []string{"a:KEEPALIVE", "b:KEEPALIVE"}, got)
}
