package diag

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var csvHeader = []string{
	"timestamp",
	"direction",
	"kind",
	"source",
	"target",
	"success",
	"error",
	"rssi",
	"snr",
	"spreading_factor",
	"rtt_ms",
	"session_id",
	"payload_size",
	"transport",
}

// CSVSink appends one row per event with a fixed column order. The header is
// written only when the file is new or empty.
type CSVSink struct {
	mu     sync.Mutex
	file   io.WriteCloser
	writer *csv.Writer
}

// OpenCSV opens (or creates) path for appending.
func OpenCSV(path string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &CSVSink{file: f, writer: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := s.writer.Write(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		s.writer.Flush()
	}
	return s, nil
}

func (s *CSVSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return
	}
	if err := s.writer.Write(Record(e)); err != nil {
		slog.Warn("Failed to write diagnostic row", "error", err)
		return
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		slog.Warn("Failed to flush diagnostic row", "error", err)
	}
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	s.writer.Flush()
	s.writer = nil
	return s.file.Close()
}

// Record renders an event in csvHeader column order.
func Record(e Event) []string {
	var rssi, snr, sf, rtt string
	if e.Radio != nil {
		rssi = strconv.Itoa(e.Radio.RSSI)
		snr = strconv.FormatFloat(e.Radio.SNR, 'f', 1, 64)
		if e.Radio.SpreadingFactor > 0 {
			sf = "SF" + strconv.Itoa(e.Radio.SpreadingFactor)
		}
	}
	if e.HasRTT {
		rtt = strconv.FormatFloat(float64(e.RoundTrip)/float64(time.Millisecond), 'f', 3, 64)
	}
	return []string{
		e.Time.UTC().Format(time.RFC3339Nano),
		string(e.Direction),
		e.Kind,
		e.Source,
		e.Target,
		strconv.FormatBool(e.Success),
		e.Error,
		rssi,
		snr,
		sf,
		rtt,
		e.SessionID,
		strconv.Itoa(e.PayloadSize),
		e.Transport,
	}
}
