package services

import (
	"time"

	"github.com/mbocsi/lorarelay/diag"
	"github.com/mbocsi/lorarelay/proto"
)

// DeviceInfo represents device information for the service layer
type DeviceInfo struct {
	ID         string       `json:"id"`
	Token      string       `json:"token,omitempty"`
	Format     string       `json:"format"`
	State      string       `json:"state"`
	Transport  string       `json:"transport,omitempty"`
	FirstSeen  time.Time    `json:"first_seen"`
	LastSeen   time.Time    `json:"last_seen"`
	Reachable  bool         `json:"reachable"`
	QueueDepth int          `json:"queue_depth"`
	Radio      *proto.Radio `json:"radio,omitempty"`
}

// CommandRequest is an operator command. Message is sent as UTF-8 text, Hex
// as raw bytes; with neither the default command body is used.
type CommandRequest struct {
	Target  string `json:"target"`
	Message string `json:"message,omitempty"`
	Hex     string `json:"hex,omitempty"`
}

// CommandInfo represents a queued command
type CommandInfo struct {
	Target     string    `json:"target"`
	Source     string    `json:"source"`
	BodyHex    string    `json:"body_hex"`
	Size       int       `json:"size"`
	SessionID  string    `json:"session_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// SessionInfo represents an open session
type SessionInfo struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	Source    string        `json:"source"`
	Target    string        `json:"target,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Age       time.Duration `json:"age_ns"`
}

// StatsInfo is a point-in-time snapshot of the relay
type StatsInfo struct {
	Reachable    int                     `json:"reachable"`
	Known        int                     `json:"known"`
	Queued       int                     `json:"queued"`
	OpenSessions int                     `json:"open_sessions"`
	Counters     diag.Counters           `json:"counters"`
	RoundTrips   map[string]diag.Summary `json:"round_trips"`
	Uptime       time.Duration           `json:"uptime_ns"`
}

// TransportInfo represents transport connection information
type TransportInfo struct {
	Index       int    `json:"index"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Address     string `json:"address"`
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

// ServiceError represents structured service layer errors
type ServiceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"cause,omitempty"`
}

func (e ServiceError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e ServiceError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeUnreachable  = "UNREACHABLE"
	ErrCodeInternal     = "INTERNAL_ERROR"
)
