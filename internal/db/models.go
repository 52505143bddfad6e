package db

import (
	"time"
)

// RawMessage is a message exactly as it came off the wire. It is persisted
// before processing and never changed afterwards.
type RawMessage struct {
	ID         string    `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	Source     string    `json:"source"`
	Payload    []byte    `json:"payload"`
}

// Message statuses used in history records.
const (
	StatusReceived  = "received"
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusError     = "error"
	StatusForwarded = "forwarded"
	StatusFailed    = "failed"
)

// ProcessingResult is the outcome of processing one RawMessage.
type ProcessingResult struct {
	MessageID   string        `json:"message_id"`
	ControlID   string        `json:"control_id"`
	MessageType string        `json:"message_type"`
	SendingApp  string        `json:"sending_app"`
	SendingFac  string        `json:"sending_facility"`
	AckCode     string        `json:"ack_code"`
	Success     bool          `json:"success"`
	Duplicate   bool          `json:"duplicate"`
	Unroutable  bool          `json:"unroutable"`
	PatientID   string        `json:"patient_id,omitempty"`
	Created     []string      `json:"created"`
	Updated     []string      `json:"updated"`
	Errors      []string      `json:"errors"`
	Warnings    []string      `json:"warnings"`
	Ack         string        `json:"ack,omitempty"`
	AckSent     bool          `json:"ack_sent"`
	Duration    time.Duration `json:"duration"`
	ProcessedAt time.Time     `json:"processed_at"`
	ReplayOf    string        `json:"replay_of,omitempty"`
}

// Status maps the result to a history status.
func (r ProcessingResult) Status() string {
	switch r.AckCode {
	case "AA", "CA":
		return StatusAccepted
	case "AR", "CR":
		return StatusRejected
	default:
		return StatusError
	}
}

// MessageRecord is the per-message summary kept in the history bucket.
type MessageRecord struct {
	ID               string     `json:"id"`
	Timestamp        time.Time  `json:"timestamp"`
	SourceAddr       string     `json:"source_addr"`
	DestinationAddr  string     `json:"destination_addr,omitempty"`
	MessageType      string     `json:"message_type"`
	MessageControlID string     `json:"message_control_id"`
	SendingFacility  string     `json:"sending_facility"`
	PatientID        string     `json:"patient_id"`
	Status           string     `json:"status"`
	AckCode          string     `json:"ack_code,omitempty"`
	Warnings         []string   `json:"warnings,omitempty"`
	Errors           []string   `json:"errors,omitempty"`
	RetryCount       int        `json:"retry_count"`
	LastError        string     `json:"last_error,omitempty"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
}

// TransitionRecord is one admission state transition, applied or not.
type TransitionRecord struct {
	MessageID   string    `json:"message_id"`
	ControlID   string    `json:"control_id"`
	PatientID   string    `json:"patient_id"`
	EncounterID string    `json:"encounter_id,omitempty"`
	Event       string    `json:"event"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Location    string    `json:"location,omitempty"`
	Applied     bool      `json:"applied"`
	Warning     string    `json:"warning,omitempty"`
	Version     int64     `json:"version"`
	At          time.Time `json:"at"`
}

type StreamInfo struct {
	Name          string `json:"name"`
	Messages      uint64 `json:"messages"`
	Bytes         uint64 `json:"bytes"`
	FirstSequence uint64 `json:"first_sequence"`
	LastSequence  uint64 `json:"last_sequence"`
}

type ConsumerInfo struct {
	Stream          string `json:"stream"`
	Name            string `json:"name"`
	Pending         uint64 `json:"pending"`
	Delivered       uint64 `json:"delivered"`
	AckPending      uint64 `json:"ack_pending"`
	RedeliveryCount uint64 `json:"redelivery_count"`
}
