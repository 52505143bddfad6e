// Package audit is the durable record of everything the engine receives
// and decides: raw messages, processing results and admission
// transitions.
package audit

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/minasoft/adt-gateway/internal/db"
)

var ErrNotFound = errors.New("audit record not found")

// Gateway persists audit records. StoreRaw must succeed before a message
// is processed; a failing gateway is an infrastructure failure.
type Gateway interface {
	StoreRaw(ctx context.Context, raw db.RawMessage) error
	StoreResult(ctx context.Context, raw db.RawMessage, result db.ProcessingResult) error
	StoreTransition(ctx context.Context, rec db.TransitionRecord) error

	GetRaw(ctx context.Context, id string) (db.RawMessage, error)
	Recent(ctx context.Context, filter Filter) ([]db.MessageRecord, error)
	Transitions(ctx context.Context, patientID string) ([]db.TransitionRecord, error)
	Stats(ctx context.Context) (map[string]int64, error)
}

// Filter narrows Recent. Empty fields match everything.
type Filter struct {
	Status      string
	PatientID   string
	MessageType string
	Facility    string
	Limit       int
}

func (f Filter) match(r db.MessageRecord) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.PatientID != "" && !containsFold(r.PatientID, f.PatientID) {
		return false
	}
	if f.MessageType != "" && !containsFold(r.MessageType, f.MessageType) {
		return false
	}
	if f.Facility != "" && !strings.EqualFold(r.SendingFacility, f.Facility) {
		return false
	}
	return true
}

func containsFold(s, substr string) bool {
	return s != "" && strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// newestFirst sorts and truncates records to the filter limit.
func newestFirst(records []db.MessageRecord, limit int) []db.MessageRecord {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if limit <= 0 {
		limit = 100
	}
	if len(records) > limit {
		records = records[:limit]
	}
	return records
}

// recordFor builds the history summary of a received message.
func recordFor(raw db.RawMessage) db.MessageRecord {
	return db.MessageRecord{
		ID:         raw.ID,
		Timestamp:  raw.ReceivedAt,
		SourceAddr: raw.Source,
		Status:     db.StatusReceived,
	}
}

// applyResult folds a processing result into a history summary.
func applyResult(rec *db.MessageRecord, result db.ProcessingResult) {
	rec.MessageType = result.MessageType
	rec.MessageControlID = result.ControlID
	rec.SendingFacility = result.SendingFac
	rec.PatientID = result.PatientID
	rec.Status = result.Status()
	rec.AckCode = result.AckCode
	rec.Warnings = result.Warnings
	rec.Errors = result.Errors
	at := result.ProcessedAt
	rec.ProcessedAt = &at
}

// counterDeltas lists the stats counters a result moves.
func counterDeltas(result db.ProcessingResult) map[string]int64 {
	deltas := make(map[string]int64)
	switch result.Status() {
	case db.StatusAccepted:
		deltas["accepted"] = 1
	case db.StatusRejected:
		deltas["rejected"] = 1
	default:
		deltas["errored"] = 1
	}
	if result.Duplicate {
		deltas["duplicates"] = 1
	}
	if result.Unroutable {
		deltas["unroutable"] = 1
	}
	if n := len(result.Warnings); n > 0 {
		deltas["warnings"] = int64(n)
	}
	return deltas
}
