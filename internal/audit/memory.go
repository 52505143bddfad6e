package audit

import (
	"context"
	"sync"

	"github.com/minasoft/adt-gateway/internal/db"
)

// MemoryGateway keeps audit records in memory. It backs tests and
// deployments without JetStream.
type MemoryGateway struct {
	mu          sync.Mutex
	raw         map[string]db.RawMessage
	records     map[string]db.MessageRecord
	results     []db.ProcessingResult
	transitions []db.TransitionRecord
	stats       map[string]int64
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		raw:     make(map[string]db.RawMessage),
		records: make(map[string]db.MessageRecord),
		stats:   make(map[string]int64),
	}
}

func (g *MemoryGateway) StoreRaw(ctx context.Context, raw db.RawMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	raw.Payload = append([]byte(nil), raw.Payload...)
	g.raw[raw.ID] = raw
	g.records[raw.ID] = recordFor(raw)
	g.stats["total_received"]++
	return nil
}

func (g *MemoryGateway) StoreResult(ctx context.Context, raw db.RawMessage, result db.ProcessingResult) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[raw.ID]
	if !ok {
		rec = recordFor(raw)
	}
	applyResult(&rec, result)
	g.records[raw.ID] = rec
	g.results = append(g.results, result)
	for k, v := range counterDeltas(result) {
		g.stats[k] += v
	}
	return nil
}

func (g *MemoryGateway) StoreTransition(ctx context.Context, rec db.TransitionRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transitions = append(g.transitions, rec)
	return nil
}

func (g *MemoryGateway) GetRaw(ctx context.Context, id string) (db.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	raw, ok := g.raw[id]
	if !ok {
		return db.RawMessage{}, ErrNotFound
	}
	raw.Payload = append([]byte(nil), raw.Payload...)
	return raw, nil
}

func (g *MemoryGateway) Recent(ctx context.Context, filter Filter) ([]db.MessageRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []db.MessageRecord
	for _, rec := range g.records {
		if filter.match(rec) {
			out = append(out, rec)
		}
	}
	return newestFirst(out, filter.Limit), nil
}

func (g *MemoryGateway) Transitions(ctx context.Context, patientID string) ([]db.TransitionRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []db.TransitionRecord
	for _, t := range g.transitions {
		if t.PatientID == patientID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (g *MemoryGateway) Stats(ctx context.Context) (map[string]int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int64, len(g.stats))
	for k, v := range g.stats {
		out[k] = v
	}
	return out, nil
}

// Results returns every stored processing result in order.
func (g *MemoryGateway) Results() []db.ProcessingResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]db.ProcessingResult(nil), g.results...)
}
