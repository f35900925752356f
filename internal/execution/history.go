package execution

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultHistoryLimit bounds how many confirmed operations are kept.
const DefaultHistoryLimit = 50

// HistorySink receives one record per completed step. Record must not block the caller
// for long and has no way to fail the step.
type HistorySink interface {
	Record(rec ConfirmedOperationRecord)
}

func NewRecordID() string {
	return "op_" + uuid.NewString()
}

type NopSink struct{}

func (NopSink) Record(ConfirmedOperationRecord) {}

// MemorySink keeps the most recent records in memory, newest first.
type MemorySink struct {
	mu      sync.Mutex
	limit   int
	records []ConfirmedOperationRecord
}

func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &MemorySink{limit: limit}
}

func (m *MemorySink) Record(rec ConfirmedOperationRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append([]ConfirmedOperationRecord{rec}, m.records...)
	if len(m.records) > m.limit {
		m.records = m.records[:m.limit]
	}
}

func (m *MemorySink) Records() []ConfirmedOperationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ConfirmedOperationRecord(nil), m.records...)
}
