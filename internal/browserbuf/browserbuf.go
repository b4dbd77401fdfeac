// Package browserbuf implements the browser-command buffer: the FIFO of
// browser-submitted commands that the command executor drains into the next
// tool-channel exec call. Records are appended on submission, mutated at
// most once on completion, and drained exactly once; the buffer is
// in-memory only and exists purely to hand browser activity back to the
// agent for reconciliation.
package browserbuf

import (
	"sync"

	"github.com/LightspeedDMS/ssh-mcp/internal/model"
)

// Buffer is a FIFO of browser-submitted command records awaiting delivery to
// the tool channel.
type Buffer struct {
	mu      sync.Mutex
	records []model.BrowserCommandRecord
}

// New creates an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// Append adds a browser command record to the tail of the queue. The
// Executor appends each record at submission with a pending result and
// fills it in later through UpdateResult.
func (b *Buffer) Append(rec model.BrowserCommandRecord) {
	b.mu.Lock()
	b.records = append(b.records, rec)
	b.mu.Unlock()
}

// Size reports how many records are currently queued.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Drain removes and returns every queued record, oldest first, leaving the
// Buffer empty. Each record is returned exactly once across all Drain calls.
func (b *Buffer) Drain() []model.BrowserCommandRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) == 0 {
		return nil
	}
	out := b.records
	b.records = nil
	return out
}

// UpdateResult mutates the result of the still-queued record with the given
// command id, exactly once, in place. It is a no-op if the record has
// already been drained by a gating `exec` call before the browser command
// finished; the drained payload keeps whatever result was recorded at drain
// time (typically still pending), matching the record's documented
// at-most-once mutation contract.
func (b *Buffer) UpdateResult(commandID string, result model.CommandResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.records {
		if b.records[i].CommandID == commandID {
			b.records[i].Result = result
			return
		}
	}
}
