// Package memory contains an in-process publisher for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
)

// Publisher stores published records for inspection.
type Publisher struct {
	mu      sync.RWMutex
	records []harvest.HarvestedRecord
	seen    map[string]int
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{seen: make(map[string]int)}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(ctx context.Context, record harvest.HarvestedRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("memory publish: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, record)
	p.seen[record.Source+"/"+record.ExternalID]++
	return fmt.Sprintf("memory-%d", len(p.records)), nil
}

// Records returns a copy of everything published so far.
func (p *Publisher) Records() []harvest.HarvestedRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]harvest.HarvestedRecord, len(p.records))
	copy(out, p.records)
	return out
}

// Deliveries reports how many times a record was delivered. Downstream
// consumers must tolerate duplicates across sessions.
func (p *Publisher) Deliveries(source, externalID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seen[source+"/"+externalID]
}
