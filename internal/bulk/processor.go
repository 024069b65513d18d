package bulk

import (
	"context"
	"sync"

	"github.com/snowops/taokey/internal/credential"
	"github.com/snowops/taokey/internal/delivery"
	"github.com/snowops/taokey/internal/logging"
	"github.com/snowops/taokey/internal/rotation"
)

// DefaultConcurrency bounds simultaneous issuances. Key generation is CPU
// bound and propagation holds external connections, so the batch never fans
// out unbounded.
const DefaultConcurrency = 5

// Result is the outcome of one row. Exactly one of Err or (Record, Bundle)
// is set.
type Result struct {
	Row    Row
	Record *credential.Record
	Bundle *delivery.Bundle
	Err    error
}

// Processor runs bulk issuance batches against the rotation coordinator.
type Processor struct {
	coord       *rotation.Coordinator
	logger      *logging.Logger
	warehouse   string
	concurrency int
}

// NewProcessor creates a bulk processor. warehouse applies to every issued
// account; per-row warehouses were never part of the portal's bulk flow.
func NewProcessor(coord *rotation.Coordinator, logger *logging.Logger, warehouse string, concurrency int) *Processor {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Processor{
		coord:       coord,
		logger:      logger,
		warehouse:   warehouse,
		concurrency: concurrency,
	}
}

// Run processes every row as an independent issuance. One row's failure
// never aborts its siblings; results come back in input order.
func (p *Processor) Run(ctx context.Context, rows []Row) []Result {
	results := make([]Result, len(rows))
	var wg sync.WaitGroup

	semaphore := make(chan struct{}, p.concurrency)

	for i, row := range rows {
		wg.Add(1)
		go func(idx int, row Row) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			results[idx] = p.processRow(ctx, row)
		}(i, row)
	}

	wg.Wait()
	return results
}

func (p *Processor) processRow(ctx context.Context, row Row) Result {
	result := Result{Row: row}

	if err := row.Validate(); err != nil {
		result.Err = err
		return result
	}

	bundle, rec, err := p.coord.Issue(ctx, rotation.IssueRequest{
		AccountID:   row.Username,
		OwnerID:     row.OwnerID,
		Purpose:     row.Purpose,
		Environment: row.Environment,
		Role:        row.Role,
		Warehouse:   p.warehouse,
		ExpiryDays:  row.ExpiryDays,
	})
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("bulk issuance for %s failed: %v", row.Username, err)
		}
		result.Err = err
		return result
	}

	result.Record = rec
	result.Bundle = bundle
	return result
}

// Succeeded counts rows that issued a credential.
func Succeeded(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Err == nil {
			n++
		}
	}
	return n
}
