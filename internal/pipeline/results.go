package pipeline

import (
	"sync"

	"github.com/openonco/coverage-watch/internal/model"
	"github.com/openonco/coverage-watch/internal/notify"
	"github.com/openonco/coverage-watch/internal/reconcile"
)

// workerResults aggregates outcomes across extraction workers. Created
// items are split the way the report presents them: genuinely new tests
// versus new indications for tests already tracked.
type workerResults struct {
	mu             sync.Mutex
	newTests       []model.GuidanceItem
	newIndications []model.GuidanceItem
	resolved       int
	conflicts      int
	failures       int
}

func (r *workerResults) record(outcome *reconcile.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case outcome.Created && outcome.KnownTest:
		r.newIndications = append(r.newIndications, *outcome.Item)
	case outcome.Created:
		r.newTests = append(r.newTests, *outcome.Item)
	default:
		r.resolved++
	}
	r.conflicts += outcome.Conflicts
}

func (r *workerResults) fail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

func (r *workerResults) counts() (newItems, resolved, conflicts, failures int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.newTests) + len(r.newIndications), r.resolved, r.conflicts, r.failures
}

func (r *workerResults) findings() notify.Findings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return notify.Findings{
		NewTests:       append([]model.GuidanceItem(nil), r.newTests...),
		NewIndications: append([]model.GuidanceItem(nil), r.newIndications...),
	}
}
