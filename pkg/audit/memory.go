package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

// EventHandler is called after an event is appended.
type EventHandler func(ev contracts.AuditEvent)

// runChain is the per-run slice of the ledger. Appends to different runs only
// contend on the short lookup in MemoryLedger.chain.
type runChain struct {
	mu     sync.Mutex
	events []contracts.AuditEvent
	head   string
}

// MemoryLedger is an in-process, hash-chained ledger.
type MemoryLedger struct {
	mu       sync.RWMutex
	runs     map[string]*runChain
	byID     map[string]struct{}
	handlers []EventHandler
	opts     Options
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(opts ...Option) *MemoryLedger {
	return &MemoryLedger{
		runs: make(map[string]*runChain),
		byID: make(map[string]struct{}),
		opts: ApplyOptions(opts...),
	}
}

// AddHandler registers fn to observe every appended event.
func (l *MemoryLedger) AddHandler(fn EventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, fn)
}

func (l *MemoryLedger) chain(runID string) *runChain {
	l.mu.RLock()
	c, ok := l.runs[runID]
	l.mu.RUnlock()
	if ok {
		return c
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok = l.runs[runID]; !ok {
		c = &runChain{head: Genesis}
		l.runs[runID] = c
	}
	return c
}

// Append implements Ledger.
func (l *MemoryLedger) Append(ctx context.Context, ev *contracts.AuditEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := Validate(ev); err != nil {
		return "", err
	}

	c := l.chain(ev.RunID)
	c.mu.Lock()
	seq := uint64(len(c.events)) + 1
	id := l.opts.IDs.NextEventID(ev.RunID, seq)

	l.mu.Lock()
	if _, dup := l.byID[id]; dup {
		l.mu.Unlock()
		c.mu.Unlock()
		return "", ErrEventExists
	}
	l.byID[id] = struct{}{}
	l.mu.Unlock()

	if err := Seal(ev, id, seq, c.head, l.opts.Clock()); err != nil {
		l.mu.Lock()
		delete(l.byID, id)
		l.mu.Unlock()
		c.mu.Unlock()
		return "", err
	}
	c.events = append(c.events, ev.Clone())
	c.head = ev.EventHash
	c.mu.Unlock()

	l.mu.RLock()
	handlers := l.handlers
	l.mu.RUnlock()
	for _, h := range handlers {
		h(ev.Clone())
	}
	return id, nil
}

// Query implements Ledger.
func (l *MemoryLedger) Query(ctx context.Context, f Filter) ([]contracts.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	var chains []*runChain
	if f.RunID != "" {
		if c, ok := l.runs[f.RunID]; ok {
			chains = append(chains, c)
		}
	} else {
		runIDs := make([]string, 0, len(l.runs))
		for id := range l.runs {
			runIDs = append(runIDs, id)
		}
		sort.Strings(runIDs)
		for _, id := range runIDs {
			chains = append(chains, l.runs[id])
		}
	}
	l.mu.RUnlock()

	var out []contracts.AuditEvent
	for _, c := range chains {
		c.mu.Lock()
		for i := range c.events {
			if f.Matches(&c.events[i]) {
				out = append(out, c.events[i].Clone())
			}
		}
		c.mu.Unlock()
	}
	if f.RunID == "" {
		sort.SliceStable(out, func(i, j int) bool {
			if !out[i].Timestamp.Equal(out[j].Timestamp) {
				return out[i].Timestamp.Before(out[j].Timestamp)
			}
			if out[i].RunID != out[j].RunID {
				return out[i].RunID < out[j].RunID
			}
			return out[i].Sequence < out[j].Sequence
		})
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Size returns the number of recorded events.
func (l *MemoryLedger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}
