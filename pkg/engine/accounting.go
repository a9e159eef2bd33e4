package engine

import (
	"slices"
	"strings"
	"time"

	"github.com/jdziat/command-queue/pkg/core"
)

// Stats is a point-in-time view of the engine's bookkeeping.
type Stats struct {
	EngineID   string
	Running    bool
	MaxThreads int

	InFlight   int
	ByTag      map[string]int
	ByWorkType map[core.WorkType]int
	ByBatch    map[string]int

	PausedTags      []string
	PausedBatches   []string
	PausedWorkTypes []core.WorkType
	BannedTags      map[string]time.Time
}

// Snapshot returns the current accounting. The maps and slices are copies.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		EngineID:        e.id,
		Running:         e.running,
		MaxThreads:      e.cfg.MaxThreads,
		InFlight:        len(e.inFlight),
		ByTag:           make(map[string]int),
		ByWorkType:      make(map[core.WorkType]int),
		ByBatch:         make(map[string]int),
		PausedTags:      keys(e.pausedTags),
		PausedBatches:   keys(e.pausedBatches),
		PausedWorkTypes: keys(e.pausedTypes),
		BannedTags:      make(map[string]time.Time, len(e.bannedTags)),
	}
	for _, req := range e.inFlight {
		s.ByTag[req.Command.ParallelTag()]++
		s.ByWorkType[req.Command.WorkType()]++
		s.ByBatch[req.Batch]++
	}
	for tag, until := range e.bannedTags {
		s.BannedTags[tag] = until
	}
	return s
}

// RunningCount returns the number of in-flight requests matching f.
func (e *Engine) RunningCount(f core.Filter) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runningCountLocked(f)
}

func (e *Engine) runningCountLocked(f core.Filter) int {
	n := 0
	for _, req := range e.inFlight {
		if f.Matches(req) {
			n++
		}
	}
	return n
}

// RunningByTag returns the number of in-flight requests in a parallel tag.
func (e *Engine) RunningByTag(tag string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, req := range e.inFlight {
		if req.Command.ParallelTag() == tag {
			n++
		}
	}
	return n
}

// InFlight returns copies of the requests currently running, ordered by id.
func (e *Engine) InFlight() []*core.Request {
	e.mu.Lock()
	out := make([]*core.Request, 0, len(e.inFlight))
	for _, req := range e.inFlight {
		out = append(out, req.Clone())
	}
	e.mu.Unlock()

	slices.SortFunc(out, func(a, b *core.Request) int {
		return strings.Compare(a.ID(), b.ID())
	})
	return out
}

// keys returns the sorted members of a set.
func keys[K ~string](m map[K]struct{}) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
