package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/onsite-teams/salesintel/internal/metrics"
	"github.com/onsite-teams/salesintel/internal/model"
)

// ErrInvalidGraph is returned by NewGraph for malformed stage graphs.
var ErrInvalidGraph = eris.New("pipeline: invalid graph")

// StageID names a stage. It prefixes every error the stage records.
type StageID string

// Stage binds an ID to its handler. A handler owns a disjoint set of state
// fields and leaves its defaults in place when it fails.
type Stage[S any] struct {
	ID  StageID
	Run func(ctx context.Context, state *S, errs *ErrorLog) error
}

// Edge orders two stages.
type Edge struct {
	From, To StageID
}

// Graph is a validated DAG of stages with a single entry and a single
// terminal. Stages on the same level run concurrently.
type Graph[S any] struct {
	name   model.PipelineType
	stages map[StageID]Stage[S]
	levels [][]StageID
}

// Linear returns the edges of a chain through ids in order.
func Linear(ids ...StageID) []Edge {
	edges := make([]Edge, 0, len(ids))
	for i := 1; i < len(ids); i++ {
		edges = append(edges, Edge{From: ids[i-1], To: ids[i]})
	}
	return edges
}

// NewGraph validates stages and edges and precomputes execution levels.
func NewGraph[S any](name model.PipelineType, stages []Stage[S], edges []Edge) (*Graph[S], error) {
	if len(stages) == 0 {
		return nil, eris.Wrap(ErrInvalidGraph, "no stages")
	}

	byID := make(map[StageID]Stage[S], len(stages))
	order := make([]StageID, 0, len(stages))
	for _, s := range stages {
		if s.ID == "" || s.Run == nil {
			return nil, eris.Wrap(ErrInvalidGraph, "stage without id or handler")
		}
		if _, dup := byID[s.ID]; dup {
			return nil, eris.Wrapf(ErrInvalidGraph, "duplicate stage %q", s.ID)
		}
		byID[s.ID] = s
		order = append(order, s.ID)
	}

	preds := make(map[StageID][]StageID, len(stages))
	succs := make(map[StageID][]StageID, len(stages))
	seen := make(map[Edge]bool, len(edges))
	for _, e := range edges {
		if _, ok := byID[e.From]; !ok {
			return nil, eris.Wrapf(ErrInvalidGraph, "edge from undeclared stage %q", e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return nil, eris.Wrapf(ErrInvalidGraph, "edge to undeclared stage %q", e.To)
		}
		if e.From == e.To {
			return nil, eris.Wrapf(ErrInvalidGraph, "self edge on %q", e.From)
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		preds[e.To] = append(preds[e.To], e.From)
		succs[e.From] = append(succs[e.From], e.To)
	}

	var entries, terminals []StageID
	for _, id := range order {
		if len(preds[id]) == 0 {
			entries = append(entries, id)
		}
		if len(succs[id]) == 0 {
			terminals = append(terminals, id)
		}
	}
	if len(entries) != 1 {
		return nil, eris.Wrapf(ErrInvalidGraph, "want exactly one entry stage, got %v", entries)
	}
	if len(terminals) != 1 {
		return nil, eris.Wrapf(ErrInvalidGraph, "want exactly one terminal stage, got %v", terminals)
	}

	levels, err := levelize(order, preds, succs)
	if err != nil {
		return nil, err
	}
	return &Graph[S]{name: name, stages: byID, levels: levels}, nil
}

// levelize assigns each stage its longest distance from the entry (Kahn's
// algorithm). Declaration order is kept within a level.
func levelize(order []StageID, preds, succs map[StageID][]StageID) ([][]StageID, error) {
	indeg := make(map[StageID]int, len(order))
	depth := make(map[StageID]int, len(order))
	for _, id := range order {
		indeg[id] = len(preds[id])
	}

	var queue []StageID
	for _, id := range order {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range succs[id] {
			depth[next] = max(depth[next], depth[id]+1)
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(order) {
		return nil, eris.Wrap(ErrInvalidGraph, "cycle detected")
	}

	maxDepth := 0
	for _, d := range depth {
		maxDepth = max(maxDepth, d)
	}
	levels := make([][]StageID, maxDepth+1)
	for _, id := range order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels, nil
}

// Levels returns the execution levels. Callers must not modify the result.
func (g *Graph[S]) Levels() [][]StageID { return g.levels }

// Execute runs every stage once in level order and returns the tracked
// results in completion order. Stage errors and panics are recorded in errs
// and never stop the run. Cancellation of ctx does: no further level starts
// and the returned error wraps ctx.Err().
func (g *Graph[S]) Execute(ctx context.Context, state *S, errs *ErrorLog) ([]model.StageResult, error) {
	log := zap.L().With(zap.String("pipeline", string(g.name)))

	var (
		results   []model.StageResult
		resultsMu sync.Mutex
	)
	trackStage := func(ctx context.Context, id StageID) {
		stage := g.stages[id]
		before := errs.CountFor(id)

		start := time.Now()
		fnErr := runSafely(ctx, stage, state, errs)
		elapsed := time.Since(start)

		sr := model.StageResult{Name: string(id), Duration: elapsed.Milliseconds()}
		if fnErr != nil {
			errs.Add(id, fnErr.Error())
		}
		if fnErr != nil || errs.CountFor(id) > before {
			sr.Status = model.StageStatusDegraded
			if fnErr != nil {
				sr.Error = fnErr.Error()
			}
			log.Warn("pipeline: stage degraded",
				zap.String("stage", string(id)),
				zap.Int64("duration_ms", sr.Duration),
				zap.Error(fnErr),
			)
		} else {
			sr.Status = model.StageStatusComplete
			log.Info("pipeline: stage complete",
				zap.String("stage", string(id)),
				zap.Int64("duration_ms", sr.Duration),
			)
		}
		metrics.StageDuration.WithLabelValues(string(g.name), string(id), string(sr.Status)).Observe(elapsed.Seconds())

		resultsMu.Lock()
		results = append(results, sr)
		resultsMu.Unlock()
	}

	for _, level := range g.levels {
		if err := ctx.Err(); err != nil {
			log.Warn("pipeline: run aborted", zap.String("next_stage", string(level[0])), zap.Error(err))
			return results, eris.Wrapf(err, "pipeline: %s aborted before %s", g.name, level[0])
		}
		if len(level) == 1 {
			trackStage(ctx, level[0])
			continue
		}
		eg, gCtx := errgroup.WithContext(ctx)
		for _, id := range level {
			eg.Go(func() error {
				trackStage(gCtx, id)
				return nil
			})
		}
		_ = eg.Wait()
	}
	return results, nil
}

func runSafely[S any](ctx context.Context, stage Stage[S], state *S, errs *ErrorLog) (err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("pipeline: stage panicked",
				zap.String("stage", string(stage.ID)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return stage.Run(ctx, state, errs)
}

// ErrorLog is the append-only error list of one run. It is safe for
// concurrent use by parallel stages.
type ErrorLog struct {
	mu      sync.Mutex
	entries []string
	counts  map[StageID]int
}

// Add appends "<stage>: <msg>".
func (l *ErrorLog) Add(stage StageID, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = make(map[StageID]int)
	}
	l.entries = append(l.entries, string(stage)+": "+msg)
	l.counts[stage]++
}

// Addf is Add with formatting.
func (l *ErrorLog) Addf(stage StageID, format string, args ...any) {
	l.Add(stage, fmt.Sprintf(format, args...))
}

// CountFor returns how many errors stage has recorded.
func (l *ErrorLog) CountFor(stage StageID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[stage]
}

// List returns a copy of the entries in append order. It is never nil.
func (l *ErrorLog) List() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := slices.Clone(l.entries)
	if out == nil {
		out = []string{}
	}
	return out
}
