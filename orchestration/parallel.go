package orchestration

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/agentgrid-dev/agentgrid/internal/observability"
)

// Parallel dispatches the same task to every agent concurrently and
// collects all outputs. Agent failures are recorded per result rather than
// aborting the batch; the returned error is the first failure, if any.
func (o *Orchestrator) Parallel(ctx context.Context, task string) ([]AgentResult, error) {
	roster := o.roster()

	ctx, span := observability.StartSpan(ctx, "orchestration.parallel",
		trace.WithAttributes(
			attribute.String("orchestration.mode", string(ModeParallel)),
			attribute.Int("orchestration.agent_count", len(roster)),
		),
	)
	defer span.End()

	var (
		mu      sync.Mutex
		results = make([]AgentResult, 0, len(roster))
	)

	g, gctx := errgroup.WithContext(ctx)
	var firstErr error

	for _, a := range roster {
		g.Go(func() error {
			res, err := a.Execute(gctx, task)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				span.RecordError(err)
				results = append(results, AgentResult{Agent: a.Name(), Error: err.Error()})
				return nil
			}
			results = append(results, AgentResult{Agent: a.Name(), Output: res.Output})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Concurrent completion scrambles ordering; report in roster order.
	index := make(map[string]int, len(roster))
	for i, a := range roster {
		index[a.Name()] = i
	}
	sort.Slice(results, func(i, j int) bool {
		return index[results[i].Agent] < index[results[j].Agent]
	})

	span.SetAttributes(attribute.Int("orchestration.success_count", len(results)))
	return results, firstErr
}
