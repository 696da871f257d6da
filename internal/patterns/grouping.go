package patterns

import (
	"context"
	"errors"
	"fmt"

	"github.com/aezell/crateguard/internal/cluster"
	"github.com/aezell/crateguard/internal/ctxlog"
	"github.com/aezell/crateguard/internal/oracle"
)

// groupNodes partitions g into groups of at most capacity. The oracle is
// asked first when configured; an unusable answer falls back to the
// heuristic. The result is normalized, so equal inputs give equal groups.
func groupNodes(ctx context.Context, env *Env, g *cluster.Graph, capacity int, label string, items map[string][]string) ([][]string, error) {
	log := ctxlog.FromContext(ctx)

	if env.Oracle != nil {
		req := oracle.Request{Context: label, MaxGroupSize: capacity}
		for _, n := range g.Nodes() {
			req.Modules = append(req.Modules, oracle.Module{Name: n.Name, Size: n.Size, Items: items[n.Name]})
		}
		for _, e := range g.Edges() {
			req.Edges = append(req.Edges, oracle.Edge{From: e.A, To: e.B, Weight: e.Weight})
		}
		groups, err := env.Oracle.Group(ctx, req)
		if err == nil {
			err = cluster.Validate(g, groups, capacity)
		}
		if err == nil {
			cluster.Normalize(groups)
			log.Debug("using oracle grouping", "context", label, "groups", len(groups))
			return groups, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		log.Info("oracle grouping rejected, using heuristic", "context", label, "error", err)
	}

	groups, err := cluster.Partition(g, capacity)
	if err != nil {
		return nil, fmt.Errorf("grouping %s: %w", label, err)
	}
	return groups, nil
}
