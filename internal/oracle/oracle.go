// Package oracle asks a language model for module groupings. The oracle is
// advisory: every failure maps to ErrUnavailable or ErrInvalidGrouping and
// callers fall back to the heuristic.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aezell/crateguard/internal/config"
	"github.com/aezell/crateguard/internal/ctxlog"
)

var (
	// ErrUnavailable means the oracle is disabled, unreachable or too slow.
	ErrUnavailable = errors.New("oracle unavailable")
	// ErrInvalidGrouping means the oracle answered with something that is not
	// a grouping.
	ErrInvalidGrouping = errors.New("oracle returned an invalid grouping")
)

const systemPrompt = `You group the modules of a Rust crate (or the crates of a component) into cohesive units.
Return JSON of the form {"groups": [["name", ...], ...]}.
Every module must appear in exactly one group. Produce at least 2 groups.
The summed size of each group must not exceed max_group_size.
Keep modules that reference each other heavily in the same group.
Only return names from the input. Do not return code.`

// Module is one node offered to the oracle.
type Module struct {
	Name  string   `json:"name"`
	Size  int      `json:"size"`
	Items []string `json:"items,omitempty"`
}

// Edge is a weighted reference count between two modules.
type Edge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Weight int    `json:"weight"`
}

// Request is the grouping question.
type Request struct {
	Context      string   `json:"context"`
	Modules      []Module `json:"modules"`
	Edges        []Edge   `json:"edges"`
	MaxGroupSize int      `json:"max_group_size"`
}

type response struct {
	Groups [][]string `json:"groups"`
}

// Grouper proposes groupings.
type Grouper interface {
	Group(ctx context.Context, req Request) ([][]string, error)
}

// Oracle turns a Client into a Grouper with a bounded deadline.
type Oracle struct {
	client  Client
	timeout time.Duration
}

// New wraps client. A zero timeout means no deadline beyond ctx.
func New(client Client, timeout time.Duration) *Oracle {
	return &Oracle{client: client, timeout: timeout}
}

// Group asks for a grouping. The result is only shape-checked; callers
// validate it against their own size constraints.
func (o *Oracle) Group(ctx context.Context, req Request) ([][]string, error) {
	if o == nil || o.client == nil {
		return nil, ErrUnavailable
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	log := ctxlog.FromContext(ctx)
	start := time.Now()
	raw, err := o.client.GenerateJSON(ctx, systemPrompt, req)
	if err != nil {
		log.Debug("oracle request failed", "client", o.client.Name(), "elapsed", time.Since(start), "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrouping, err)
	}
	if len(resp.Groups) == 0 {
		return nil, fmt.Errorf("%w: no groups", ErrInvalidGrouping)
	}
	log.Debug("oracle answered", "client", o.client.Name(), "groups", len(resp.Groups), "elapsed", time.Since(start))
	return resp.Groups, nil
}

// FromConfig builds the Gemini-backed oracle with rate limiting, retries
// and a response cache. It returns ErrUnavailable when the oracle is
// disabled or no API key is configured.
func FromConfig(ctx context.Context, cfg config.OracleConfig) (*Oracle, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: disabled", ErrUnavailable)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: no API key (set GEMINI_API_KEY)", ErrUnavailable)
	}
	g, err := NewGemini(ctx, cfg.APIKey, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	client := Wrap(g,
		Cache(cfg.CacheSize),
		Retry(cfg.Retries+1, 300*time.Millisecond),
		RateLimit(cfg.Rate, cfg.Burst),
	)
	return New(client, cfg.Timeout), nil
}
