package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// Client is a JSON-in, JSON-out model endpoint. Cross-cutting concerns
// (rate limiting, retries, caching) are applied via Middleware.
type Client interface {
	Name() string
	GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error)
}

// PermanentError marks failures that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Gemini calls the Gemini API through the official genai client.
type Gemini struct {
	cli   *genai.Client
	model string
}

// NewGemini creates a client for model.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	return &Gemini{cli: cli, model: model}, nil
}

func (g *Gemini) Name() string { return "gemini:" + g.model }

// GenerateJSON sends prompt followed by input as JSON and returns the
// model's JSON answer.
func (g *Gemini) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	in, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return nil, &PermanentError{Err: err}
	}
	full := prompt + "\n\n[INPUT JSON]\n" + string(in)

	resp, err := g.cli.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: full}}}},
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, &PermanentError{Err: errors.New("empty response")}
	}
	return json.RawMessage(resp.Candidates[0].Content.Parts[0].Text), nil
}

// Middleware decorates a Client.
type Middleware func(Client) Client

// Wrap applies middlewares in left-to-right order: Wrap(inner, A, B) is
// A(B(inner)).
func Wrap(inner Client, mws ...Middleware) Client {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

// RateLimit throttles requests to rps with the given burst. rps <= 0
// disables limiting.
func RateLimit(rps float64, burst int) Middleware {
	return func(next Client) Client {
		if rps <= 0 {
			return next
		}
		if burst <= 0 {
			burst = 1
		}
		return &rateLimited{next: next, rl: rate.NewLimiter(rate.Limit(rps), burst)}
	}
}

type rateLimited struct {
	next Client
	rl   *rate.Limiter
}

func (c *rateLimited) Name() string { return c.next.Name() }

func (c *rateLimited) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	return c.next.GenerateJSON(ctx, prompt, input)
}

// Retry makes up to maxAttempts calls with exponential backoff starting at
// baseDelay. Permanent errors and context cancellation stop immediately.
func Retry(maxAttempts int, baseDelay time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return func(next Client) Client {
		return &retrying{next: next, max: maxAttempts, base: baseDelay}
	}
}

type retrying struct {
	next Client
	max  int
	base time.Duration
}

func (r *retrying) Name() string { return r.next.Name() }

func (r *retrying) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	var last error
	for i := 0; i < r.max; i++ {
		resp, err := r.next.GenerateJSON(ctx, prompt, input)
		if err == nil {
			return resp, nil
		}
		var pErr *PermanentError
		if errors.As(err, &pErr) {
			return nil, err
		}
		last = err
		if i == r.max-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.base * time.Duration(1<<i)):
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", r.max, last)
}

// Cache memoizes successful answers keyed by prompt and input. size <= 0
// disables caching.
func Cache(size int) Middleware {
	return func(next Client) Client {
		if size <= 0 {
			return next
		}
		c, err := lru.New[string, json.RawMessage](size)
		if err != nil {
			return next
		}
		return &cached{next: next, cache: c}
	}
}

type cached struct {
	next  Client
	cache *lru.Cache[string, json.RawMessage]
}

func (c *cached) Name() string { return c.next.Name() }

func (c *cached) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	in, err := json.Marshal(input)
	if err != nil {
		return c.next.GenerateJSON(ctx, prompt, input)
	}
	sum := sha256.Sum256(append([]byte(prompt+"\x00"), in...))
	key := hex.EncodeToString(sum[:])

	if resp, ok := c.cache.Get(key); ok {
		return resp, nil
	}
	resp, err := c.next.GenerateJSON(ctx, prompt, input)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, resp)
	return resp, nil
}
