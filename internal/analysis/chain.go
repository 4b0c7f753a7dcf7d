package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one position in the chain
type Entry struct {
	Backend Backend
	Timeout time.Duration
	// Fallback marks a backend whose answer counts as a degraded result
	Fallback bool
}

// Attempt records one backend call
type Attempt struct {
	Backend  string        `json:"backend"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Outcome is the result of running the chain
type Outcome struct {
	Analysis *Analysis
	Backend  string
	Attempts []Attempt
	Degraded bool
}

// Chain tries its backends strictly in order; the first success wins
type Chain struct {
	entries []Entry
	log     zerolog.Logger
}

// NewChain builds a chain from entries, skipping nil backends
func NewChain(log zerolog.Logger, entries ...Entry) *Chain {
	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Backend == nil {
			continue
		}
		if e.Timeout <= 0 {
			e.Timeout = 30 * time.Second
		}
		kept = append(kept, e)
	}
	return &Chain{
		entries: kept,
		log:     log.With().Str("component", "analysis").Logger(),
	}
}

// Names returns the backend names in chain order
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		names = append(names, e.Backend.Name())
	}
	return names
}

// Generate runs the prompt through the chain. When every backend fails the
// returned outcome still lists the attempts and the error wraps
// ErrChainExhausted.
func (c *Chain) Generate(ctx context.Context, prompt string) (*Outcome, error) {
	outcome := &Outcome{}

	for _, e := range c.entries {
		if err := ctx.Err(); err != nil {
			return outcome, fmt.Errorf("%w: %v", ErrChainExhausted, err)
		}

		name := e.Backend.Name()
		started := time.Now()
		analysis, err := c.call(ctx, e, prompt)
		elapsed := time.Since(started)

		if err != nil {
			outcome.Attempts = append(outcome.Attempts, Attempt{Backend: name, Error: err.Error(), Duration: elapsed})
			c.log.Warn().Err(err).Str("backend", name).Dur("elapsed", elapsed).Msg("analysis backend failed")
			continue
		}

		if analysis.Source == "" {
			analysis.Source = name
		}
		analysis.normalize()
		outcome.Attempts = append(outcome.Attempts, Attempt{Backend: name, Duration: elapsed})
		outcome.Analysis = analysis
		outcome.Backend = name
		outcome.Degraded = e.Fallback
		c.log.Debug().Str("backend", name).Dur("elapsed", elapsed).Bool("fallback", e.Fallback).Msg("analysis generated")
		return outcome, nil
	}

	return outcome, ErrChainExhausted
}

func (c *Chain) call(ctx context.Context, e Entry, prompt string) (analysis *Analysis, err error) {
	callCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			analysis, err = nil, fmt.Errorf("backend %s panicked: %v", e.Backend.Name(), r)
		}
	}()

	analysis, err = e.Backend.Generate(callCtx, prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &GenerationTimeoutError{Backend: e.Backend.Name(), Timeout: e.Timeout}
		}
		return nil, err
	}
	if analysis == nil {
		return nil, fmt.Errorf("%w: backend returned no analysis", ErrMalformedOutput)
	}
	return analysis, nil
}
