package llmclient

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/invakid404/baml-runtime/ir"
)

const (
	StrategyConstantDelay      = "constant_delay"
	StrategyExponentialBackoff = "exponential_backoff"

	defaultDelayMs    = 200
	defaultMultiplier = 1.5
	defaultMaxDelayMs = 10000
)

// RetryPolicy is a validated retry policy: MaxRetries retries after the
// first attempt, spaced by the strategy's delays.
type RetryPolicy struct {
	Name       string
	MaxRetries int

	Strategy   string
	Delay      time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// NewRetryPolicy validates def and fills in strategy defaults.
func NewRetryPolicy(def *ir.RetryPolicyDef) (*RetryPolicy, error) {
	if def.MaxRetries < 0 {
		return nil, fmt.Errorf("retry policy %q: max_retries must not be negative", def.Name)
	}

	p := &RetryPolicy{Name: def.Name, MaxRetries: def.MaxRetries}
	s := def.Strategy

	delayMs := defaultDelayMs
	if s.DelayMs != nil {
		if *s.DelayMs < 0 {
			return nil, fmt.Errorf("retry policy %q: delay_ms must not be negative", def.Name)
		}
		delayMs = *s.DelayMs
	}
	p.Delay = time.Duration(delayMs) * time.Millisecond

	switch s.Type {
	case "", StrategyConstantDelay:
		var errs []error
		if s.Multiplier != nil {
			errs = append(errs, errors.New("multiplier is not valid for constant_delay"))
		}
		if s.MaxDelayMs != nil {
			errs = append(errs, errors.New("max_delay_ms is not valid for constant_delay"))
		}
		if len(errs) > 0 {
			return nil, fmt.Errorf("retry policy %q: %w", def.Name, errors.Join(errs...))
		}
		p.Strategy = StrategyConstantDelay
	case StrategyExponentialBackoff:
		p.Strategy = StrategyExponentialBackoff
		p.Multiplier = defaultMultiplier
		if s.Multiplier != nil {
			if *s.Multiplier <= 0 {
				return nil, fmt.Errorf("retry policy %q: multiplier must be positive", def.Name)
			}
			p.Multiplier = *s.Multiplier
		}
		maxDelayMs := defaultMaxDelayMs
		if s.MaxDelayMs != nil {
			maxDelayMs = *s.MaxDelayMs
		}
		p.MaxDelay = time.Duration(maxDelayMs) * time.Millisecond
		if p.MaxDelay < p.Delay {
			return nil, fmt.Errorf("retry policy %q: max_delay_ms must be at least delay_ms", def.Name)
		}
	default:
		return nil, fmt.Errorf("retry policy %q: unknown strategy %q", def.Name, s.Type)
	}

	return p, nil
}

// Delays returns the wait after each attempt slot. There are MaxRetries+1
// slots and the last one never waits.
func (p *RetryPolicy) Delays() []time.Duration {
	out := make([]time.Duration, p.MaxRetries+1)
	for i := range p.MaxRetries {
		out[i] = p.delay(i)
	}
	return out
}

func (p *RetryPolicy) delay(retry int) time.Duration {
	if p.Strategy != StrategyExponentialBackoff {
		return p.Delay
	}
	d := float64(p.Delay) * math.Pow(p.Multiplier, float64(retry))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
