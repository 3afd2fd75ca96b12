package orchestrator

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/invakid404/baml-runtime/llmclient"
)

var (
	// ErrNoNodes is returned when a client expands to nothing to attempt.
	ErrNoNodes = errors.New("client expanded to no attempts")
	// ErrStrategyCycle is returned when a strategy reaches itself.
	ErrStrategyCycle = errors.New("strategy client refers to itself")
)

// ClientLookup resolves client and retry policy names.
type ClientLookup interface {
	Client(name string) (llmclient.Provider, error)
	RetryPolicy(name string) (*llmclient.RetryPolicy, error)
}

// State is the per-call expansion state. It counts how often each
// round-robin strategy was used so repeated use within a call rotates.
type State struct {
	clientToUsage map[string]int
	strategies    map[string]*llmclient.RoundRobin
}

func NewState() *State {
	return &State{
		clientToUsage: make(map[string]int),
		strategies:    make(map[string]*llmclient.RoundRobin),
	}
}

// Usage returns how many times the named round-robin strategy was expanded.
func (s *State) Usage(name string) int {
	return s.clientToUsage[name]
}

// Commit advances every round-robin strategy used by this call so the next
// call starts on the following member.
func (s *State) Commit() {
	for name, rr := range s.strategies {
		rr.Advance(s.clientToUsage[name])
	}
	clear(s.clientToUsage)
	clear(s.strategies)
}

// Expander expands clients into nodes.
type Expander struct {
	lookup ClientLookup
	logger zerolog.Logger
}

func NewExpander(lookup ClientLookup, logger zerolog.Logger) *Expander {
	return &Expander{lookup: lookup, logger: logger}
}

// Expand returns the attempts for provider in the order they must be tried.
// It performs no I/O.
func (e *Expander) Expand(state *State, provider llmclient.Provider, previous OrchestrationScope) ([]Node, error) {
	nodes, err := e.expand(state, provider, previous, nil)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%s: %w", provider.Name(), ErrNoNodes)
	}
	return nodes, nil
}

func (e *Expander) expand(state *State, provider llmclient.Provider, previous OrchestrationScope, visiting []string) ([]Node, error) {
	policyName := provider.RetryPolicyName()
	if policyName == "" {
		return e.expandProvider(state, provider, previous, visiting)
	}

	policy, err := e.lookup.RetryPolicy(policyName)
	if err != nil {
		e.logger.Warn().
			Err(err).
			Str("client", provider.Name()).
			Str("retry_policy", policyName).
			Msg("Retry policy could not be resolved, calling client once")
		return e.expandProvider(state, provider, previous, visiting)
	}

	var nodes []Node
	for i, delay := range policy.Delays() {
		inner, err := e.expandProvider(state, provider, previous.Extend(Retry(policyName, i, delay)), visiting)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, inner...)
	}
	return nodes, nil
}

func (e *Expander) expandProvider(state *State, provider llmclient.Provider, previous OrchestrationScope, visiting []string) ([]Node, error) {
	switch p := provider.(type) {
	case *llmclient.Primitive:
		return []Node{{Scope: previous.Extend(Direct(p.Name())), Provider: p}}, nil

	case *llmclient.Fallback:
		if slices.Contains(visiting, p.Name()) {
			return nil, fmt.Errorf("%s: %w", p.Name(), ErrStrategyCycle)
		}
		visiting = append(visiting, p.Name())

		var nodes []Node
		for idx, member := range p.Members {
			client, err := e.lookup.Client(member)
			if err != nil {
				e.logger.Warn().
					Err(err).
					Str("strategy", p.Name()).
					Str("client", member).
					Msg("Skipping fallback member that could not be resolved")
				continue
			}
			inner, err := e.expand(state, client, previous.Extend(Fallback(p.Name(), idx)), visiting)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, inner...)
		}
		return nodes, nil

	case *llmclient.RoundRobin:
		if slices.Contains(visiting, p.Name()) {
			return nil, fmt.Errorf("%s: %w", p.Name(), ErrStrategyCycle)
		}
		visiting = append(visiting, p.Name())

		idx := p.Pick(state.clientToUsage[p.Name()])
		state.clientToUsage[p.Name()]++
		state.strategies[p.Name()] = p

		member := p.Members[idx]
		client, err := e.lookup.Client(member)
		if err != nil {
			return nil, fmt.Errorf("round-robin %s member %s: %w", p.Name(), member, err)
		}
		roundRobinSelections.Inc(roundRobinLabels{Strategy: p.Name(), Client: member})
		return e.expand(state, client, previous.Extend(RoundRobin(p.Name(), idx)), visiting)

	default:
		return nil, fmt.Errorf("unsupported client type %T", provider)
	}
}
