// Package orchestrator turns a client into an ordered list of attempts and
// runs them until one succeeds.
package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/invakid404/baml-runtime/llmclient"
)

// ScopeKind identifies why an attempt exists.
type ScopeKind int

const (
	ScopeDirect ScopeKind = iota
	ScopeRetry
	ScopeFallback
	ScopeRoundRobin
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeDirect:
		return "direct"
	case ScopeRetry:
		return "retry"
	case ScopeFallback:
		return "fallback"
	case ScopeRoundRobin:
		return "round_robin"
	default:
		return fmt.Sprintf("ScopeKind(%d)", int(k))
	}
}

// ExecutionScope is one strategy decision on the path to an attempt.
type ExecutionScope struct {
	Kind ScopeKind
	// Name is the client for Direct, the retry policy for Retry and the
	// strategy client otherwise.
	Name string
	// Index is the retry slot or the chosen member.
	Index int
	// Delay is the wait after a failed attempt in a retry slot.
	Delay time.Duration
}

func Direct(client string) ExecutionScope {
	return ExecutionScope{Kind: ScopeDirect, Name: client}
}

func Retry(policy string, index int, delay time.Duration) ExecutionScope {
	return ExecutionScope{Kind: ScopeRetry, Name: policy, Index: index, Delay: delay}
}

func Fallback(strategy string, index int) ExecutionScope {
	return ExecutionScope{Kind: ScopeFallback, Name: strategy, Index: index}
}

func RoundRobin(strategy string, index int) ExecutionScope {
	return ExecutionScope{Kind: ScopeRoundRobin, Name: strategy, Index: index}
}

func (s ExecutionScope) String() string {
	switch s.Kind {
	case ScopeDirect:
		return s.Name
	case ScopeRetry:
		return fmt.Sprintf("Retry(%s, %d, %s)", s.Name, s.Index, s.Delay)
	case ScopeFallback:
		return fmt.Sprintf("Fallback(%s, %d)", s.Name, s.Index)
	default:
		return fmt.Sprintf("RoundRobin(%s, %d)", s.Name, s.Index)
	}
}

// OrchestrationScope is the path of decisions that produced an attempt,
// outermost first.
type OrchestrationScope []ExecutionScope

// Extend returns a copy of s with e appended.
func (s OrchestrationScope) Extend(e ExecutionScope) OrchestrationScope {
	out := make(OrchestrationScope, len(s), len(s)+1)
	copy(out, s)
	return append(out, e)
}

// Delay is the total wait after a failed attempt with this scope.
func (s OrchestrationScope) Delay() time.Duration {
	var d time.Duration
	for _, e := range s {
		if e.Kind == ScopeRetry {
			d += e.Delay
		}
	}
	return d
}

// ClientName is the primitive client the scope ends in.
func (s OrchestrationScope) ClientName() string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].Kind == ScopeDirect {
			return s[i].Name
		}
	}
	return ""
}

func (s OrchestrationScope) String() string {
	parts := make([]string, len(s))
	for i, e := range s {
		parts[i] = e.String()
	}
	return strings.Join(parts, " > ")
}

// Node is one concrete attempt.
type Node struct {
	Scope    OrchestrationScope
	Provider *llmclient.Primitive
}
