package orchestrator

import (
	"github.com/go-chi/metrics"
	"go.opentelemetry.io/otel"
)

type attemptLabels struct {
	Client  string `label:"client"`
	Outcome string `label:"outcome"`
}

var attemptsTotal = metrics.CounterWith[attemptLabels](
	"llm_attempts_total",
	"Total number of LLM call attempts by client and outcome",
)

type roundRobinLabels struct {
	Strategy string `label:"strategy"`
	Client   string `label:"client"`
}

var roundRobinSelections = metrics.CounterWith[roundRobinLabels](
	"round_robin_selections_total",
	"Total number of round-robin member selections",
)

type sleepLabels struct {
	Client string `label:"client"`
}

var retrySleeps = metrics.CounterWith[sleepLabels](
	"retry_sleeps_total",
	"Total number of waits between failed attempts",
)

var tracer = otel.Tracer("github.com/invakid404/baml-runtime/orchestrator")
