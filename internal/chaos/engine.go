// Package chaos runs race experiments against a circulation deployment:
// validate a steady state, inject concurrent load, observe, roll back and
// check the hypothesis.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bibliodigit/internal/logger"
)

// ErrSteadyStateInvalid aborts an experiment before any load is injected.
var ErrSteadyStateInvalid = errors.New("steady state invalid")

// Experiment defines a chaos experiment.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
	BlastRadius float64 // 0.0 to 1.0
}

// Metric is a measurable property of the deployment.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
)

type Threshold struct {
	Operator Operator
	Value    float64
}

// Holds reports whether value satisfies the threshold. Unknown operators never hold.
func (t Threshold) Holds(value float64) bool {
	switch t.Operator {
	case OpGreater:
		return value > t.Value
	case OpLess:
		return value < t.Value
	case OpGreaterEqual:
		return value >= t.Value
	case OpLessEqual:
		return value <= t.Value
	case OpEqual:
		return value == t.Value
	default:
		return false
	}
}

// Action injects load or undoes it.
type Action struct {
	Type       string
	Target     string
	Parameters map[string]any
	Execute    func(context.Context) error
}

// Assertion is checked against the last observation of Metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

type Result struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Options tune the engine. Zero values fall back to the defaults.
type Options struct {
	SampleInterval time.Duration
	PauseBetween   time.Duration
	Logger         *logger.Logger
}

// Engine orchestrates experiments.
type Engine struct {
	tracer         trace.Tracer
	log            *logger.Logger
	sampleInterval time.Duration
	pauseBetween   time.Duration

	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

func NewEngine(opts Options) *Engine {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Engine{
		tracer:         otel.Tracer("bibliodigit/chaos"),
		log:            opts.Logger,
		sampleInterval: opts.SampleInterval,
		pauseBetween:   opts.PauseBetween,
	}
}

func (e *Engine) Register(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

// Experiments returns a copy of the registered experiments.
func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

// Results returns a copy of every completed result.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes one experiment. It fails only when the steady state does not
// hold up front; a violated hypothesis is reported in the result.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	span.AddEvent("validating_steady_state")
	if violations := e.steadyStateViolations(ctx, exp.SteadyState); len(violations) > 0 {
		result.Violations = violations
		span.SetStatus(codes.Error, ErrSteadyStateInvalid.Error())
		return result, fmt.Errorf("%s: %w", exp.Name, ErrSteadyStateInvalid)
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_load")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
		}
	}

	span.AddEvent("observing")
	e.observe(ctx, exp, result)

	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			span.RecordError(err)
		}
	}

	span.AddEvent("validating_assertions")
	result.FailedAssertions = failedAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

// observe samples every steady-state metric until the experiment window
// closes, then takes one last sample so assertions always have data.
func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result) {
	windowCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	var breachedAt time.Time
	recovered := false

	sample := func() {
		for _, metric := range exp.SteadyState {
			value, err := metric.Query(ctx)
			now := time.Now()
			if err != nil {
				result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{Timestamp: now, Error: err.Error(), Component: metric.Name})
				continue
			}
			result.Observations[metric.Name] = append(result.Observations[metric.Name], DataPoint{Timestamp: now, Value: value})

			if !metric.Threshold.Holds(value) {
				if breachedAt.IsZero() {
					breachedAt = now
				}
				result.Violations = append(result.Violations, MetricViolation{
					MetricName: metric.Name,
					Expected:   metric.Threshold.Value,
					Actual:     value,
					Timestamp:  now,
				})
			} else if !breachedAt.IsZero() && !recovered {
				mttr := now.Sub(breachedAt)
				result.MTTR = &mttr
				recovered = true
			}
		}
	}

	ticker := time.NewTicker(e.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-windowCtx.Done():
			sample()
			return
		case <-ticker.C:
			sample()
		}
	}
}

func (e *Engine) steadyStateViolations(ctx context.Context, metrics []Metric) []MetricViolation {
	var violations []MetricViolation
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			value = -1
		}
		if err != nil || !metric.Threshold.Holds(value) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}
	return violations
}

func failedAssertions(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, a := range assertions {
		points := result.Observations[a.Metric]
		if len(points) == 0 || !a.Condition(points[len(points)-1].Value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}

// GameDay is a named series of experiments.
type GameDay struct {
	Name         string
	Date         time.Time
	Scenarios    []Experiment
	Participants []string
}

// ExecuteGameDay runs every scenario in order and returns the results. An
// experiment whose steady state does not hold is logged and skipped.
func (e *Engine) ExecuteGameDay(ctx context.Context, day GameDay) ([]Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", day.Name)),
	)
	defer span.End()

	ctx = e.log.WithFields(ctx, map[string]any{
		"game_day":     day.Name,
		"date":         day.Date.Format(time.DateOnly),
		"participants": day.Participants,
	})
	e.log.Info(ctx, "game day started")

	results := make([]Result, 0, len(day.Scenarios))
	for i, scenario := range day.Scenarios {
		if i > 0 && e.pauseBetween > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(e.pauseBetween):
			}
		}

		expCtx := e.log.WithFields(ctx, map[string]any{
			"experiment": scenario.Name,
			"hypothesis": scenario.Hypothesis,
			"index":      i + 1,
			"total":      len(day.Scenarios),
		})

		result, err := e.Run(expCtx, scenario)
		if err != nil {
			e.log.Error(expCtx, "experiment aborted", err)
			continue
		}
		e.report(expCtx, result)
		results = append(results, *result)
	}
	return results, nil
}

func (e *Engine) report(ctx context.Context, result *Result) {
	fields := map[string]any{
		"hypothesis_held": result.HypothesisHeld,
		"violations":      len(result.Violations),
		"errors":          len(result.ErrorEvents),
		"duration":        result.Duration.String(),
	}
	if result.MTTR != nil {
		fields["mttr"] = result.MTTR.String()
	}
	ctx = e.log.WithFields(ctx, fields)

	if result.HypothesisHeld {
		e.log.Info(ctx, "hypothesis held")
		return
	}
	for _, msg := range result.FailedAssertions {
		e.log.Warn(e.log.WithField(ctx, "assertion", msg), "assertion failed")
	}
	e.log.Warn(ctx, "hypothesis violated")
}
