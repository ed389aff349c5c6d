// Package orchestrator coordinates multi-step workflows across fabric
// components: dependency-ordered execution, per-step resilience, reverse
// compensation on failure, and lifecycle events for every transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/trustvector/backend/internal/resilience"
	"github.com/trustvector/backend/internal/schema"
)

// Step statuses.
const (
	StepPending     = "pending"
	StepRunning     = "running"
	StepCompleted   = "completed"
	StepFailed      = "failed"
	StepSkipped     = "skipped"
	StepCompensated = "compensated"
)

// Workflow statuses.
const (
	WorkflowRunning     = "running"
	WorkflowCompleted   = "completed"
	WorkflowFailed      = "failed"
	WorkflowCompensated = "compensated"
)

// ErrUnknownWorkflow rejects execution of an unregistered workflow type.
var ErrUnknownWorkflow = errors.New("unknown workflow type")

// ErrWorkflowNotFound is returned by Status for an unknown instance id.
var ErrWorkflowNotFound = errors.New("workflow instance not found")

// ErrStepTimeout marks a step whose component never answered in time.
var ErrStepTimeout = errors.New("step timed out")

// DefaultStepTimeout bounds a step when its definition does not set one.
const DefaultStepTimeout = 30 * time.Second

// Step declares one unit of work inside a workflow definition.
type Step struct {
	ID        string
	Component string   // target component
	Action    string   // operation invoked on the component
	DependsOn []string // step ids that must complete first

	// Timeout bounds the step end to end, retries included. Zero means
	// DefaultStepTimeout.
	Timeout time.Duration

	// Cacheable steps are read-shaped: identical invocations within the
	// dispatcher's cache TTL reuse the previous result.
	Cacheable bool

	// Condition gates the step; when it returns false the step does not
	// run, is elided from the recorded instance, and downstream steps
	// still proceed.
	Condition func(in *Instance) bool

	// Input builds the step's call parameters from accumulated state.
	Input func(in *Instance) map[string]interface{}

	// Compensate undoes the step during rollback. Nil means nothing to
	// undo.
	Compensate *CompensationAction

	// EscalateOnFailure raises emergency.decision.required when this step
	// fails, handing the decision to a human.
	EscalateOnFailure bool
}

// CompensationAction is the inverse call for a completed step.
type CompensationAction struct {
	Component string
	Action    string
}

// Definition is a registered workflow type.
type Definition struct {
	Type  string
	Steps []Step
}

// StepState is one step's runtime record.
type StepState struct {
	ID          string                 `json:"id"`
	Component   string                 `json:"component"`
	Action      string                 `json:"action"`
	Status      string                 `json:"status"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at,omitempty"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`
}

// Instance is one workflow execution.
type Instance struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Status      string                 `json:"status"`
	Context     map[string]interface{} `json:"context"`
	Steps       map[string]*StepState  `json:"steps"`
	StepOrder   []string               `json:"step_order"`
	Errors      []string               `json:"errors,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`

	mu sync.Mutex
}

// StepOutput returns a completed step's output map, nil when absent.
func (in *Instance) StepOutput(stepID string) map[string]interface{} {
	in.mu.Lock()
	defer in.mu.Unlock()
	if state, ok := in.Steps[stepID]; ok {
		return state.Output
	}
	return nil
}

// ContextValue reads a top-level context key.
func (in *Instance) ContextValue(key string) interface{} {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.Context[key]
}

// snapshot copies the instance for external readers.
func (in *Instance) snapshot() *Instance {
	in.mu.Lock()
	defer in.mu.Unlock()

	// Condition-elided steps never ran; they are not part of the recorded
	// run.
	steps := make(map[string]*StepState, len(in.Steps))
	var order []string
	for _, id := range in.StepOrder {
		s := in.Steps[id]
		if s.Status == StepSkipped {
			continue
		}
		c := *s
		steps[id] = &c
		order = append(order, id)
	}
	ctx := make(map[string]interface{}, len(in.Context))
	for k, v := range in.Context {
		ctx[k] = v
	}
	return &Instance{
		ID:          in.ID,
		Type:        in.Type,
		Status:      in.Status,
		Context:     ctx,
		Steps:       steps,
		StepOrder:   order,
		Errors:      append([]string(nil), in.Errors...),
		StartedAt:   in.StartedAt,
		CompletedAt: in.CompletedAt,
	}
}

// ComponentRunner executes actions on behalf of one component.
type ComponentRunner interface {
	Run(ctx context.Context, action string, input map[string]interface{}) (map[string]interface{}, error)
}

// RunnerFunc adapts a function to ComponentRunner.
type RunnerFunc func(ctx context.Context, action string, input map[string]interface{}) (map[string]interface{}, error)

func (f RunnerFunc) Run(ctx context.Context, action string, input map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, action, input)
}

// EventPublisher receives workflow lifecycle events. Satisfied by bus.Bus.
type EventPublisher interface {
	Publish(ctx context.Context, e *schema.Envelope) error
}

// Engine runs registered workflow definitions. Steps on components with an
// in-process runner call it through the resilient dispatcher; steps on any
// other component are satisfied over the fabric: the step.requested envelope
// goes out and the engine awaits the workflow.step.completed reply correlated
// by workflow and step id, up to the step's timeout. Wire HandleStepCompletion
// as a bus subscription to enable the fabric path.
type Engine struct {
	publisher  EventPublisher
	dispatcher *resilience.Dispatcher

	mu          sync.RWMutex
	definitions map[string]*Definition
	runners     map[string]ComponentRunner
	instances   map[string]*Instance

	pendingMu sync.Mutex
	pending   map[string]chan stepReply
}

// stepReply is a correlated workflow.step.completed payload.
type stepReply struct {
	output map[string]interface{}
	err    error
}

func correlationKey(workflowID, stepID string) string {
	return workflowID + "/" + stepID
}

// NewEngine creates an engine publishing lifecycle events through publisher
// and calling components through dispatcher.
func NewEngine(publisher EventPublisher, dispatcher *resilience.Dispatcher) *Engine {
	if dispatcher == nil {
		dispatcher = resilience.NewDispatcher(resilience.DefaultConfig())
	}
	return &Engine{
		publisher:   publisher,
		dispatcher:  dispatcher,
		definitions: make(map[string]*Definition),
		runners:     make(map[string]ComponentRunner),
		instances:   make(map[string]*Instance),
		pending:     make(map[string]chan stepReply),
	}
}

// Register adds a workflow definition, replacing any previous one of the
// same type.
func (e *Engine) Register(def *Definition) error {
	if def.Type == "" {
		return fmt.Errorf("workflow definition missing type")
	}
	if err := validateSteps(def.Steps); err != nil {
		return fmt.Errorf("workflow %s: %w", def.Type, err)
	}
	e.mu.Lock()
	e.definitions[def.Type] = def
	e.mu.Unlock()
	return nil
}

// RegisterRunner binds a component name to its executor.
func (e *Engine) RegisterRunner(component string, runner ComponentRunner) {
	e.mu.Lock()
	e.runners[component] = runner
	e.mu.Unlock()
}

// Definitions lists registered workflow types.
func (e *Engine) Definitions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.definitions))
	for t := range e.definitions {
		out = append(out, t)
	}
	return out
}

// validateSteps checks id uniqueness and dependency references.
func validateSteps(steps []Step) error {
	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("step missing id")
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}
	if _, err := waves(steps); err != nil {
		return err
	}
	return nil
}

// waves computes dependency levels: steps within a wave have all their
// dependencies in earlier waves and may run concurrently.
func waves(steps []Step) ([][]Step, error) {
	remaining := make(map[string]Step, len(steps))
	for _, s := range steps {
		remaining[s.ID] = s
	}
	done := make(map[string]bool, len(steps))

	var out [][]Step
	for len(remaining) > 0 {
		var wave []Step
		// Preserve declaration order within a wave.
		for _, s := range steps {
			if _, pending := remaining[s.ID]; !pending {
				continue
			}
			ready := true
			for _, dep := range s.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, s)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("dependency cycle among steps")
		}
		for _, s := range wave {
			done[s.ID] = true
			delete(remaining, s.ID)
		}
		out = append(out, wave)
	}
	return out, nil
}

// Execute runs a workflow to completion and returns its final instance
// state.
func (e *Engine) Execute(ctx context.Context, workflowType string, wfContext map[string]interface{}) (*Instance, error) {
	in, err := e.begin(ctx, workflowType, wfContext)
	if err != nil {
		return nil, err
	}
	e.run(ctx, in)
	return in.snapshot(), nil
}

// Start launches a workflow asynchronously and returns its instance id.
func (e *Engine) Start(ctx context.Context, workflowType string, wfContext map[string]interface{}) (string, error) {
	in, err := e.begin(ctx, workflowType, wfContext)
	if err != nil {
		return "", err
	}
	go e.run(context.WithoutCancel(ctx), in)
	return in.ID, nil
}

// Status returns a snapshot of the instance.
func (e *Engine) Status(id string) (*Instance, error) {
	e.mu.RLock()
	in, ok := e.instances[id]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return in.snapshot(), nil
}

// List returns snapshots of every tracked instance.
func (e *Engine) List() []*Instance {
	e.mu.RLock()
	instances := make([]*Instance, 0, len(e.instances))
	for _, in := range e.instances {
		instances = append(instances, in)
	}
	e.mu.RUnlock()

	out := make([]*Instance, len(instances))
	for i, in := range instances {
		out[i] = in.snapshot()
	}
	return out
}

func (e *Engine) begin(ctx context.Context, workflowType string, wfContext map[string]interface{}) (*Instance, error) {
	e.mu.RLock()
	def, ok := e.definitions[workflowType]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowType)
	}

	if wfContext == nil {
		wfContext = make(map[string]interface{})
	}

	in := &Instance{
		ID:        uuid.New().String(),
		Type:      def.Type,
		Status:    WorkflowRunning,
		Context:   wfContext,
		Steps:     make(map[string]*StepState, len(def.Steps)),
		StartedAt: time.Now().UTC(),
	}
	for _, s := range def.Steps {
		in.Steps[s.ID] = &StepState{ID: s.ID, Component: s.Component, Action: s.Action, Status: StepPending}
		in.StepOrder = append(in.StepOrder, s.ID)
	}

	e.mu.Lock()
	e.instances[in.ID] = in
	e.mu.Unlock()

	e.emit(ctx, schema.EventWorkflowStarted, map[string]interface{}{
		"workflow_id":   in.ID,
		"workflow_type": in.Type,
	})
	slog.Info("[Orchestrator] Workflow started", "workflow", in.ID, "type", in.Type)

	return in, nil
}

// run executes the instance wave by wave. The first failed step aborts the
// remaining waves and triggers compensation.
func (e *Engine) run(ctx context.Context, in *Instance) {
	e.mu.RLock()
	def := e.definitions[in.Type]
	e.mu.RUnlock()

	stepWaves, err := waves(def.Steps)
	if err != nil {
		e.fail(ctx, in, def, err)
		return
	}

	for _, wave := range stepWaves {
		g, waveCtx := errgroup.WithContext(ctx)
		for _, step := range wave {
			step := step
			g.Go(func() error {
				return e.runStep(waveCtx, in, step)
			})
		}
		if err := g.Wait(); err != nil {
			e.fail(ctx, in, def, err)
			return
		}
	}

	in.mu.Lock()
	in.Status = WorkflowCompleted
	in.CompletedAt = time.Now().UTC()
	result := make(map[string]interface{}, len(in.Steps))
	for id, s := range in.Steps {
		if s.Status == StepCompleted && s.Output != nil {
			result[id] = s.Output
		}
	}
	in.mu.Unlock()

	e.emit(ctx, schema.EventWorkflowCompleted, map[string]interface{}{
		"workflow_id":   in.ID,
		"workflow_type": in.Type,
		"result":        result,
	})
	slog.Info("[Orchestrator] Workflow completed", "workflow", in.ID, "type", in.Type)
}

func (e *Engine) runStep(ctx context.Context, in *Instance, step Step) error {
	if step.Condition != nil && !step.Condition(in) {
		in.mu.Lock()
		in.Steps[step.ID].Status = StepSkipped
		in.mu.Unlock()
		slog.Debug("[Orchestrator] Step skipped", "workflow", in.ID, "step", step.ID)
		return nil
	}

	var input map[string]interface{}
	if step.Input != nil {
		input = step.Input(in)
	}

	in.mu.Lock()
	state := in.Steps[step.ID]
	state.Status = StepRunning
	state.StartedAt = time.Now().UTC()
	in.mu.Unlock()

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}

	runner, local := e.runnerFor(step.Component)

	// Register the correlation slot before the request envelope is visible,
	// so a fast component cannot reply into the void.
	var replyCh chan stepReply
	if !local {
		replyCh = make(chan stepReply, 1)
		key := correlationKey(in.ID, step.ID)
		e.pendingMu.Lock()
		e.pending[key] = replyCh
		e.pendingMu.Unlock()
		defer func() {
			e.pendingMu.Lock()
			delete(e.pending, key)
			e.pendingMu.Unlock()
		}()
	}

	e.emit(ctx, schema.EventWorkflowStepRequested, map[string]interface{}{
		"workflow_id": in.ID,
		"step_id":     step.ID,
		"component":   step.Component,
		"action":      step.Action,
		"input":       orEmpty(input),
	})

	var output map[string]interface{}
	var err error
	if local {
		output, err = e.callRunner(ctx, runner, step, input, timeout)
	} else {
		output, err = e.awaitCompletion(ctx, replyCh, timeout)
	}

	now := time.Now().UTC()
	if err != nil {
		in.mu.Lock()
		state.Status = StepFailed
		state.Error = err.Error()
		state.CompletedAt = now
		in.mu.Unlock()

		e.emit(ctx, schema.EventWorkflowStepCompleted, map[string]interface{}{
			"workflow_id": in.ID,
			"step_id":     step.ID,
			"status":      "failed",
			"error":       err.Error(),
		})
		if step.EscalateOnFailure {
			e.escalate(ctx, in, step, err)
		}
		return fmt.Errorf("step %s: %w", step.ID, err)
	}

	in.mu.Lock()
	state.Status = StepCompleted
	state.Output = output
	state.CompletedAt = now
	in.mu.Unlock()

	if local {
		e.emit(ctx, schema.EventWorkflowStepCompleted, map[string]interface{}{
			"workflow_id": in.ID,
			"step_id":     step.ID,
			"status":      "completed",
			"output":      orEmpty(output),
		})
	}
	return nil
}

// callRunner executes an in-process step through the dispatcher within the
// step deadline.
func (e *Engine) callRunner(ctx context.Context, runner ComponentRunner, step Step, input map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	call := e.dispatcher.Call
	if step.Cacheable {
		call = e.dispatcher.CallCached
	}

	result, err := call(stepCtx, resilience.Request{
		Target: step.Component,
		Action: step.Action,
		Params: input,
	}, func(ctx context.Context, req resilience.Request) (interface{}, error) {
		return runner.Run(ctx, req.Action, req.Params)
	})
	if err != nil {
		return nil, err
	}
	output, _ := result.(map[string]interface{})
	return output, nil
}

// awaitCompletion blocks until the correlated workflow.step.completed reply
// arrives, the step deadline passes, or the wave is aborted.
func (e *Engine) awaitCompletion(ctx context.Context, replyCh chan stepReply, timeout time.Duration) (map[string]interface{}, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply.output, reply.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s awaiting completion", ErrStepTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleStepCompletion consumes workflow.step.completed envelopes from the
// fabric and resolves the awaiting step, if any. Completions that correlate
// to nothing (including the engine's own notifications for in-process steps)
// are ignored. Subscribe it with a type filter on "*".
func (e *Engine) HandleStepCompletion(ctx context.Context, env *schema.Envelope) error {
	workflowID, _ := env.Data["workflow_id"].(string)
	stepID, _ := env.Data["step_id"].(string)
	if workflowID == "" || stepID == "" {
		return nil
	}

	e.pendingMu.Lock()
	replyCh, ok := e.pending[correlationKey(workflowID, stepID)]
	if ok {
		delete(e.pending, correlationKey(workflowID, stepID))
	}
	e.pendingMu.Unlock()
	if !ok {
		return nil
	}

	var reply stepReply
	if status, _ := env.Data["status"].(string); status == "failed" {
		msg, _ := env.Data["error"].(string)
		if msg == "" {
			msg = "component reported failure"
		}
		reply.err = fmt.Errorf("%s: %s", env.Source, msg)
	} else {
		reply.output, _ = env.Data["output"].(map[string]interface{})
	}
	replyCh <- reply
	return nil
}

// runnerFor returns the registered runner for a component; local is false
// when the step must be satisfied over the fabric instead.
func (e *Engine) runnerFor(component string) (ComponentRunner, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	runner, ok := e.runners[component]
	return runner, ok
}

// fail marks the workflow failed, compensates completed steps in reverse
// order, and emits the failure events.
func (e *Engine) fail(ctx context.Context, in *Instance, def *Definition, cause error) {
	in.mu.Lock()
	in.Status = WorkflowFailed
	in.Errors = append(in.Errors, cause.Error())
	in.CompletedAt = time.Now().UTC()
	in.mu.Unlock()

	slog.Warn("[Orchestrator] Workflow failed, compensating",
		"workflow", in.ID, "type", in.Type, "error", cause)

	compensated := e.compensate(ctx, in, def)

	e.emit(ctx, schema.EventWorkflowFailed, map[string]interface{}{
		"workflow_id":   in.ID,
		"workflow_type": in.Type,
		"errors":        []string{cause.Error()},
	})
	if compensated {
		in.mu.Lock()
		in.Status = WorkflowCompensated
		in.mu.Unlock()
		e.emit(ctx, schema.EventWorkflowCompensated, map[string]interface{}{
			"workflow_id":   in.ID,
			"workflow_type": in.Type,
		})
	}
}

// compensate undoes completed steps in reverse declaration order. Returns
// true when at least one compensation ran.
func (e *Engine) compensate(ctx context.Context, in *Instance, def *Definition) bool {
	ran := false
	for i := len(def.Steps) - 1; i >= 0; i-- {
		step := def.Steps[i]
		if step.Compensate == nil {
			continue
		}

		in.mu.Lock()
		state := in.Steps[step.ID]
		completed := state.Status == StepCompleted
		in.mu.Unlock()
		if !completed {
			continue
		}

		runner, local := e.runnerFor(step.Compensate.Component)
		if !local {
			slog.Warn("[Orchestrator] No runner for compensation component",
				"workflow", in.ID, "step", step.ID, "component", step.Compensate.Component)
			continue
		}
		_, err := e.dispatcher.Call(ctx, resilience.Request{
			Target: step.Compensate.Component,
			Action: step.Compensate.Action,
			Params: map[string]interface{}{"workflow_id": in.ID, "step_id": step.ID},
		}, func(ctx context.Context, req resilience.Request) (interface{}, error) {
			return runner.Run(ctx, req.Action, req.Params)
		})
		if err != nil {
			slog.Warn("[Orchestrator] Compensation failed",
				"workflow", in.ID, "step", step.ID, "error", err)
			continue
		}

		in.mu.Lock()
		state.Status = StepCompensated
		in.mu.Unlock()
		ran = true
	}
	return ran
}

// escalate raises the human escalation path for a failed critical step.
func (e *Engine) escalate(ctx context.Context, in *Instance, step Step, cause error) {
	e.publish(ctx, schema.NewEnvelope(schema.SourceOrchestrator, schema.EventEmergencyDecision, map[string]interface{}{
		"decision_id":    uuid.New().String(),
		"urgency":        "immediate",
		"sla_minutes":    30,
		"approval_level": "executive",
		"reason":         fmt.Sprintf("workflow %s step %s failed: %v", in.Type, step.ID, cause),
		"workflow_id":    in.ID,
	}))
}

func (e *Engine) emit(ctx context.Context, t schema.EventType, data map[string]interface{}) {
	e.publish(ctx, schema.NewEnvelope(schema.SourceOrchestrator, t, data))
}

func (e *Engine) publish(ctx context.Context, env *schema.Envelope) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, env); err != nil {
		slog.Warn("[Orchestrator] Lifecycle publish failed", "event", env.String(), "error", err)
	}
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
