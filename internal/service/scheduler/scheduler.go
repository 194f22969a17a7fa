// Package scheduler owns run admission and dispatch: cron jobs for
// scheduled agents, trigger-fired runs, per-agent mutual exclusion,
// quota gates, and time-based thread wakes. It is the only component
// that creates Run records.
//
// Because hardloop's cron job does not support dynamic add/remove, the
// scheduler stops and recreates the internal cron runner whenever agent
// schedules change.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/logi"
	"github.com/worldline-go/hardloop"

	"github.com/cipher982/zerg/internal/bus"
	"github.com/cipher982/zerg/internal/config"
	"github.com/cipher982/zerg/internal/render"
	"github.com/cipher982/zerg/internal/service"
	"github.com/cipher982/zerg/internal/service/runner"
	"github.com/cipher982/zerg/internal/service/tool"
	"github.com/cipher982/zerg/internal/service/workflow"
)

// wakeScanPeriod bounds how stale a due time-wake can go unnoticed.
const wakeScanPeriod = 60 * time.Second

// RunRegistrar registers a run for tracking and cancellation. It
// returns a cancellable context derived from parent and a cleanup
// function that must be deferred.
type RunRegistrar func(parent context.Context, runID string) (context.Context, func())

// cronRunner is satisfied by hardloop's unexported cron job type,
// allowing us to store it without naming the unexported struct.
type cronRunner interface {
	Start(ctx context.Context) error
	Stop()
}

// Stores bundles the persistence interfaces the scheduler touches.
type Stores struct {
	Owners      service.OwnerStorer
	Agents      service.AgentStorer
	Threads     service.ThreadStorer
	Runs        service.RunStorer
	Triggers    service.TriggerStorer
	Workflows   service.WorkflowStorer
	Checkpoints service.CheckpointStorer
}

// Scheduler dispatches agent and workflow runs.
type Scheduler struct {
	stores   Stores
	runner   *runner.Runner
	engine   *workflow.Engine
	registry *tool.Registry
	resolvers runner.ResolverFactory
	events   *bus.Bus
	quota    *quotaGate
	locks    *runLock

	runRegistrar RunRegistrar

	mu     sync.Mutex
	cron   cronRunner
	cancel context.CancelFunc
	ctx    context.Context // parent context from Start()
}

// New wires the scheduler.
func New(stores Stores, r *runner.Runner, engine *workflow.Engine, registry *tool.Registry, resolvers runner.ResolverFactory, events *bus.Bus, quotaCfg config.Quota) *Scheduler {
	return &Scheduler{
		stores:    stores,
		runner:    r,
		engine:    engine,
		registry:  registry,
		resolvers: resolvers,
		events:    events,
		quota:     newQuotaGate(quotaCfg, stores.Runs),
		locks:     newRunLock(),
	}
}

// SetRunRegistrar sets the run tracking callback. Must be called
// before Start.
func (s *Scheduler) SetRunRegistrar(r RunRegistrar) {
	s.runRegistrar = r
}

// ValidateCron rejects malformed 5-field cron specs at agent
// create/update time.
func ValidateCron(spec string) error {
	if spec == "" {
		return nil
	}
	if !gronx.New().IsValid(spec) {
		return fmt.Errorf("invalid cron spec %q", spec)
	}

	return nil
}

// Start loads cron jobs, subscribes to trigger events, and launches the
// wake scan loop. Call once during process initialization.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.events.Subscribe("scheduler", func(ev bus.Event) {
		s.handleTriggerFired(ctx, ev)
	}, bus.EventTriggerFired)

	go s.wakeLoop(ctx)

	return s.Reload()
}

// Stop stops the cron runner. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

// Reload rebuilds the cron runner from the current agent schedules.
// Call after creating, updating, or deleting a scheduled agent.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	if s.ctx == nil {
		return nil
	}

	agents, err := s.stores.Agents.ListScheduledAgents(s.ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load scheduled agents: %w", err)
	}

	if len(agents) == 0 {
		logi.Ctx(s.ctx).Info("scheduler: no scheduled agents")
		return nil
	}

	crons := make([]hardloop.Cron, 0, len(agents))
	for _, a := range agents {
		agent := a
		crons = append(crons, hardloop.Cron{
			Name:  fmt.Sprintf("agent-%s", agent.ID),
			Specs: []string{"CRON_TZ=UTC " + agent.CronSchedule},
			Func: func(ctx context.Context) error {
				if _, err := s.StartAgentRun(ctx, agent.ID, service.SourceSchedule, nil); err != nil {
					logi.Ctx(ctx).Error("scheduler: cron run failed",
						"agent_id", agent.ID, "error", err)
				}
				return nil // never stop the cron loop
			},
		})
	}

	cronJob, err := hardloop.NewCron(crons...)
	if err != nil {
		return fmt.Errorf("scheduler: create cron runner: %w", err)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.cancel = cancel
	s.cron = cronJob

	if err := cronJob.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("scheduler: start cron runner: %w", err)
	}

	logi.Ctx(s.ctx).Info("scheduler: started cron jobs", "count", len(crons))

	return nil
}

// AgentBusy reports whether the agent currently holds its run lock.
func (s *Scheduler) AgentBusy(agentID string) bool {
	return s.locks.isHeld(agentID)
}

// ─── Agent runs ───

// StartAgentRun performs a non-interactive agent run (cron, webhook,
// email, manual "Run" button): fresh thread, system message, a user
// message rendered from the agent's task instructions, then one runner
// turn. The payload is exposed to the task-instruction template as
// {{ .payload }}.
func (s *Scheduler) StartAgentRun(ctx context.Context, agentID string, source service.TriggerSource, payload map[string]any) (*service.Run, error) {
	agent, err := s.stores.Agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %q not found", agentID)
	}

	owner, err := s.stores.Owners.GetOwner(ctx, agent.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("load owner: %w", err)
	}
	if owner == nil {
		return nil, fmt.Errorf("owner %q not found", agent.OwnerID)
	}

	kind := service.ThreadManual
	if source == service.SourceSchedule {
		kind = service.ThreadScheduled
	}

	instructions := agent.TaskInstructions
	if rendered, err := renderInstructions(agent.TaskInstructions, payload); err == nil {
		instructions = rendered
	} else {
		logi.Ctx(ctx).Warn("scheduler: task instruction template failed, using raw text",
			"agent_id", agent.ID, "error", err)
	}

	thread, err := s.stores.Threads.CreateThread(ctx, service.Thread{
		ID:      "thr_" + ulid.Make().String(),
		OwnerID: agent.OwnerID,
		AgentID: agent.ID,
		Title:   fmt.Sprintf("%s (%s)", agent.Name, source),
		Kind:    kind,
	})
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}

	seed := []service.StoredMessage{
		{
			ID:       "msg_" + ulid.Make().String(),
			ThreadID: thread.ID,
			Role:     service.RoleSystem,
			Content:  agent.SystemInstructions,
		},
		{
			ID:       "msg_" + ulid.Make().String(),
			ThreadID: thread.ID,
			Role:     service.RoleUserMsg,
			Content:  instructions,
		},
	}
	if _, err := s.stores.Threads.AppendMessages(ctx, thread.ID, seed); err != nil {
		return nil, fmt.Errorf("seed thread: %w", err)
	}

	return s.dispatch(ctx, agent, owner, thread.ID, source)
}

// StartThreadRun enqueues one chat turn on an existing thread.
func (s *Scheduler) StartThreadRun(ctx context.Context, threadID string, source service.TriggerSource) (*service.Run, error) {
	thread, err := s.stores.Threads.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	if thread == nil {
		return nil, fmt.Errorf("thread %q not found", threadID)
	}

	agent, err := s.stores.Agents.GetAgent(ctx, thread.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %q not found", thread.AgentID)
	}

	owner, err := s.stores.Owners.GetOwner(ctx, thread.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("load owner: %w", err)
	}
	if owner == nil {
		return nil, fmt.Errorf("owner %q not found", thread.OwnerID)
	}

	return s.dispatch(ctx, agent, owner, thread.ID, source)
}

// Resume wakes an interrupted thread: the wake condition is cleared
// before the turn so a crash cannot double-fire it, and the durable
// checkpoint (if any) has already restored mid-run state on load.
func (s *Scheduler) Resume(ctx context.Context, threadID string) (*service.Run, error) {
	thread, err := s.stores.Threads.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	if thread == nil {
		return nil, fmt.Errorf("thread %q not found", threadID)
	}

	if thread.WakeCondition != "" {
		thread.WakeCondition = ""
		if _, err := s.stores.Threads.UpdateThread(ctx, thread.ID, *thread); err != nil {
			return nil, fmt.Errorf("clear wake condition: %w", err)
		}
	}

	if state, err := s.stores.Checkpoints.LoadCheckpoint(ctx, thread.ID); err == nil && len(state) > 0 {
		logi.Ctx(ctx).Info("scheduler: resuming from checkpoint",
			"thread_id", thread.ID, "checkpoint_bytes", len(state))
	}

	return s.StartThreadRun(ctx, threadID, service.SourceAPI)
}

// dispatch acquires the run lock, applies quota gates, creates the Run
// record, and executes the turn. The lock is released and the agent
// status reset on terminal transition.
func (s *Scheduler) dispatch(ctx context.Context, agent *service.Agent, owner *service.Owner, threadID string, source service.TriggerSource) (*service.Run, error) {
	if err := s.locks.acquire(agent.ID); err != nil {
		return nil, err
	}
	defer func() {
		s.locks.release(agent.ID)
		if err := s.stores.Agents.UpdateAgentStatus(ctx, agent.ID, service.AgentIdle); err != nil {
			logi.Ctx(ctx).Error("scheduler: reset agent status", "agent_id", agent.ID, "error", err)
		}
	}()

	if err := s.quota.check(ctx, owner); err != nil {
		return nil, err
	}

	if err := s.stores.Agents.UpdateAgentStatus(ctx, agent.ID, service.AgentRunning); err != nil {
		return nil, fmt.Errorf("mark agent running: %w", err)
	}

	run, err := s.stores.Runs.CreateRun(ctx, service.Run{
		ID:            "run_" + ulid.Make().String(),
		OwnerID:       owner.ID,
		AgentID:       agent.ID,
		ThreadID:      threadID,
		Status:        service.RunQueued,
		TriggerSource: source,
		StartedAt:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	runCtx := ctx
	if s.runRegistrar != nil {
		var cleanup func()
		runCtx, cleanup = s.runRegistrar(ctx, run.ID)
		defer cleanup()
	}

	if _, err := s.runner.ExecuteTurn(runCtx, run); err != nil {
		return run, err
	}

	s.saveCheckpoint(ctx, threadID, run.ID)

	return run, nil
}

// saveCheckpoint persists a minimal durable marker after each completed
// turn; the serialized form is opaque to everything but the scheduler.
func (s *Scheduler) saveCheckpoint(ctx context.Context, threadID, runID string) {
	state, _ := json.Marshal(map[string]string{
		"last_run_id": runID,
		"saved_at":    time.Now().UTC().Format(time.RFC3339),
	})
	if err := s.stores.Checkpoints.SaveCheckpoint(ctx, threadID, state); err != nil {
		logi.Ctx(ctx).Error("scheduler: save checkpoint", "thread_id", threadID, "error", err)
	}
}

// ─── Workflow runs ───

// StartWorkflowRun creates and executes a workflow run.
func (s *Scheduler) StartWorkflowRun(ctx context.Context, workflowID string, source service.TriggerSource, payload map[string]any) (*service.Run, error) {
	wf, err := s.stores.Workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	if wf == nil {
		return nil, fmt.Errorf("workflow %q not found", workflowID)
	}

	owner, err := s.stores.Owners.GetOwner(ctx, wf.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("load owner: %w", err)
	}
	if owner == nil {
		return nil, fmt.Errorf("owner %q not found", wf.OwnerID)
	}

	if err := s.quota.check(ctx, owner); err != nil {
		return nil, err
	}

	run, err := s.stores.Runs.CreateRun(ctx, service.Run{
		ID:            "run_" + ulid.Make().String(),
		OwnerID:       owner.ID,
		WorkflowID:    wf.ID,
		Status:        service.RunQueued,
		TriggerSource: source,
		StartedAt:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	deps := workflow.Deps{
		Registry: s.registry,
		RunAgent: s.runAgentNode,
		Invocation: tool.Invocation{
			OwnerID:     owner.ID,
			Credentials: s.resolvers("", owner.ID),
		},
	}

	runCtx := ctx
	if s.runRegistrar != nil {
		var cleanup func()
		runCtx, cleanup = s.runRegistrar(ctx, run.ID)
		defer cleanup()
	}

	if _, err := s.engine.Execute(runCtx, run, wf, payload, deps); err != nil {
		return run, err
	}

	return run, nil
}

// runAgentNode is the capability handed to the workflow engine for
// agent-type nodes: a fresh manual thread seeded with the resolved
// message, executed under the same locking and quota rules as any other
// run.
func (s *Scheduler) runAgentNode(ctx context.Context, ownerID, agentID, message, title string) ([]service.StoredMessage, error) {
	agent, err := s.stores.Agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %q not found", agentID)
	}

	owner, err := s.stores.Owners.GetOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load owner: %w", err)
	}
	if owner == nil {
		return nil, fmt.Errorf("owner %q not found", ownerID)
	}

	thread, err := s.stores.Threads.CreateThread(ctx, service.Thread{
		ID:      "thr_" + ulid.Make().String(),
		OwnerID: ownerID,
		AgentID: agentID,
		Title:   title,
		Kind:    service.ThreadManual,
	})
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}

	seed := []service.StoredMessage{
		{
			ID:       "msg_" + ulid.Make().String(),
			ThreadID: thread.ID,
			Role:     service.RoleSystem,
			Content:  agent.SystemInstructions,
		},
		{
			ID:       "msg_" + ulid.Make().String(),
			ThreadID: thread.ID,
			Role:     service.RoleUserMsg,
			Content:  message,
		},
	}
	if _, err := s.stores.Threads.AppendMessages(ctx, thread.ID, seed); err != nil {
		return nil, fmt.Errorf("seed thread: %w", err)
	}

	run, err := s.dispatch(ctx, agent, owner, thread.ID, service.SourceAPI)
	if err != nil {
		return nil, err
	}

	msgs, err := s.stores.Threads.ListMessages(ctx, thread.ID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("load turn messages: %w", err)
	}

	var out []service.StoredMessage
	for _, m := range msgs {
		if m.Role == service.RoleAssistant {
			out = append(out, m)
		}
	}

	logi.Ctx(ctx).Debug("agent node run finished", "run_id", run.ID, "messages", len(out))

	return out, nil
}

// ─── Trigger events ───

// TriggerFired is the bus payload published by trigger ingress and
// consumed by the scheduler.
type TriggerFired struct {
	TriggerID string         `json:"trigger_id"`
	Payload   map[string]any `json:"payload"`
	Source    service.TriggerSource `json:"source"`
}

func (s *Scheduler) handleTriggerFired(ctx context.Context, ev bus.Event) {
	fired, ok := ev.Payload.(TriggerFired)
	if !ok {
		logi.Ctx(ctx).Warn("scheduler: malformed trigger_fired payload")
		return
	}

	trigger, err := s.stores.Triggers.GetTrigger(ctx, fired.TriggerID)
	if err != nil || trigger == nil {
		logi.Ctx(ctx).Error("scheduler: trigger lookup failed",
			"trigger_id", fired.TriggerID, "error", err)
		return
	}

	source := fired.Source
	if source == "" {
		source = service.SourceWebhook
	}

	if _, err := s.StartAgentRun(ctx, trigger.AgentID, source, fired.Payload); err != nil {
		logi.Ctx(ctx).Error("scheduler: trigger-fired run failed",
			"trigger_id", trigger.ID, "agent_id", trigger.AgentID, "error", err)
	}
}

// ─── Wake scan ───

// wakeLoop periodically resumes threads whose time-based wake condition
// is due.
func (s *Scheduler) wakeLoop(ctx context.Context) {
	ticker := time.NewTicker(wakeScanPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC().Format(time.RFC3339)
			threads, err := s.stores.Threads.ListDueWakes(ctx, now)
			if err != nil {
				logi.Ctx(ctx).Error("scheduler: wake scan failed", "error", err)
				continue
			}

			for _, t := range threads {
				if _, err := s.Resume(ctx, t.ID); err != nil {
					logi.Ctx(ctx).Error("scheduler: wake resume failed",
						"thread_id", t.ID, "error", err)
				}
			}
		}
	}
}

// renderInstructions runs task instructions through the template engine
// with the trigger payload as data.
func renderInstructions(instructions string, payload map[string]any) (string, error) {
	data := map[string]any{"payload": payload}

	out, err := render.ExecuteWithData(instructions, data)
	if err != nil {
		return "", err
	}

	return string(out), nil
}
