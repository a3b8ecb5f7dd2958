// Package orchestrator keeps the in-memory view of live agents and the
// priority-ordered task queue. The store stays authoritative; the
// orchestrator mirrors state changes into it.
package orchestrator

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

var (
	ErrTaskQueued    = fmt.Errorf("task already queued")
	ErrTaskNotQueued = fmt.Errorf("task not queued")
	ErrAgentUnknown  = fmt.Errorf("agent not registered")
)

// Orchestrator indexes live agents and queues pending tasks.
type Orchestrator struct {
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger

	mu     sync.Mutex
	agents map[string]*v1.Agent
	queue  taskQueue
	queued map[string]bool
	seq    uint64
}

// New creates an empty orchestrator.
func New(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:  st,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "orchestrator")),
		agents: make(map[string]*v1.Agent),
		queued: make(map[string]bool),
	}
}

// RegisterAgent adds (or refreshes) an agent in the live index.
func (o *Orchestrator) RegisterAgent(agent *v1.Agent) {
	o.mu.Lock()
	o.agents[agent.ID] = agent
	o.mu.Unlock()
	o.logger.Debug("agent registered", zap.String("agent_id", agent.ID))
}

// RemoveAgent drops an agent from the index and marks it terminated in the
// store.
func (o *Orchestrator) RemoveAgent(ctx context.Context, id string) error {
	o.mu.Lock()
	delete(o.agents, id)
	o.mu.Unlock()

	agent, err := o.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	agent.State = v1.AgentStateTerminated
	return o.store.SaveAgent(ctx, agent)
}

// SubmitTask inserts a task into the priority queue. Lower priority integers
// schedule earlier; equal priorities keep submission order.
func (o *Orchestrator) SubmitTask(task *v1.Task) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.queued[task.ID] {
		return fmt.Errorf("%w: %s", ErrTaskQueued, task.ID)
	}
	o.seq++
	heap.Push(&o.queue, &queueItem{taskID: task.ID, priority: task.Priority, seq: o.seq})
	o.queued[task.ID] = true
	return nil
}

// NextTask pops the highest-priority queued task id, or "" when empty.
func (o *Orchestrator) NextTask() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.queue.Len() == 0 {
		return ""
	}
	item := heap.Pop(&o.queue).(*queueItem)
	delete(o.queued, item.taskID)
	return item.taskID
}

// QueueLen returns the number of queued tasks.
func (o *Orchestrator) QueueLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.Len()
}

// CancelTask removes a task from the queue and marks it cancelled in the
// store.
func (o *Orchestrator) CancelTask(ctx context.Context, id string) error {
	o.mu.Lock()
	removed := o.queue.remove(id)
	delete(o.queued, id)
	o.mu.Unlock()
	if !removed {
		return fmt.Errorf("%w: %s", ErrTaskNotQueued, id)
	}

	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	task.Status = v1.TaskStatusCancelled
	if err := o.store.SaveTask(ctx, task); err != nil {
		return err
	}
	o.publish(events.TaskUpdated, map[string]interface{}{"task_id": id, "status": string(task.Status)})
	return nil
}

// UpdateAgentState transitions an agent. A transition to idle completes the
// agent's current task, if any.
func (o *Orchestrator) UpdateAgentState(ctx context.Context, id string, state v1.AgentState, errorMessage string) error {
	o.mu.Lock()
	agent, ok := o.agents[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentUnknown, id)
	}

	now := time.Now()
	agent.State = state
	agent.ErrorMessage = errorMessage
	agent.LastActivityAt = &now

	if state == v1.AgentStateIdle && agent.CurrentTaskID != "" {
		taskID := agent.CurrentTaskID
		agent.CurrentTaskID = ""
		if err := o.completeTask(ctx, taskID); err != nil {
			o.logger.Warn("completing task on idle transition",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}

	return o.store.SaveAgent(ctx, agent)
}

func (o *Orchestrator) completeTask(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now()
	task.Status = v1.TaskStatusCompleted
	task.CompletedAt = &now
	if err := o.store.SaveTask(ctx, task); err != nil {
		return err
	}
	o.publish(events.TaskCompleted, map[string]interface{}{"task_id": taskID})
	return nil
}

// GetAgent returns the live agent with the given id, or nil.
func (o *Orchestrator) GetAgent(id string) *v1.Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.agents[id]
}

// GetIdleAgents returns idle agents, optionally filtered by role.
func (o *Orchestrator) GetIdleAgents(role string) []*v1.Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var idle []*v1.Agent
	for _, a := range o.agents {
		if a.State != v1.AgentStateIdle {
			continue
		}
		if role != "" && a.Role != role {
			continue
		}
		idle = append(idle, a)
	}
	return idle
}

// GetAgentsByRole returns live agents with the given role.
func (o *Orchestrator) GetAgentsByRole(role string) []*v1.Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var agents []*v1.Agent
	for _, a := range o.agents {
		if a.Role == role {
			agents = append(agents, a)
		}
	}
	return agents
}

// GetAgentsByTeam returns live agents belonging to a team.
func (o *Orchestrator) GetAgentsByTeam(teamID string) []*v1.Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var agents []*v1.Agent
	for _, a := range o.agents {
		if a.TeamID == teamID {
			agents = append(agents, a)
		}
	}
	return agents
}

// ListAgents returns every live agent.
func (o *Orchestrator) ListAgents() []*v1.Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	agents := make([]*v1.Agent, 0, len(o.agents))
	for _, a := range o.agents {
		agents = append(agents, a)
	}
	return agents
}

func (o *Orchestrator) publish(eventType string, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(eventType, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		o.logger.Warn("publishing event", zap.String("type", eventType), zap.Error(err))
	}
}
