// Package monitor contains the periodic loops that watch running task
// windows: auto-monitor (completion detection), auto-pilot (prompt
// approval), auto-close (idle window reaping), session-sync (binding
// reconciliation), and the one-shot startup reconciler.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/store"
	"github.com/agentmux/agentmux/internal/tmux"
)

// TaskStarter launches a task; satisfied by the launcher.
type TaskStarter interface {
	StartTask(ctx context.Context, taskID string) error
}

// Options tunes the monitor loops.
type Options struct {
	Tick           time.Duration // interval between loop passes
	AutoCloseDelay time.Duration // grace period after doneAt before reaping
}

// DefaultAutoCloseDelay is how long a done task's window stays alive.
const DefaultAutoCloseDelay = 10 * time.Minute

// Service owns the monitor loops.
type Service struct {
	store   *store.Store
	pool    *tmux.Pool
	bus     bus.EventBus
	starter TaskStarter
	logger  *logger.Logger
	opts    Options

	// Per-entity guards so a task is handled by at most one loop instance
	// at a time.
	monitorGuard guard
	pilotGuard   guard
	closeGuard   guard
	syncGuard    guard

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the monitor service.
func New(st *store.Store, pool *tmux.Pool, eventBus bus.EventBus, starter TaskStarter, log *logger.Logger, opts Options) *Service {
	if opts.Tick <= 0 {
		opts.Tick = 15 * time.Second
	}
	if opts.AutoCloseDelay <= 0 {
		opts.AutoCloseDelay = DefaultAutoCloseDelay
	}
	return &Service{
		store:   st,
		pool:    pool,
		bus:     eventBus,
		starter: starter,
		logger:  log.WithFields(zap.String("component", "monitor")),
		opts:    opts,
	}
}

// Start launches the periodic loops. Each loop ticks independently; errors
// on one entity never abort the pass.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	loops := []struct {
		name string
		fn   func(context.Context)
	}{
		{"auto-monitor", s.autoMonitorTick},
		{"auto-pilot", s.autoPilotTick},
		{"auto-close", s.autoCloseTick},
		{"session-sync", s.sessionSyncTick},
	}
	for _, loop := range loops {
		s.wg.Add(1)
		go s.runLoop(ctx, loop.name, loop.fn)
	}
}

// Stop halts all loops and waits for in-flight passes.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) runLoop(ctx context.Context, name string, tick func(context.Context)) {
	defer s.wg.Done()
	s.logger.Debug("monitor loop started",
		zap.String("loop", name), zap.Duration("tick", s.opts.Tick))
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (s *Service) publish(eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(eventType, bus.NewEvent(eventType, "monitor", data)); err != nil {
		s.logger.Warn("publishing event", zap.String("type", eventType), zap.Error(err))
	}
}

// guard is a set of entity ids currently being processed.
type guard struct {
	mu   sync.Mutex
	busy map[string]bool
}

// tryAcquire claims an id, reporting false when already claimed.
func (g *guard) tryAcquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy == nil {
		g.busy = make(map[string]bool)
	}
	if g.busy[id] {
		return false
	}
	g.busy[id] = true
	return true
}

func (g *guard) release(id string) {
	g.mu.Lock()
	delete(g.busy, id)
	g.mu.Unlock()
}
