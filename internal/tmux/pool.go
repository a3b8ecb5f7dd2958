package tmux

import (
	"fmt"
	"sync"

	v1 "github.com/agentmux/agentmux/pkg/api/v1"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events/bus"
)

// ErrRuntimeNotFound is returned for an unknown runtime id.
var ErrRuntimeNotFound = fmt.Errorf("runtime not found")

// Pool holds one driver per configured runtime, keyed by runtime id. A
// "local" runtime always exists even when no runtimes are configured.
type Pool struct {
	mu      sync.RWMutex
	drivers map[string]*Driver

	logger *logger.Logger
	bus    bus.EventBus
}

// NewPool builds drivers for every tmux-capable runtime in the config.
func NewPool(cfg *config.Config, log *logger.Logger, eventBus bus.EventBus) *Pool {
	p := &Pool{
		drivers: make(map[string]*Driver),
		logger:  log,
		bus:     eventBus,
	}
	for _, rc := range cfg.Runtimes {
		p.Register(rc)
	}
	if _, ok := p.drivers["local"]; !ok {
		p.drivers["local"] = NewDriver("local", NewLocalRunner(), log, eventBus)
	}
	return p
}

// Register adds (or replaces) the driver for a runtime entry. Docker and k8s
// runtimes get a local runner; their sessions are reached through kubectl or
// docker exec wrappers configured on the host.
func (p *Pool) Register(rc config.RuntimeConfig) {
	var runner Runner
	if rc.Type == string(v1.RuntimeSSH) {
		runner = NewSSHRunner(rc)
	} else {
		runner = NewLocalRunner()
	}
	p.mu.Lock()
	p.drivers[rc.ID] = NewDriver(rc.ID, runner, p.logger, p.bus)
	p.mu.Unlock()
}

// NewStaticPool builds a pool from pre-constructed drivers, keyed by their
// server ids.
func NewStaticPool(drivers ...*Driver) *Pool {
	p := &Pool{drivers: make(map[string]*Driver)}
	for _, d := range drivers {
		p.drivers[d.ServerID] = d
	}
	return p
}

// Remove drops the driver for a runtime id.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	delete(p.drivers, id)
	p.mu.Unlock()
}

// Get returns the driver for a runtime id. An empty id resolves to "local".
func (p *Pool) Get(id string) (*Driver, error) {
	if id == "" {
		id = "local"
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.drivers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuntimeNotFound, id)
	}
	return d, nil
}

// IDs returns the registered runtime ids.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.drivers))
	for id := range p.drivers {
		ids = append(ids, id)
	}
	return ids
}
