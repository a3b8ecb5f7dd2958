package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/provider"
	"github.com/agentmux/agentmux/internal/tmux"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// safeSessionName guards the attach command against shell injection; the
// driver-level escaping is the first line of defense, this is the second.
var safeSessionName = regexp.MustCompile(`^[A-Za-z0-9_\-:.]+$`)

func (r *Router) registerAgentMethods() {
	r.register("agent.list", r.agentList)
	r.register("agent.get", r.agentGet)
	r.register("agent.kill", r.agentKill)
	r.register("agent.getOutput", r.agentGetOutput)
	r.register("agent.getStatus", r.agentGetStatus)
	r.register("agent.getAttachCommand", r.agentGetAttachCommand)
	r.registerUnimplemented("agent.spawn", "agent.sendPrompt")
}

func (r *Router) agentList(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return r.store.ListAgents(ctx)
}

func (r *Router) agentGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return r.store.GetAgent(ctx, p.ID)
}

func (r *Router) agentKill(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	agent, err := r.store.GetAgent(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if agent.SessionName != "" {
		driver, err := r.pool.Get(agent.ServerID)
		if err != nil {
			return nil, err
		}
		if err := r.killAgentWindow(ctx, driver, agent); err != nil {
			r.logger.Warn("killing agent window",
				zap.String("agent_id", p.ID), zap.Error(err))
		}
	}
	if err := r.orch.RemoveAgent(ctx, p.ID); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "agent", "id": p.ID})
	return map[string]interface{}{"killed": true}, nil
}

func (r *Router) killAgentWindow(ctx context.Context, driver *tmux.Driver, agent *v1.Agent) error {
	return driver.KillWindow(ctx, agent.SessionName, agent.WindowIndex)
}

func (r *Router) agentGetOutput(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID    string `json:"id"`
		Lines int    `json:"lines,omitempty"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Lines <= 0 {
		p.Lines = 100
	}
	agent, err := r.store.GetAgent(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	driver, err := r.pool.Get(agent.ServerID)
	if err != nil {
		return nil, err
	}
	target := tmux.Target(agent.SessionName, agent.WindowIndex, agent.PaneIndex)
	return driver.CapturePaneContent(ctx, target, p.Lines)
}

func (r *Router) agentGetStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	agent, err := r.store.GetAgent(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	driver, err := r.pool.Get(agent.ServerID)
	if err != nil {
		return nil, err
	}

	// The pane-reported state is authoritative when the CLI publishes it;
	// the capture heuristic is the fallback.
	if status, ok := r.paneReportedStatus(ctx, driver, agent); ok {
		return map[string]interface{}{"status": string(status), "source": "pane-option"}, nil
	}
	target := tmux.Target(agent.SessionName, agent.WindowIndex, agent.PaneIndex)
	capture, err := driver.CapturePaneContent(ctx, target, 30)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status": string(provider.DetectStatus(capture)),
		"source": "capture",
	}, nil
}

func (r *Router) paneReportedStatus(ctx context.Context, driver *tmux.Driver, agent *v1.Agent) (v1.AgentStatus, bool) {
	tree, err := driver.GetTree(ctx, false)
	if err != nil {
		return "", false
	}
	session := tree.FindSession(agent.SessionName)
	if session == nil {
		return "", false
	}
	window := session.FindWindow(agent.WindowIndex)
	if window == nil {
		return "", false
	}
	for _, pane := range window.Panes {
		if pane.Index != agent.PaneIndex || pane.PaneID == "" {
			continue
		}
		opts, err := driver.GetMultiplePaneOptions(ctx, []string{pane.PaneID})
		if err != nil {
			return "", false
		}
		if state, ok := opts[pane.PaneID]["cc_state"]; ok {
			return provider.StatusFromState(state)
		}
	}
	return "", false
}

func (r *Router) agentGetAttachCommand(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	agent, err := r.store.GetAgent(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if !safeSessionName.MatchString(agent.SessionName) {
		return nil, fmt.Errorf("unsafe session name: %q", agent.SessionName)
	}

	attach := fmt.Sprintf("tmux attach-session -t '%s'", agent.SessionName)
	if rc := r.cfg.Runtime(agent.ServerID); rc != nil && rc.Type == string(v1.RuntimeSSH) {
		host := rc.Host
		if rc.User != "" {
			host = rc.User + "@" + rc.Host
		}
		ssh := "ssh -t"
		if rc.Port != 0 {
			ssh = fmt.Sprintf("%s -p %d", ssh, rc.Port)
		}
		attach = fmt.Sprintf("%s %s %q", ssh, host, attach)
	}
	return map[string]interface{}{"command": attach}, nil
}
