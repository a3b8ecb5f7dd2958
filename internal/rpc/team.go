package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/internal/events"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// Preset role sets for the one-call team constructors.
var (
	quickCodeRoles     = []string{"architect", "implementer", "reviewer"}
	quickResearchRoles = []string{"researcher", "analyst", "writer"}
)

func (r *Router) registerTeamMethods() {
	r.register("team.list", r.teamList)
	r.register("team.create", r.teamCreate)
	r.register("team.delete", r.teamDelete)
	r.register("team.addAgent", r.teamAddAgent)
	r.register("team.removeAgent", r.teamRemoveAgent)
	r.register("team.quickCode", r.teamQuickCode)
	r.register("team.quickResearch", r.teamQuickResearch)
}

func (r *Router) teamList(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return r.store.ListTeams(ctx)
}

func (r *Router) teamCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	team := &v1.Team{ID: uuid.NewString(), Name: p.Name, CreatedAt: time.Now()}
	if err := r.store.SaveTeam(ctx, team); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "team", "id": team.ID})
	return team, nil
}

func (r *Router) teamDelete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := r.store.DeleteTeam(ctx, p.ID); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "team", "id": p.ID})
	return map[string]interface{}{"deleted": true}, nil
}

func (r *Router) teamAddAgent(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		TeamID  string `json:"teamId"`
		AgentID string `json:"agentId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	team, err := r.store.GetTeam(ctx, p.TeamID)
	if err != nil {
		return nil, err
	}
	agent, err := r.store.GetAgent(ctx, p.AgentID)
	if err != nil {
		return nil, err
	}
	for _, id := range team.AgentIDs {
		if id == p.AgentID {
			return team, nil
		}
	}
	team.AgentIDs = append(team.AgentIDs, p.AgentID)
	if err := r.store.SaveTeam(ctx, team); err != nil {
		return nil, err
	}
	agent.TeamID = p.TeamID
	if err := r.store.SaveAgent(ctx, agent); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "team", "id": p.TeamID})
	return team, nil
}

func (r *Router) teamRemoveAgent(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		TeamID  string `json:"teamId"`
		AgentID string `json:"agentId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	team, err := r.store.GetTeam(ctx, p.TeamID)
	if err != nil {
		return nil, err
	}
	kept := team.AgentIDs[:0]
	for _, id := range team.AgentIDs {
		if id != p.AgentID {
			kept = append(kept, id)
		}
	}
	team.AgentIDs = kept
	if err := r.store.SaveTeam(ctx, team); err != nil {
		return nil, err
	}
	if agent, err := r.store.GetAgent(ctx, p.AgentID); err == nil && agent.TeamID == p.TeamID {
		agent.TeamID = ""
		_ = r.store.SaveAgent(ctx, agent)
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "team", "id": p.TeamID})
	return team, nil
}

func (r *Router) teamQuickCode(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return r.quickTeam(ctx, params, "code", quickCodeRoles)
}

func (r *Router) teamQuickResearch(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return r.quickTeam(ctx, params, "research", quickResearchRoles)
}

// quickTeam creates a team plus a matching staged pipeline in one call:
// each preset role becomes a pipeline stage depending on its predecessor.
func (r *Router) quickTeam(ctx context.Context, params json.RawMessage, kind string, roles []string) (interface{}, error) {
	var p struct {
		Name   string `json:"name,omitempty"`
		LaneID string `json:"laneId,omitempty"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	name := p.Name
	if name == "" {
		name = fmt.Sprintf("quick-%s-%s", kind, time.Now().Format("20060102-150405"))
	}
	team := &v1.Team{ID: uuid.NewString(), Name: name, CreatedAt: time.Now()}
	if err := r.store.SaveTeam(ctx, team); err != nil {
		return nil, err
	}

	pipeline := &v1.Pipeline{
		ID:        uuid.NewString(),
		Name:      name,
		LaneID:    p.LaneID,
		CreatedAt: time.Now(),
	}
	var prev string
	for _, role := range roles {
		stage := &v1.PipelineStage{
			ID:         uuid.NewString(),
			Name:       role,
			TargetRole: role,
		}
		if prev != "" {
			stage.DependsOn = []string{prev}
		}
		prev = stage.ID
		pipeline.Stages = append(pipeline.Stages, stage)
	}
	if err := r.store.SavePipeline(ctx, pipeline); err != nil {
		return nil, err
	}
	r.publish(events.DBChanged, map[string]interface{}{"entity": "team", "id": team.ID})
	return map[string]interface{}{"team": team, "pipeline": pipeline}, nil
}
