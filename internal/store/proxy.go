package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// ErrUnknownMethod is returned by Call for a method outside the whitelist.
var ErrUnknownMethod = fmt.Errorf("unknown store method")

// storeMethod executes one whitelisted store operation. args is the raw JSON
// positional argument array from the RPC layer.
type storeMethod func(ctx context.Context, s *Store, args []json.RawMessage) (interface{}, error)

// writePrefixes marks method names whose success must be broadcast as a
// database change.
var writePrefixes = []string{"save", "delete", "add", "mark", "log", "clear", "update", "set"}

// IsWriteMethod reports whether a successful call to name mutates the store.
func IsWriteMethod(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range writePrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func arg[T any](args []json.RawMessage, i int) (T, error) {
	var v T
	if i >= len(args) {
		return v, fmt.Errorf("missing argument %d", i)
	}
	if err := json.Unmarshal(args[i], &v); err != nil {
		return v, fmt.Errorf("argument %d: %w", i, err)
	}
	return v, nil
}

func optionalArg[T any](args []json.RawMessage, i int) (T, error) {
	var v T
	if i >= len(args) {
		return v, nil
	}
	if err := json.Unmarshal(args[i], &v); err != nil {
		return v, fmt.Errorf("argument %d: %w", i, err)
	}
	return v, nil
}

var methods = map[string]storeMethod{
	"getTask": func(ctx context.Context, s *Store, args []json.RawMessage) (interface{}, error) {
		id, err := arg[string](args, 0)
		if err != nil {
			return nil, err
		}
		return s.GetTask(ctx, id)
	},
	"listTasks": func(ctx context.Context, s *Store, _ []json.RawMessage) (interface{}, error) {
		return s.ListTasks(ctx)
	},
	"getTasksByLane": func(ctx context.Context, s *Store, args []json.RawMessage) (interface{}, error) {
		laneID, err := arg[string](args, 0)
		if err != nil {
			return nil, err
		}
		return s.GetTasksByLane(ctx, laneID)
	},
	"getTasksByColumn": func(ctx context.Context, s *Store, args []json.RawMessage) (interface{}, error) {
		column, err := arg[string](args, 0)
		if err != nil {
			return nil, err
		}
		if !v1.ValidColumn(column) {
			return nil, fmt.Errorf("invalid column %q", column)
		}
		return s.GetTasksByColumn(ctx, v1.KanbanColumn(column))
	},
	"getDependents": func(ctx context.Context, s *Store, args []json.RawMessage) (interface{}, error) {
		id, err := arg[string](args, 0)
		if err != nil {
			return nil, err
		}
		return s.GetDependents(ctx, id)
	},
	"saveTask": func(ctx context.Context, s *Store, args []json.RawMessage) (interface{}, error) {
		task, err := arg[*v1.Task](args, 0)
		if err != nil {
			return nil, err
		}
		if err := s.SaveTask(ctx, task); err != nil {
			return nil, err
		}
		return task, nil
	},
	"deleteTask": func(ctx context.Context, s *Store, args []json.RawMessage) (interface{}, error) {
		id, err := arg[string](args, 0)
		if err != nil {
			return nil, err
		}
		return nil, s.DeleteTask(ctx, id)
	},
	"addTaskComment": func(ctx context.Context, s *Store, args []json.RawMessage) (interface{}, error) {
		comment, err := arg[*v1.Comment](args, 0)
		if err != nil {
			return nil, err
		}
		if err := s.AddTaskComment(ctx, comment); err != nil {
			return nil, err
		}
		return comment, nil
	},
	"getLane": func(ctx context.Context, s *Store, args []json.RawMessage) (interface{}, error) {
		id, err := arg[string](args, 0)
		if err != nil {
			return nil, err
		}
		return s.GetLane(ctx, id)
	},
	"listLanes": func(ctx context.Context, s *Store, _ []json.RawMessage) (interface{}, error) {
		return s.ListLanes(ctx)
	},
	"saveLane": func(ctx context.Context, s *Store, args []json.RawMessage) (interface{}, error) {
		lane, err := arg[*v1.Lane](args, 0)
		if err != nil {
			return nil, err
		}
		if err := s.SaveLane(ctx, lane); err != nil {
			return nil, err
		}
		return lane, nil
	},
	"deleteLane": func(ctx context.Context, s *Store, args []json.RawMessage) (interface{}, error) {
		id, err := arg[string](args, 0)
		if err != nil {
			return nil, err
		}
		return nil, s.DeleteLane(ctx, id)
	},
	"getAgent": func(ctx context.Context, s *Store, args []json.RawMessage) (interface{}, error) {
		id, err := arg[string](args, 0)
		if err != nil {
			return nil, err
		}
		return s.GetAgent(ctx, id)
	},
	"listAgents": func(ctx context.Context, s *Store, _ []json.RawMessage) (interface{}, error) {
		return s.ListAgents(ctx)
	},
	"saveAgent": func(ctx context.Context, s *Store, args []json.RawMessage) (interface{}, error) {
		agent, err := arg[*v1.Agent](args, 0)
		if err != nil {
			return nil, err
		}
		if err := s.SaveAgent(ctx, agent); err != nil {
			return nil, err
		}
		return agent, nil
	},
	"deleteAgent": func(ctx context.Context, s *Store, args []json.RawMessage) (interface{}, error) {
		id, err := arg[string](args, 0)
		if err != nil {
			return nil, err
		}
		return nil, s.DeleteAgent(ctx, id)
	},
	"listTeams": func(ctx context.Context, s *Store, _ []json.RawMessage) (interface{}, error) {
		return s.ListTeams(ctx)
	},
	"listPipelines": func(ctx context.Context, s *Store, _ []json.RawMessage) (interface{}, error) {
		return s.ListPipelines(ctx)
	},
	"listPipelineRuns": func(ctx context.Context, s *Store, _ []json.RawMessage) (interface{}, error) {
		return s.ListPipelineRuns(ctx)
	},
	"listRoles": func(ctx context.Context, s *Store, _ []json.RawMessage) (interface{}, error) {
		return s.ListRoles(ctx)
	},
	"saveRole": func(ctx context.Context, s *Store, args []json.RawMessage) (interface{}, error) {
		role, err := arg[*v1.Role](args, 0)
		if err != nil {
			return nil, err
		}
		if err := s.SaveRole(ctx, role); err != nil {
			return nil, err
		}
		return role, nil
	},
	"deleteRole": func(ctx context.Context, s *Store, args []json.RawMessage) (interface{}, error) {
		id, err := arg[string](args, 0)
		if err != nil {
			return nil, err
		}
		return nil, s.DeleteRole(ctx, id)
	},
	"listBackends": func(ctx context.Context, s *Store, _ []json.RawMessage) (interface{}, error) {
		return s.ListBackends(ctx)
	},
	"listSyncErrors": func(ctx context.Context, s *Store, args []json.RawMessage) (interface{}, error) {
		backendID, err := optionalArg[string](args, 0)
		if err != nil {
			return nil, err
		}
		return s.ListSyncErrors(ctx, backendID)
	},
	"clearSyncErrors": func(ctx context.Context, s *Store, args []json.RawMessage) (interface{}, error) {
		backendID, err := optionalArg[string](args, 0)
		if err != nil {
			return nil, err
		}
		return nil, s.ClearSyncErrors(ctx, backendID)
	},
}

// Call dispatches a whitelisted store method by name with JSON positional
// arguments. Methods outside the whitelist fail with ErrUnknownMethod.
func (s *Store) Call(ctx context.Context, name string, args []json.RawMessage) (interface{}, error) {
	m, ok := methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, name)
	}
	return m(ctx, s, args)
}

// Methods returns the sorted whitelist for introspection.
func Methods() []string {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	return names
}
