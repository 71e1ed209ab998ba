// Package mcptool exposes sonda over the Model Context Protocol so
// agent frontends can start runs and manage macros through one stdio
// server.
package mcptool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/metalagman/sonda/internal/db"
	"github.com/metalagman/sonda/internal/macro"
	"github.com/metalagman/sonda/internal/plan"
	"github.com/metalagman/sonda/internal/run"
)

// TaskRunner starts one task end to end.
type TaskRunner interface {
	Run(ctx context.Context, task run.Task) (run.Result, error)
}

// Service wires the MCP tools to the runner and stores.
type Service struct {
	runner TaskRunner
	store  *db.Store
	macros *macro.Store
	vd     *plan.Validator
	log    zerolog.Logger
}

// NewService builds the MCP tool service.
func NewService(runner TaskRunner, store *db.Store, macros *macro.Store, vd *plan.Validator, log zerolog.Logger) *Service {
	return &Service{runner: runner, store: store, macros: macros, vd: vd, log: log}
}

// Serve runs the MCP server over stdio until ctx is done.
func (s *Service) Serve(ctx context.Context) error {
	srv := mcp.NewServer(&mcp.Implementation{Name: "sonda", Version: "1.0.0"}, nil)
	s.RegisterMCP(srv)
	return srv.Run(ctx, &mcp.StdioTransport{})
}

// RegisterMCP registers all sonda tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerRunTask(srv)
	s.registerListRuns(srv)
	s.registerMacroSave(srv)
	s.registerMacroList(srv)
	s.registerMacroDelete(srv)
	s.registerMacroRun(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// registerTool adapts a typed handler to the MCP tool surface. Handler
// errors become tool errors, not protocol errors.
func registerTool[Req any](srv *mcp.Server, tool *mcp.Tool, handler func(ctx context.Context, req Req) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var typed Req
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &typed); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}
		resp, err := handler(ctx, typed)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

// --- run_task ---

type runTaskReq struct {
	Goal string `json:"goal"`
	URL  string `json:"url,omitempty"`
}

type runTaskResp struct {
	RunID   string        `json:"runId"`
	Status  string        `json:"status"`
	Verdict *plan.Verdict `json:"verdict,omitempty"`
	RunDir  string        `json:"runDir,omitempty"`
}

func (s *Service) registerRunTask(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "run_task",
		Description: "Run one natural-language web task in a fresh browser session and return the verdict.",
		InputSchema: inputSchema(map[string]any{
			"goal": map[string]any{"type": "string", "description": "What to accomplish, in plain language"},
			"url":  map[string]any{"type": "string", "description": "Optional page to start from"},
		}, []string{"goal"}),
	}
	registerTool(srv, tool, func(ctx context.Context, req runTaskReq) (any, error) {
		if req.Goal == "" {
			return nil, errors.New("goal is required")
		}
		res, err := s.runner.Run(ctx, run.Task{Goal: req.Goal, StartURL: req.URL})
		if err != nil {
			return nil, err
		}
		return runTaskResp{RunID: res.RunID, Status: res.Status, Verdict: res.Verdict, RunDir: res.RunDir}, nil
	})
}

// --- list_runs ---

type listRunsReq struct {
	Limit int `json:"limit,omitempty"`
}

func (s *Service) registerListRuns(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "list_runs",
		Description: "List recorded runs, newest first.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Maximum runs to return; 0 means all"},
		}, nil),
	}
	registerTool(srv, tool, func(ctx context.Context, req listRunsReq) (any, error) {
		runs, err := s.store.ListRuns(ctx, req.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"runs": runs}, nil
	})
}

// --- macro_save ---

type macroSaveReq struct {
	Hostname      string          `json:"hostname"`
	PathPattern   string          `json:"pathPattern"`
	FormSignature string          `json:"formSignature,omitempty"`
	Name          string          `json:"name,omitempty"`
	Params        []string        `json:"params,omitempty"`
	Plan          json.RawMessage `json:"plan"`
}

func (s *Service) registerMacroSave(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "macro_save",
		Description: "Store a parameterized plan as a reusable macro keyed by hostname and path pattern.",
		InputSchema: inputSchema(map[string]any{
			"hostname":      map[string]any{"type": "string"},
			"pathPattern":   map[string]any{"type": "string"},
			"formSignature": map[string]any{"type": "string"},
			"name":          map[string]any{"type": "string"},
			"params":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"plan":          map[string]any{"type": "object", "description": "Plan document with {param} placeholders"},
		}, []string{"hostname", "pathPattern", "plan"}),
	}
	registerTool(srv, tool, func(ctx context.Context, req macroSaveReq) (any, error) {
		if req.Hostname == "" || req.PathPattern == "" {
			return nil, errors.New("hostname and pathPattern are required")
		}
		var p plan.Plan
		if err := json.Unmarshal(req.Plan, &p); err != nil {
			return nil, fmt.Errorf("parse plan: %w", err)
		}
		m := macro.Macro{
			Hostname:      req.Hostname,
			PathPattern:   req.PathPattern,
			FormSignature: req.FormSignature,
			Name:          req.Name,
			Params:        req.Params,
			Plan:          p,
		}
		if err := s.macros.Save(ctx, m); err != nil {
			return nil, err
		}
		return map[string]any{"saved": true}, nil
	})
}

// --- macro_list ---

type macroListReq struct {
	Hostname string `json:"hostname,omitempty"`
}

func (s *Service) registerMacroList(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "macro_list",
		Description: "List stored macros, optionally filtered by hostname.",
		InputSchema: inputSchema(map[string]any{
			"hostname": map[string]any{"type": "string"},
		}, nil),
	}
	registerTool(srv, tool, func(ctx context.Context, req macroListReq) (any, error) {
		macros, err := s.macros.List(ctx, req.Hostname)
		if err != nil {
			return nil, err
		}
		return map[string]any{"macros": macros}, nil
	})
}

// --- macro_delete ---

type macroDeleteReq struct {
	Hostname      string `json:"hostname"`
	PathPattern   string `json:"pathPattern"`
	FormSignature string `json:"formSignature,omitempty"`
	Name          string `json:"name,omitempty"`
}

func (s *Service) registerMacroDelete(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "macro_delete",
		Description: "Delete a stored macro.",
		InputSchema: inputSchema(map[string]any{
			"hostname":      map[string]any{"type": "string"},
			"pathPattern":   map[string]any{"type": "string"},
			"formSignature": map[string]any{"type": "string"},
			"name":          map[string]any{"type": "string"},
		}, []string{"hostname", "pathPattern"}),
	}
	registerTool(srv, tool, func(ctx context.Context, req macroDeleteReq) (any, error) {
		key := macro.Key{
			Hostname:      req.Hostname,
			PathPattern:   req.PathPattern,
			FormSignature: req.FormSignature,
			Name:          req.Name,
		}
		if err := s.macros.Delete(ctx, key); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": true}, nil
	})
}

// --- macro_run ---

type macroRunReq struct {
	Hostname      string            `json:"hostname"`
	PathPattern   string            `json:"pathPattern"`
	FormSignature string            `json:"formSignature,omitempty"`
	Name          string            `json:"name,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
	URL           string            `json:"url,omitempty"`
}

func (s *Service) registerMacroRun(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "macro_run",
		Description: "Apply parameters to a stored macro and run the resulting plan.",
		InputSchema: inputSchema(map[string]any{
			"hostname":      map[string]any{"type": "string"},
			"pathPattern":   map[string]any{"type": "string"},
			"formSignature": map[string]any{"type": "string"},
			"name":          map[string]any{"type": "string"},
			"params":        map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
			"url":           map[string]any{"type": "string", "description": "Optional page to start from"},
		}, []string{"hostname", "pathPattern"}),
	}
	registerTool(srv, tool, func(ctx context.Context, req macroRunReq) (any, error) {
		key := macro.Key{
			Hostname:      req.Hostname,
			PathPattern:   req.PathPattern,
			FormSignature: req.FormSignature,
			Name:          req.Name,
		}
		m, err := s.macros.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, fmt.Errorf("macro %s not found", key)
		}
		if missing := macro.MissingParams(*m, req.Params); len(missing) > 0 {
			return nil, fmt.Errorf("missing params: %v", missing)
		}
		p, err := macro.Apply(s.vd, *m, req.Params)
		if err != nil {
			return nil, err
		}
		res, err := s.runner.Run(ctx, run.Task{Goal: p.Goal, StartURL: req.URL, Plan: p, MacroID: m.ID})
		if err != nil {
			return nil, err
		}
		return runTaskResp{RunID: res.RunID, Status: res.Status, Verdict: res.Verdict, RunDir: res.RunDir}, nil
	})
}
