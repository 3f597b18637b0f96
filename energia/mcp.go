package energia

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/energia/audit"
	"github.com/hazyhaar/energia/energia/internal/query"
	"github.com/hazyhaar/energia/kit"
)

// RegisterMCP registers all energia tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerResumen(srv)
	s.registerListar(srv)
	s.registerGeneracionPorTipo(srv)
	s.registerAnalizar(srv)
	s.registerTareas(srv)
}

// addTool registers endpoint behind call logging and any extra middlewares.
func (s *Service) addTool(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint,
	decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error), mws ...kit.Middleware) {
	chain := kit.Chain(kit.Logging(s.logger, tool.Name), mws...)
	kit.RegisterMCPTool(srv, tool, chain(endpoint), decode)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

func datasetNames() []string {
	var names []string
	for _, d := range query.Datasets() {
		names = append(names, d.Name)
	}
	return names
}

func (s *Service) registerResumen(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "energia_resumen",
		Description: "Snapshot of the SIN: current and 24h demand, generation by source type, spot price, restrictions and active alerts",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.Summary(ctx), nil
	}

	s.addTool(srv, tool, endpoint, kit.DecodeArgs[req]())
}

func (s *Service) registerListar(srv *mcp.Server) {
	type req struct {
		Dataset string            `json:"dataset"`
		Limit   int               `json:"limit"`
		Start   string            `json:"start"`
		End     string            `json:"end"`
		Filters map[string]string `json:"filters"`
	}

	tool := &mcp.Tool{
		Name:        "energia_listar",
		Description: "List rows of a market dataset, newest first",
		InputSchema: inputSchema(map[string]any{
			"dataset": map[string]any{"type": "string", "enum": datasetNames(), "description": "Dataset name"},
			"limit":   map[string]any{"type": "integer", "description": fmt.Sprintf("Max rows (1-%d)", query.MaxLimit)},
			"start":   map[string]any{"type": "string", "description": "Inclusive start, YYYY-MM-DD or YYYY-MM-DD HH:MM:SS"},
			"end":     map[string]any{"type": "string", "description": "Inclusive end; a bare date covers the whole day"},
			"filters": map[string]any{
				"type":                 "object",
				"description":          "Equality filters, e.g. {\"region\": \"SIN\"}",
				"additionalProperties": map[string]any{"type": "string"},
			},
		}, []string{"dataset"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		rows, err := s.List(ctx, p.Dataset, query.ListParams{
			Limit: p.Limit, Start: p.Start, End: p.End, Filters: p.Filters,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"count": len(rows), "data": rows}, nil
	}

	s.addTool(srv, tool, endpoint, kit.DecodeArgs[req]())
}

func (s *Service) registerGeneracionPorTipo(srv *mcp.Server) {
	type req struct {
		Hours int `json:"hours"`
	}

	tool := &mcp.Tool{
		Name:        "energia_generacion_por_tipo",
		Description: "Total and mean generation (MW) per source type over the last hours",
		InputSchema: inputSchema(map[string]any{
			"hours": map[string]any{"type": "integer", "description": "Window in hours (default 24)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		return s.GeneracionPorTipo(ctx, r.(*req).Hours)
	}

	s.addTool(srv, tool, endpoint, kit.DecodeArgs[req]())
}

func (s *Service) registerAnalizar(srv *mcp.Server) {
	type req struct {
		Pregunta string `json:"pregunta"`
	}

	tool := &mcp.Tool{
		Name:        "energia_analizar",
		Description: "Ask the energy analyst model a question about current market data",
		InputSchema: inputSchema(map[string]any{
			"pregunta": map[string]any{"type": "string", "description": "Question in natural language"},
		}, []string{"pregunta"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		res, err := s.Analyze(ctx, p.Pregunta)
		if err != nil {
			return nil, errors.New(publicMessage(err, s.config.Production()))
		}
		return res, nil
	}

	var mws []kit.Middleware
	if s.audit != nil {
		mws = append(mws, audit.Middleware(s.audit, actionAnalizar))
	}
	s.addTool(srv, tool, endpoint, kit.DecodeArgs[req](), mws...)
}

func (s *Service) registerTareas(srv *mcp.Server) {
	type req struct {
		Task  string `json:"task"`
		Limit int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "energia_tareas",
		Description: "Recent scheduler runs with status, affected rows and duration",
		InputSchema: inputSchema(map[string]any{
			"task":  map[string]any{"type": "string", "description": "Task name filter"},
			"limit": map[string]any{"type": "integer", "description": "Max runs (default 50)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.TaskRuns(ctx, p.Task, p.Limit)
	}

	s.addTool(srv, tool, endpoint, kit.DecodeArgs[req]())
}
