package energia

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/energia/audit"
	"github.com/hazyhaar/energia/energia/internal/narrative"
	"github.com/hazyhaar/energia/energia/internal/store"
)

var testMCPImpl = &mcp.Implementation{Name: "energia-test", Version: "0.1.0"}

func mcpSession(t *testing.T, svc *Service) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) *mcp.CallToolResult {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err, name)
	return res
}

func toolText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent")
	return tc.Text
}

func TestMCP_ListTools(t *testing.T) {
	e := newTestEnv(t, nil)
	session := mcpSession(t, e.svc)

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"energia_analizar",
		"energia_generacion_por_tipo",
		"energia_listar",
		"energia_resumen",
		"energia_tareas",
	}, names)
}

func TestMCP_Listar(t *testing.T) {
	// WHAT: energia_listar honours limit and returns rows newest first.
	e := newTestEnv(t, nil)
	seedDemanda(t, e.st,
		store.Demanda{FechaHora: testNow.Add(-2 * time.Hour), DemandaMW: 9100},
		store.Demanda{FechaHora: testNow.Add(-time.Hour), DemandaMW: 9200},
	)
	session := mcpSession(t, e.svc)

	res := callTool(t, session, "energia_listar", map[string]any{"dataset": "demanda", "limit": 1})
	require.NoError(t, res.GetError())

	var out struct {
		Count int              `json:"count"`
		Data  []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(toolText(t, res)), &out))
	assert.Equal(t, 1, out.Count)
	require.Len(t, out.Data, 1)
	assert.Equal(t, "2026-03-10 11:00:00", out.Data[0]["fecha_hora"])
}

func TestMCP_ListarUnknownDataset(t *testing.T) {
	e := newTestEnv(t, nil)
	session := mcpSession(t, e.svc)

	res := callTool(t, session, "energia_listar", map[string]any{"dataset": "carbon"})
	assert.True(t, res.IsError)
}

func TestMCP_AnalizarNotConfigured(t *testing.T) {
	// WHAT: Without an API key the tool fails with the configuration hint.
	// WHY: MCP clients see the same guidance as HTTP callers.
	e := newTestEnv(t, nil)
	session := mcpSession(t, e.svc)

	res := callTool(t, session, "energia_analizar", map[string]any{"pregunta": "¿Cómo está la demanda?"})
	require.True(t, res.IsError)
	assert.Contains(t, toolText(t, res), narrative.NotConfiguredMessage)

	n, err := e.st.Count(context.Background(), store.TableAnalisis)
	require.NoError(t, err)
	assert.Zero(t, n)

	var entries []*audit.Entry
	require.Eventually(t, func() bool {
		entries, err = e.svc.AuditTrail(context.Background(), actionAnalizar, 10)
		return err == nil && len(entries) == 1
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, "mcp", entries[0].Transport)
	assert.Equal(t, audit.StatusError, entries[0].Status)
}

func TestMCP_Tareas(t *testing.T) {
	e := newTestEnv(t, nil)
	_, err := e.svc.RunTask(context.Background(), TaskDemanda)
	require.NoError(t, err)
	session := mcpSession(t, e.svc)

	res := callTool(t, session, "energia_tareas", map[string]any{"task": TaskDemanda})
	require.NoError(t, res.GetError())

	var runs []store.TaskRun
	require.NoError(t, json.Unmarshal([]byte(toolText(t, res)), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, TaskDemanda, runs[0].Task)
	assert.EqualValues(t, 2, runs[0].Affected)
}
