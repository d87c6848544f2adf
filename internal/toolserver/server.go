// Package toolserver exposes the bridge's operations as named,
// schema-validated tools. Each session gets its own server bound to the
// caller's identity; the shared store, dispatcher, and knowledge-graph
// client sit behind it.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/duet/internal/dispatch"
	"github.com/haasonsaas/duet/internal/kg"
	"github.com/haasonsaas/duet/internal/observability"
	"github.com/haasonsaas/duet/internal/store"
	"github.com/haasonsaas/duet/pkg/models"
)

// ErrUnknownClient is returned by tools that need a caller identity
// when the session never established one.
var ErrUnknownClient = errors.New("Unknown client")

// Handler executes one validated tool call. args has already passed
// the tool's schema.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registered tool.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage

	schema  *jsonschema.Schema
	handler Handler
}

// Result is the wire envelope for a tool call.
type Result struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ContentItem is one block of a tool result. Only text blocks are
// produced.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Info is the tools/list entry for a tool.
type Info struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Server is a per-session tool registry.
type Server struct {
	identity   models.AssistantID // "" when the session is anonymous
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	kg         *kg.Client
	metrics    *observability.Metrics
	logger     *slog.Logger

	tools map[string]*Tool
}

// New builds a tool server bound to the given identity. identity may be
// empty; identity-requiring tools then fail per call.
func New(identity models.AssistantID, st *store.Store, d *dispatch.Dispatcher, kgClient *kg.Client, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		identity:   identity,
		store:      st,
		dispatcher: d,
		kg:         kgClient,
		metrics:    metrics,
		logger:     logger.With("component", "toolserver", "identity", string(identity)),
		tools:      make(map[string]*Tool),
	}
	s.registerAll()
	return s
}

// register compiles the schema and adds the tool. Schema compilation
// failures are programmer errors and panic at construction.
func (s *Server) register(name, description, schemaJSON string, handler Handler) {
	compiled, err := jsonschema.CompileString(name+".json", schemaJSON)
	if err != nil {
		panic(fmt.Sprintf("tool %s schema: %v", name, err))
	}
	s.tools[name] = &Tool{
		Name:        name,
		Description: description,
		InputSchema: json.RawMessage(schemaJSON),
		schema:      compiled,
		handler:     handler,
	}
}

// List returns the registered tools sorted by name.
func (s *Server) List() []Info {
	infos := make([]Info, 0, len(s.tools))
	for _, t := range s.tools {
		infos = append(infos, Info{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Call validates arguments against the tool's schema and runs the
// handler. Failures of any kind come back as an error envelope; Call
// itself never returns a Go error so the transport always has a result
// to stream.
func (s *Server) Call(ctx context.Context, name string, rawArgs json.RawMessage) *Result {
	tool, ok := s.tools[name]
	if !ok {
		s.countCall(name, "error")
		return errorResult(fmt.Sprintf("unknown tool %q", name))
	}

	args := map[string]any{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			s.countCall(name, "error")
			return errorResult(fmt.Sprintf("invalid arguments: %v", err))
		}
	}
	// Validate against the decoded form so defaults and types line up
	// with what the handler reads.
	var decoded any = args
	if err := tool.schema.Validate(decoded); err != nil {
		s.countCall(name, "error")
		return errorResult(fmt.Sprintf("invalid arguments: %v", err))
	}

	out, err := tool.handler(ctx, args)
	if err != nil {
		s.countCall(name, "error")
		s.logger.Debug("tool call failed", "tool", name, "error", err)
		return errorResult(err.Error())
	}
	s.countCall(name, "ok")

	text, err := json.Marshal(out)
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err))
	}
	return &Result{Content: []ContentItem{{Type: "text", Text: string(text)}}}
}

// Identity returns the session's bound assistant id, or "".
func (s *Server) Identity() models.AssistantID {
	return s.identity
}

func (s *Server) requireIdentity() (models.AssistantID, error) {
	if s.identity == "" {
		return "", ErrUnknownClient
	}
	return s.identity, nil
}

func (s *Server) countCall(tool, status string) {
	if s.metrics != nil {
		s.metrics.ToolCalls.WithLabelValues(tool, status).Inc()
	}
}

func errorResult(msg string) *Result {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	return &Result{
		Content: []ContentItem{{Type: "text", Text: string(payload)}},
		IsError: true,
	}
}

// Argument helpers. The schema has already constrained types; these
// just apply defaults.

func strArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return def
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}
