package mcp

import (
	"context"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/pario-ai/tithe/pkg/gate"
	"github.com/pario-ai/tithe/pkg/models"
	"github.com/shopspring/decimal"
)

// StatusReader provides today's spending snapshot.
type StatusReader interface {
	Status() models.SpendingStatus
}

// Deps are the collaborators the MCP server exposes to agents.
type Deps struct {
	Gate    *gate.Gate
	Ledger  StatusReader
	Remote  gate.Executor
	Pricing map[string]decimal.Decimal
	Version string
	Logger  *slog.Logger
}

// Server exposes the sanctuary tools over MCP.
type Server struct {
	mcp      *mcpsdk.Server
	gate     *gate.Gate
	ledger   StatusReader
	remote   gate.Executor
	pricing  map[string]decimal.Decimal
	validate *validator
	logger   *slog.Logger
}

// New creates a Server, registering its tools with the gate and the MCP
// registry.
func New(deps Deps) (*Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "mcp")
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		mcp:      mcpsdk.NewServer(&mcpsdk.Implementation{Name: "tithe", Version: version}, nil),
		gate:     deps.Gate,
		ledger:   deps.Ledger,
		remote:   deps.Remote,
		pricing:  deps.Pricing,
		validate: newValidator(),
		logger:   logger,
	}

	for _, t := range s.tools() {
		if err := s.validate.add(t.def.Name, t.schema); err != nil {
			return nil, err
		}
		if t.paid {
			if _, ok := s.pricing[t.def.Name]; !ok {
				return nil, fmt.Errorf("no price configured for paid tool %q", t.def.Name)
			}
			s.gate.Register(t.def.Name, t.build)
		}
		s.mcp.AddTool(t.def, s.wrap(t))
	}
	s.mcp.AddResource(&mcpsdk.Resource{
		URI:         spendingResourceURI,
		Name:        "spending-today",
		Description: "Today's spend, limits and recent transactions as JSON.",
		MIMEType:    "application/json",
	}, s.readSpending)

	return s, nil
}

// Run serves MCP over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.mcp.Run(ctx, &mcpsdk.StdioTransport{})
}

// Connect serves a single session over t.
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

func (s *Server) wrap(t tool) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		args, err := s.validate.decode(t.def.Name, req.Params.Arguments)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		res := t.handle(ctx, s, args)
		if res.IsError {
			s.logger.Debug("tool call failed", "tool", t.def.Name)
		}
		return res, nil
	}
}
