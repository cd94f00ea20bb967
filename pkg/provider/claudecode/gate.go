package claudecode

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"tandem/pkg/logx"
	"tandem/pkg/session"
)

// GateToolName is the MCP tool Claude Code calls to request permission for a
// gated action.
const GateToolName = "approve"

// gateServerName is the MCP server name in the generated config; the
// permission prompt tool is addressed as mcp__<server>__<tool>.
const gateServerName = "tandem-gate"

// GateServer exposes the permission guard to Claude Code as an MCP server
// over HTTP. It binds to a dynamic localhost port and authenticates requests
// with a per-session random token.
type GateServer struct {
	guard  session.GuardFunc
	logger *logx.Logger
	token  string

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
	port     int
	running  bool
}

// NewGateServer creates a gate bound to the given guard.
func NewGateServer(guard session.GuardFunc, logger *logx.Logger) *GateServer {
	if logger == nil {
		logger = logx.NewLogger("claude-gate")
	}
	return &GateServer{
		guard:  guard,
		logger: logger,
		token:  generateToken(),
	}
}

// generateToken creates a cryptographically random 32-byte hex token.
func generateToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// Start binds a dynamic port and serves in the background.
func (g *GateServer) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return fmt.Errorf("gate server already running")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return fmt.Errorf("unexpected listener address type: %T", listener.Addr())
	}
	g.listener = listener
	g.port = addr.Port

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", g.handleRPC)
	g.srv = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	g.running = true

	go func() {
		if err := g.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gate server: %v", err)
		}
	}()

	g.logger.Debug("permission gate listening on port %d", g.port)
	return nil
}

// Stop shuts the server down.
func (g *GateServer) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return
	}
	g.running = false
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.srv.Shutdown(ctx); err != nil {
		g.logger.Warn("gate shutdown: %v", err)
	}
}

// Port returns the bound port, 0 before Start.
func (g *GateServer) Port() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.port
}

// Token returns the auth token clients must present.
func (g *GateServer) Token() string {
	return g.token
}

// URL returns the MCP endpoint URL.
func (g *GateServer) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", g.Port())
}

// PermissionPromptTool returns the fully qualified tool name for the
// --permission-prompt-tool flag.
func PermissionPromptTool() string {
	return fmt.Sprintf("mcp__%s__%s", gateServerName, GateToolName)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// gateCallParams is the tools/call payload Claude Code sends for the
// permission prompt tool.
type gateCallParams struct {
	Name      string `json:"name"`
	Arguments struct {
		ToolName  string         `json:"tool_name"`
		Input     map[string]any `json:"input"`
		ToolUseID string         `json:"tool_use_id,omitempty"`
	} `json:"arguments"`
}

// gateDecision is the JSON payload Claude Code expects back from the
// permission prompt tool.
type gateDecision struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}

func (g *GateServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+g.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": gateServerName, "version": "1.0.0"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
		return
	case "tools/list":
		resp.Result = map[string]any{
			"tools": []map[string]any{{
				"name":        GateToolName,
				"description": "Requests approval for a gated tool call.",
				"inputSchema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"tool_name":   map[string]any{"type": "string"},
						"input":       map[string]any{"type": "object"},
						"tool_use_id": map[string]any{"type": "string"},
					},
					"required": []string{"tool_name", "input"},
				},
			}},
		}
	case "tools/call":
		result, err := g.handleCall(r.Context(), req.Params)
		if err != nil {
			resp.Error = &rpcError{Code: -32000, Message: err.Error()}
		} else {
			resp.Result = result
		}
	default:
		resp.Error = &rpcError{Code: -32601, Message: "method not found"}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		g.logger.Warn("gate response encode: %v", err)
	}
}

// handleCall routes the permission prompt tool to the guard and wraps the
// decision in MCP tool-result content.
func (g *GateServer) handleCall(ctx context.Context, params json.RawMessage) (any, error) {
	var call gateCallParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, fmt.Errorf("invalid tools/call params: %w", err)
	}
	if call.Name != GateToolName {
		return nil, fmt.Errorf("unknown tool: %s", call.Name)
	}

	decision := gateDecision{Behavior: "deny", Message: "no permission guard configured"}
	if g.guard != nil {
		result, err := g.guard(ctx, call.Arguments.ToolName, call.Arguments.Input, session.GuardOptions{
			ProviderCallID: call.Arguments.ToolUseID,
		})
		if err != nil {
			return nil, err
		}
		if result.Allowed {
			decision = gateDecision{Behavior: "allow", UpdatedInput: result.UpdatedInput}
		} else {
			decision = gateDecision{Behavior: "deny", Message: result.Reason}
		}
	}

	payload, err := json.Marshal(&decision)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal decision: %w", err)
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(payload)}},
	}, nil
}
