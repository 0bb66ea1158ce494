// Package mcp implements the tool host: a line-delimited JSON-RPC 2.0
// server over stdin/stdout that translates named tool calls into broker
// operations. Stdout carries protocol only; all logging goes to stderr.
// Requests are processed strictly in arrival order — the next line is not
// read while a tool call is in flight.
package mcp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/asdlc/coord/internal/broker"
	"github.com/asdlc/coord/internal/model"
)

const (
	serverName      = "coord-broker"
	serverVersion   = "1.0.0"
	protocolVersion = "2024-11-05"
)

// JSON-RPC 2.0 error codes used by the host.
const (
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// BrokerFactory opens the datastore connection and builds the broker
// client. The host calls it lazily on the first tool call so that listing
// tools never requires a live datastore.
type BrokerFactory func() (*broker.Client, error)

// Server is one tool-host instance bound to a resolved identity.
type Server struct {
	identity string
	factory  BrokerFactory

	mu     sync.Mutex
	client *broker.Client
}

// NewServer builds a tool host for the given identity. The identity has
// already been resolved and validated by the caller; the host still
// re-checks it on every publish.
func NewServer(identity string, factory BrokerFactory) *Server {
	return &Server{identity: identity, factory: factory}
}

// broker returns the lazily opened broker client.
func (s *Server) broker() (*broker.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	c, err := s.factory()
	if err != nil {
		return nil, err
	}
	s.client = c
	return c, nil
}

// Serve reads one request per line until EOF. Blank lines are skipped;
// malformed lines are logged and skipped; every non-null response is
// written as a single line and flushed before the next read.
func (s *Server) Serve(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	writer := bufio.NewWriter(out)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			slog.Warn("Skipping malformed request line", "error", err)
			continue
		}
		resp := s.dispatch(&req)
		if resp == nil {
			continue
		}
		encoded, err := json.Marshal(resp)
		if err != nil {
			slog.Error("Could not encode response", "method", req.Method, "error", err)
			continue
		}
		if _, err := writer.Write(append(encoded, '\n')); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if err := writer.Flush(); err != nil {
			return fmt.Errorf("flush response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read requests: %w", err)
	}
	return nil
}

// dispatch routes one request. A nil return means no response is written
// (notifications).
func (s *Server) dispatch(req *rpcRequest) *rpcResponse {
	switch req.Method {
	case "initialize":
		return s.respond(req, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo": map[string]interface{}{
				"name":    serverName,
				"version": serverVersion,
			},
		})
	case "notifications/initialized":
		return nil
	case "tools/list":
		return s.respond(req, map[string]interface{}{"tools": toolSchemas()})
	case "tools/call":
		return s.handleToolCall(req)
	default:
		return s.respondError(req, codeMethodNotFound, "Method not found: "+req.Method)
	}
}

type toolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (s *Server) handleToolCall(req *rpcRequest) *rpcResponse {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req, codeInternalError, "invalid tools/call params: "+err.Error())
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return s.respondError(req, codeMethodNotFound, "Unknown tool: "+params.Name)
	}

	result := handler(s, params.Arguments)
	text, err := json.Marshal(result)
	if err != nil {
		return s.respondError(req, codeInternalError, "encode tool result: "+err.Error())
	}
	return s.respond(req, map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": string(text)},
		},
	})
}

func (s *Server) respond(req *rpcRequest, result interface{}) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (s *Server) respondError(req *rpcRequest, code int, msg string) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: code, Message: msg}}
}

// Close releases the broker connection if one was opened.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = nil
	return nil
}

// failure renders a broker error as the standard tool failure object.
// Backend errors travel verbatim in "error"; identity rejections carry the
// remediation hint so the caller knows what to fix.
func failure(err error) map[string]interface{} {
	out := map[string]interface{}{"success": false, "error": err.Error()}
	if errors.Is(err, model.ErrInvalidIdentity) {
		out["hint"] = identityHint
	}
	return out
}
