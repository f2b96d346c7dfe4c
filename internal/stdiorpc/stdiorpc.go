// Package stdiorpc implements the Stdio-RPC transport (spec §4.11/§6.3):
// JSON-RPC 2.0 framed as newline-delimited JSON on standard input and
// standard output, exposing spawn/topup/status/list_tiers against the
// same Admission Pipeline the relay and HTTP transports drive.
//
// Grounded on the request loop shape of
// _examples/original_source/src/mcp_main.rs's run_simple_mcp_server
// (buffered stdin line reader, one goroutine, one JSON-RPC response
// per line, EOF ends the loop) but deliberately redesigned away from
// the original's MCP tool-call envelope (initialize/tools/list/tools/call
// wrapping a nested "arguments" object) to a flat JSON-RPC 2.0 method
// table, per spec §6.3. Standard error is reserved for logging;
// standard output carries only framed JSON-RPC responses.
package stdiorpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"go.uber.org/zap"

	"github.com/DhananjayPurohit/paygress/internal/catalog"
	"github.com/DhananjayPurohit/paygress/internal/pipeline"
)

const jsonrpcVersion = "2.0"

// rpcRequest is the JSON-RPC 2.0 envelope read from stdin. id is left
// as json.RawMessage so it can be echoed back verbatim regardless of
// whether the caller used a string, a number, or omitted it (in which
// case the line is a notification and draws no response).
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Server drives the Admission Pipeline from newline-delimited JSON-RPC
// requests on r, writing one response line per non-notification
// request to w.
type Server struct {
	Pipeline *pipeline.Pipeline
	Catalog  *catalog.Catalog
	Mints    []string
	Log      *zap.Logger
}

// Run reads requests from r until EOF or ctx is done, dispatching each
// to the matching method and writing a framed response to w. It never
// writes anything but JSON-RPC responses to w; all diagnostics go to
// Log, which callers must configure with a stderr sink.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			log.Warn("stdiorpc: malformed request", zap.Error(err))
			if err := writeResponse(w, rpcResponse{
				JSONRPC: jsonrpcVersion,
				Error:   &rpcError{Code: codeParseError, Message: "parse error"},
			}); err != nil {
				return err
			}
			continue
		}

		// A request with no id is a notification: process for effect,
		// but never reply (grounded on mcp_main.rs's
		// notifications/cancelled handling, generalized to any method).
		isNotification := len(req.ID) == 0 || string(req.ID) == "null"

		resp := s.dispatch(ctx, req)
		if isNotification {
			continue
		}
		resp.ID = req.ID
		if err := writeResponse(w, resp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error("stdiorpc: read error", zap.Error(err))
		return err
	}
	return nil
}

func writeResponse(w io.Writer, resp rpcResponse) error {
	resp.JSONRPC = jsonrpcVersion
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n"))
	return err
}

func (s *Server) dispatch(ctx context.Context, req rpcRequest) rpcResponse {
	switch req.Method {
	case "list_tiers":
		return s.handleListTiers()
	case "spawn":
		return s.handleSpawn(ctx, req.Params)
	case "topup":
		return s.handleTopUp(ctx, req.Params)
	case "status":
		return s.handleStatus(req.Params)
	default:
		return rpcResponse{Error: &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}}
	}
}

func (s *Server) handleListTiers() rpcResponse {
	offer := s.Catalog.AsOfferDocument(s.Pipeline.ServiceIdentity.PublicKeyHex, s.Mints)
	return rpcResponse{Result: offer}
}

type spawnParams struct {
	CashuToken  string `json:"cashu_token"`
	PodSpecID   string `json:"pod_spec_id"`
	PodImage    string `json:"pod_image"`
	SSHUsername string `json:"ssh_username"`
	SSHPassword string `json:"ssh_password"`
	DurationSec int64  `json:"duration_secs"`
}

func (s *Server) handleSpawn(ctx context.Context, raw json.RawMessage) rpcResponse {
	var params spawnParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return rpcResponse{Error: &rpcError{Code: codeInvalidParams, Message: err.Error()}}
	}
	if params.PodImage == "" || params.SSHUsername == "" {
		return rpcResponse{Error: &rpcError{Code: codeInvalidParams, Message: "pod_image and ssh_username are required"}}
	}

	access, _, perr := s.Pipeline.Spawn(ctx, pipeline.SpawnRequest{
		TokenStr:          params.CashuToken,
		TierID:            params.PodSpecID,
		Image:             params.PodImage,
		SSHUsername:       params.SSHUsername,
		SSHPassword:       params.SSHPassword,
		RequestedDuration: params.DurationSec,
	})
	if perr != nil {
		return errorResponse(perr)
	}
	return rpcResponse{Result: access}
}

type topUpParams struct {
	PodIdentity string `json:"pod_identity"`
	CashuToken  string `json:"cashu_token"`
}

func (s *Server) handleTopUp(ctx context.Context, raw json.RawMessage) rpcResponse {
	var params topUpParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return rpcResponse{Error: &rpcError{Code: codeInvalidParams, Message: err.Error()}}
	}

	res, perr := s.Pipeline.TopUp(ctx, params.PodIdentity, params.CashuToken)
	if perr != nil {
		return errorResponse(perr)
	}
	return rpcResponse{Result: res}
}

type statusParams struct {
	PodIdentity string `json:"pod_identity"`
}

func (s *Server) handleStatus(raw json.RawMessage) rpcResponse {
	var params statusParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return rpcResponse{Error: &rpcError{Code: codeInvalidParams, Message: err.Error()}}
	}

	st, perr := s.Pipeline.Status(params.PodIdentity)
	if perr != nil {
		return errorResponse(perr)
	}
	return rpcResponse{Result: st}
}

// errorResponse maps a pipeline.Error onto a JSON-RPC error, carrying
// the taxonomy in Data so a caller can branch on error_type the same
// way the HTTP and relay transports expose it, per spec §6.2/§6.3's
// shared ErrorResponse shape.
func errorResponse(perr *pipeline.Error) rpcResponse {
	return rpcResponse{
		Error: &rpcError{
			Code:    codeInternalError,
			Message: perr.Message,
			Data: map[string]string{
				"error_type": perr.Kind.String(),
				"details":    perr.Details,
			},
		},
	}
}
