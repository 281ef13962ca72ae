package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/captrace/capqueue"
	"github.com/hazyhaar/captrace/corindex"
)

// RegisterMCP registers the capture tools on an MCP server, mirroring
// the HTTP surface.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerSubmit(srv)
	s.registerStatus(srv)
	s.registerCancel(srv)
	s.registerGetCapture(srv)
	s.registerLookupRelated(srv)
	s.registerCompare(srv)
	s.registerAbandoned(srv)
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

// registerTool adapts a typed handler to the MCP tool contract: decode
// arguments, run, marshal the response as text content. Domain errors
// come back as tool errors, not protocol errors.
func registerTool(srv *mcp.Server, tool *mcp.Tool, handler func(ctx context.Context, args json.RawMessage) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := handler(ctx, req.Params.Arguments)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
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

func (s *Service) registerSubmit(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "captrace_submit",
		Description: "Submit a URL for forensic capture; returns the job ID",
		InputSchema: inputSchema(map[string]any{
			"url":         map[string]any{"type": "string", "description": "Target URL (http or https)"},
			"context_tag": map[string]any{"type": "string", "description": "Investigation context; same URL under two contexts is two captures"},
			"priority":    map[string]any{"type": "integer", "description": "Higher runs first"},
			"force":       map[string]any{"type": "boolean", "description": "Bypass in-flight deduplication"},
			"referer":     map[string]any{"type": "string", "description": "Referer header for the navigation"},
			"user_agent":  map[string]any{"type": "string", "description": "User-Agent override"},
		}, []string{"url"}),
	}

	registerTool(srv, tool, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req capqueue.CaptureRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		jobID, err := s.Submit(ctx, req)
		if err != nil {
			return nil, err
		}
		return map[string]string{"job_id": jobID}, nil
	})
}

func (s *Service) registerStatus(srv *mcp.Server) {
	type req struct {
		JobID string `json:"job_id"`
	}
	tool := &mcp.Tool{
		Name:        "captrace_status",
		Description: "Get the lifecycle state of a capture job",
		InputSchema: inputSchema(map[string]any{
			"job_id": map[string]any{"type": "string", "description": "Job ID returned by captrace_submit"},
		}, []string{"job_id"}),
	}

	registerTool(srv, tool, func(ctx context.Context, args json.RawMessage) (any, error) {
		var p req
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		return s.Status(p.JobID)
	})
}

func (s *Service) registerCancel(srv *mcp.Server) {
	type req struct {
		JobID string `json:"job_id"`
	}
	tool := &mcp.Tool{
		Name:        "captrace_cancel",
		Description: "Cancel a pending or running capture job",
		InputSchema: inputSchema(map[string]any{
			"job_id": map[string]any{"type": "string", "description": "Job ID to cancel"},
		}, []string{"job_id"}),
	}

	registerTool(srv, tool, func(ctx context.Context, args json.RawMessage) (any, error) {
		var p req
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		if err := s.Cancel(p.JobID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "canceled"}, nil
	})
}

func (s *Service) registerGetCapture(srv *mcp.Server) {
	type req struct {
		CaptureID string `json:"capture_id"`
	}
	tool := &mcp.Tool{
		Name:        "captrace_get_capture",
		Description: "Get a stored capture record with its reconstructed tree",
		InputSchema: inputSchema(map[string]any{
			"capture_id": map[string]any{"type": "string", "description": "Capture ID"},
		}, []string{"capture_id"}),
	}

	registerTool(srv, tool, func(ctx context.Context, args json.RawMessage) (any, error) {
		var p req
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		return s.GetCapture(ctx, p.CaptureID)
	})
}

func (s *Service) registerLookupRelated(srv *mcp.Server) {
	type req struct {
		Facet string `json:"facet"`
		Hash  string `json:"hash"`
	}
	tool := &mcp.Tool{
		Name:        "captrace_lookup_related",
		Description: "Find captures sharing a facet hash (body, favicon, certificate, hhhash, cookie), newest first",
		InputSchema: inputSchema(map[string]any{
			"facet": map[string]any{"type": "string", "description": "Facet name: body, favicon, certificate, hhhash, cookie"},
			"hash":  map[string]any{"type": "string", "description": "Facet hash value"},
		}, []string{"facet", "hash"}),
	}

	registerTool(srv, tool, func(ctx context.Context, args json.RawMessage) (any, error) {
		var p req
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		ids, err := s.Related(ctx, corindex.Facet(p.Facet), p.Hash)
		if err != nil {
			return nil, err
		}
		return map[string]any{"capture_ids": ids}, nil
	})
}

func (s *Service) registerCompare(srv *mcp.Server) {
	type req struct {
		CaptureA string `json:"capture_a"`
		CaptureB string `json:"capture_b"`
	}
	tool := &mcp.Tool{
		Name:        "captrace_compare",
		Description: "Compare two captures: URLs, redirect chains, body hash, resource overlap",
		InputSchema: inputSchema(map[string]any{
			"capture_a": map[string]any{"type": "string", "description": "First capture ID"},
			"capture_b": map[string]any{"type": "string", "description": "Second capture ID"},
		}, []string{"capture_a", "capture_b"}),
	}

	registerTool(srv, tool, func(ctx context.Context, args json.RawMessage) (any, error) {
		var p req
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		return s.Compare(ctx, p.CaptureA, p.CaptureB)
	})
}

func (s *Service) registerAbandoned(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "captrace_abandoned",
		Description: "List capture jobs that exhausted their retries",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	registerTool(srv, tool, func(ctx context.Context, args json.RawMessage) (any, error) {
		return map[string]any{"abandoned": s.Abandoned()}, nil
	})
}
