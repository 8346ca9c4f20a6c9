package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docqa/internal/access"
	"github.com/kalambet/docqa/internal/qa"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. The MCP transport is local
// (stdio), so the calling user is passed as a tool argument.
type MCPDeps struct {
	Orchestrator *qa.Orchestrator
	Access       *access.Table
	Index        IndexInfo
	AuditLog     QueryLogLister // optional; the recent queries resource is omitted without it
}

// NewMCPServer creates an MCP server with the docqa tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"docqa",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docqa answers questions from the documents a user is allowed to read."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Search the documents the given user may read and return the best matching passages."),
			mcp.WithString("user", mcp.Description("User id (email) making the request"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Question or search text"), mcp.Required()),
			mcp.WithNumber("top_k", mcp.Description("Maximum number of passages (default 3)")),
			mcp.WithBoolean("use_context", mcp.Description("Augment the query with the user's recent turns (default true)")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List the documents the given user may read."),
			mcp.WithString("user", mcp.Description("User id (email)"), mcp.Required()),
		),
		mcpListDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_conversation",
			mcp.WithDescription("Forget the conversation history kept for a user."),
			mcp.WithString("user", mcp.Description("User id (email)"), mcp.Required()),
		),
		mcpClearConversation(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docqa://index",
			"Index Stats",
			mcp.WithResourceDescription("Chunk and document counts of the published index"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceIndex(deps),
	)

	if deps.AuditLog != nil {
		s.AddResource(
			mcp.NewResource(
				"docqa://queries/recent",
				"Recent Queries",
				mcp.WithResourceDescription("Last 20 audited queries"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRecentQueries(deps),
		)
	}

	return s
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user, err := req.RequireString("user")
		if err != nil {
			return mcpError("user is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		// Zero leaves the configured default to the orchestrator.
		topK := req.GetInt("top_k", 0)
		if topK > maxTopK {
			topK = maxTopK
		}

		resp, err := deps.Orchestrator.Ask(ctx, qa.Query{
			UserID:      user,
			Text:        query,
			TopK:        topK,
			SkipContext: !req.GetBool("use_context", true),
		})
		if err != nil {
			switch {
			case errors.Is(err, access.ErrUnknownUser):
				return mcpError(fmt.Sprintf("unknown user %q", user)), nil
			case errors.Is(err, qa.ErrInvalidQuery):
				return mcpError("query must be non-empty text"), nil
			case errors.Is(err, retrieval.ErrEmbeddingUnavailable):
				return mcpError("embedding service unavailable, retry later"), nil
			default:
				return mcpError(fmt.Sprintf("search failed: %v", err)), nil
			}
		}

		type searchResult struct {
			Answer      string                   `json:"answer"`
			Sources     []qa.Source              `json:"sources"`
			Results     []retrieval.SearchResult `json:"results"`
			ContextUsed bool                     `json:"context_used"`
		}
		out := searchResult{
			Answer:      resp.Answer,
			Sources:     resp.Sources,
			Results:     resp.Results,
			ContextUsed: resp.ContextUsed,
		}
		if out.Results == nil {
			out.Results = []retrieval.SearchResult{}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user, err := req.RequireString("user")
		if err != nil {
			return mcpError("user is required"), nil
		}
		docs, err := deps.Access.Resolve(user)
		if err != nil {
			return mcpError(fmt.Sprintf("unknown user %q", user)), nil
		}
		b, err := json.Marshal(docs.Sorted())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal documents: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpClearConversation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user, err := req.RequireString("user")
		if err != nil {
			return mcpError("user is required"), nil
		}
		user = access.NormalizeUser(user)
		deps.Orchestrator.History().Clear(user)
		return mcpText(fmt.Sprintf("Cleared conversation for %s", user)), nil
	}
}

func mcpResourceIndex(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		var out indexResponse
		if deps.Index != nil {
			out = indexResponse{Stats: deps.Index.Stats(), DocumentIDs: deps.Index.Documents()}
		}
		if out.DocumentIDs == nil {
			out.DocumentIDs = []string{}
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal index stats: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceRecentQueries(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		logs, err := deps.AuditLog.ListQueryLogs(ctx, storage.QueryLogFilter{Limit: 20})
		if err != nil {
			return nil, fmt.Errorf("failed to list queries: %w", err)
		}

		type querySummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			UserID    string `json:"user_id"`
			Outcome   string `json:"outcome"`
			Results   int    `json:"results"`
		}
		summaries := make([]querySummary, len(logs))
		for i, l := range logs {
			summaries[i] = querySummary{
				ID:        l.ID,
				CreatedAt: l.CreatedAt.Format(time.RFC3339),
				UserID:    l.UserID,
				Outcome:   l.Outcome,
				Results:   l.ResultCount,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal queries: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: msg,
			},
		},
		IsError: true,
	}
}
