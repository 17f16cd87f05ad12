package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"videoSearch/processors"
	"videoSearch/storage"
)

// NewMCPServer exposes transcript search and the video list as MCP tools.
// The stdio transport has no authentication, so every call names the user
// whose library it reads.
func NewMCPServer(retriever *processors.Retriever, store storage.Store, version string) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("videosearch", version, mcpserver.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("search_transcripts",
		mcp.WithDescription("Semantic search over the spoken transcripts of a user's videos. Returns timestamped lines ranked by similarity."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner whose videos are searched")),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural-language query")),
		mcp.WithNumber("limit", mcp.Description("Maximum results"), mcp.DefaultNumber(10), mcp.Min(1), mcp.Max(100)),
		mcp.WithNumber("min_confidence", mcp.Description("Minimum recognition confidence"), mcp.DefaultNumber(0.5), mcp.Min(0), mcp.Max(1)),
	), searchTool(retriever))

	s.AddTool(mcp.NewTool("list_videos",
		mcp.WithDescription("List a user's videos with their processing status."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the videos")),
		mcp.WithNumber("limit", mcp.Description("Maximum videos"), mcp.DefaultNumber(20)),
	), listVideosTool(store))
	return s
}

func searchTool(retriever *processors.Retriever) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		minConf := req.GetFloat("min_confidence", 0.5)
		resp := retriever.Search(ctx, processors.SearchRequest{
			UserID:        userID,
			Query:         query,
			Limit:         req.GetInt("limit", 10),
			MinConfidence: &minConf,
		})
		return jsonResult(resp)
	}
}

func listVideosTool(store storage.Store) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		videos, err := store.ListVideos(ctx, userID, 0, req.GetInt("limit", 20))
		if err != nil {
			return mcp.NewToolResultErrorFromErr("failed to list videos", err), nil
		}
		return jsonResult(videos)
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// ServeMCPStdio 通过标准输入输出提供 MCP 服务
func ServeMCPStdio(s *mcpserver.MCPServer) error {
	return mcpserver.ServeStdio(s)
}
