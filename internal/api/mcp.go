package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/membot/internal/turn"
)

const recentConversationsURI = "membot://conversations/recent"

// NewMCPServer creates an MCP server exposing conversation tools backed by svc.
func NewMCPServer(svc ConversationService, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"membot",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("membot remembers each conversation's user name, likes, and dislikes across turns."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a user message to a conversation and get the reply. Facts the user states are remembered."),
			mcp.WithString("conversation_id", mcp.Description("Conversation identifier"), mcp.Required()),
			mcp.WithString("message", mcp.Description("The user's message"), mcp.Required()),
		),
		mcpSendMessage(svc),
	)

	s.AddTool(
		mcp.NewTool("get_profile",
			mcp.WithDescription("Return what is remembered about the user of a conversation."),
			mcp.WithString("conversation_id", mcp.Description("Conversation identifier"), mcp.Required()),
		),
		mcpGetProfile(svc),
	)

	s.AddTool(
		mcp.NewTool("reset_conversation",
			mcp.WithDescription("Forget everything remembered for a conversation."),
			mcp.WithString("conversation_id", mcp.Description("Conversation identifier"), mcp.Required()),
		),
		mcpResetConversation(svc),
	)

	s.AddResource(
		mcp.NewResource(
			recentConversationsURI,
			"Recent Conversations",
			mcp.WithResourceDescription("The 10 most recently updated conversation profiles"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(svc),
	)

	return s
}

func mcpSendMessage(svc ConversationService) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		reply, err := svc.Handle(ctx, id, message)
		if err != nil {
			if errors.Is(err, turn.ErrMalformedResponse) {
				return mcpError("the model returned an unusable answer; nothing was remembered"), nil
			}
			return mcpError(fmt.Sprintf("send failed: %v", err)), nil
		}
		return mcpText(reply.Response), nil
	}
}

func mcpGetProfile(svc ConversationService) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		p, err := svc.Profile(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get profile: %v", err)), nil
		}
		b, err := json.Marshal(p)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal profile: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResetConversation(svc ConversationService) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		if err := svc.Reset(ctx, id); err != nil {
			return mcpError(fmt.Sprintf("reset failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Conversation %s reset", id)), nil
	}
}

func mcpResourceRecent(svc ConversationService) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		profiles, err := svc.List(ctx, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list conversations: %w", err)
		}
		b, err := json.Marshal(profiles)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversations: %w", err)
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
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
