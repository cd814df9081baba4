package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the connection registry to MCP clients over stdio.
type MCPServer struct {
	Server   *mcpserver.MCPServer
	registry *ConnectionRegistry
}

func NewMCPServer(registry *ConnectionRegistry) *MCPServer {
	s := &MCPServer{
		Server:   mcpserver.NewMCPServer("devrelay", "1.0.0"),
		registry: registry,
	}

	listConnections := mcp.NewTool("list_connections",
		mcp.WithDescription("List the users and devices connected to this relay process"),
	)
	s.Server.AddTool(listConnections, s.handleListConnections)

	lookupConnection := mcp.NewTool("lookup_connection",
		mcp.WithDescription("Get the live connections of one user, optionally narrowed to a device"),
		mcp.WithString("userId", mcp.Required(), mcp.Description("User whose connections to return")),
		mcp.WithString("deviceId", mcp.Description("Only return this device's connection")),
	)
	s.Server.AddTool(lookupConnection, s.handleLookupConnection)

	return s
}

func (s *MCPServer) Start() error {
	slog.Info("Started stdio MCP server")
	defer func() {
		slog.Info("Shut down stdio MCP server")
	}()
	return mcpserver.ServeStdio(s.Server)
}

func (s *MCPServer) handleListConnections(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(connectionInfos(s.registry.List()))
}

func (s *MCPServer) handleLookupConnection(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := request.RequireString("userId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	deviceID := request.GetString("deviceId", "")

	if deviceID != "" {
		conn, ok := s.registry.Lookup(Key{UserID: userID, Role: RoleDevice, DeviceID: deviceID})
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("device %s of user %s is not connected", deviceID, userID)), nil
		}
		return jsonResult(conn.Info())
	}

	conns := s.registry.ListUser(userID)
	if len(conns) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("user %s has no live connections", userID)), nil
	}
	return jsonResult(connectionInfos(conns))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
