package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbocsi/lorarelay/services"
)

// RelayTools exposes the relay's service layer as MCP tools
type RelayTools struct {
	services *services.ServiceContainer
}

func NewRelayTools(serviceContainer *services.ServiceContainer) *RelayTools {
	return &RelayTools{services: serviceContainer}
}

// Register adds every relay tool to s
func (m *RelayTools) Register(s *MCPServer) {
	s.Server.AddTool(mcp.NewTool("list_devices",
		mcp.WithDescription("List end devices known to the relay with their reachability, state and queued command count"),
		mcp.WithBoolean("reachable_only",
			mcp.Description("Only include devices heard within the reachability window"),
		),
	), m.handleListDevices)

	s.Server.AddTool(mcp.NewTool("get_pending_commands",
		mcp.WithDescription("List commands waiting for their target's next uplink"),
		mcp.WithString("target",
			mcp.Description("Device id or 4-hex compact token; omit for all targets"),
		),
	), m.handleGetPending)

	s.Server.AddTool(mcp.NewTool("queue_command",
		mcp.WithDescription("Queue a command for a reachable device. It is delivered as the reply to the device's next uplink"),
		mcp.WithString("target",
			mcp.Required(),
			mcp.Description("Device id or 4-hex compact token"),
		),
		mcp.WithString("message",
			mcp.Description("Command body as text"),
		),
		mcp.WithString("hex",
			mcp.Description("Command body as hex bytes, instead of message"),
		),
	), m.handleQueueCommand)

	s.Server.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List open discovery and command sessions awaiting completion"),
	), m.handleListSessions)

	s.Server.AddTool(mcp.NewTool("get_relay_stats",
		mcp.WithDescription("Get relay counters, round-trip statistics and transport status"),
		mcp.WithBoolean("include_transports",
			mcp.Description("Include transport information"),
		),
	), m.handleGetStats)
}

func (m *RelayTools) handleListDevices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices, err := m.services.Device.ListDevices()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error listing devices: %v", err)), nil
	}

	if request.GetBool("reachable_only", false) {
		filtered := devices[:0]
		for _, d := range devices {
			if d.Reachable {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}

	return jsonResult(map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	})
}

func (m *RelayTools) handleGetPending(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		pending []services.CommandInfo
		err     error
	)
	if target := request.GetString("target", ""); target != "" {
		pending, err = m.services.Command.GetPending(target)
	} else {
		pending, err = m.services.Command.ListPending()
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error reading queue: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"commands": pending,
		"count":    len(pending),
	})
}

func (m *RelayTools) handleQueueCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := request.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError("target is required and must be a string"), nil
	}

	cmd, err := m.services.Command.QueueCommand(services.CommandRequest{
		Target:  target,
		Message: request.GetString("message", ""),
		Hex:     request.GetString("hex", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to queue command: %v", err)), nil
	}
	return jsonResult(cmd)
}

func (m *RelayTools) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := m.services.Session.ListSessions()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error listing sessions: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (m *RelayTools) handleGetStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := m.services.Stats.GetStats()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error reading stats: %v", err)), nil
	}

	status := map[string]interface{}{
		"stats": stats,
	}
	if request.GetBool("include_transports", true) {
		if transports, err := m.services.Transport.ListTransports(); err == nil {
			status["transports"] = transports
		}
	}
	return jsonResult(status)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
