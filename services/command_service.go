package services

import (
	"encoding/hex"
	"strings"

	"github.com/mbocsi/lorarelay/server"
)

// CommandServiceImpl implements CommandService
type CommandServiceImpl struct {
	coord *server.Coordinator
}

// NewCommandService creates a new command service
func NewCommandService(coord *server.Coordinator) CommandService {
	return &CommandServiceImpl{
		coord: coord,
	}
}

// QueueCommand queues an operator command for delivery on the target's next uplink
func (cs *CommandServiceImpl) QueueCommand(req CommandRequest) (*CommandInfo, error) {
	if strings.TrimSpace(req.Target) == "" {
		return nil, ServiceError{
			Code:    ErrCodeInvalidInput,
			Message: "Target is required",
		}
	}
	if req.Message != "" && req.Hex != "" {
		return nil, ServiceError{
			Code:    ErrCodeInvalidInput,
			Message: "Specify either message or hex, not both",
		}
	}

	var body []byte
	switch {
	case req.Hex != "":
		b, err := hex.DecodeString(strings.TrimPrefix(req.Hex, "0x"))
		if err != nil {
			return nil, ServiceError{
				Code:    ErrCodeInvalidInput,
				Message: "Invalid hex body",
				Cause:   err,
			}
		}
		body = b
	case req.Message != "":
		body = []byte(req.Message)
	}

	target, err := resolveDevice(cs.coord, req.Target)
	if err != nil {
		return nil, err
	}

	cmd, err := cs.coord.QueueCommand(target, body)
	if err != nil {
		return nil, ServiceError{
			Code:    ErrCodeUnreachable,
			Message: "Device not reachable: " + target,
			Cause:   err,
		}
	}

	info := convertCommand(cmd)
	return &info, nil
}

// ListPending returns every queued command, grouped by target in registration order
func (cs *CommandServiceImpl) ListPending() ([]CommandInfo, error) {
	result := []CommandInfo{}
	seen := make(map[string]bool)
	for _, device := range cs.coord.Registry.List() {
		seen[device.Id] = true
		for _, cmd := range cs.coord.Queue.Peek(device.Id) {
			result = append(result, convertCommand(cmd))
		}
	}
	// targets that have lapsed out of the registry still hold commands until they expire
	for _, target := range sortedKeys(cs.coord.Queue.Pending()) {
		if seen[target] {
			continue
		}
		for _, cmd := range cs.coord.Queue.Peek(target) {
			result = append(result, convertCommand(cmd))
		}
	}
	return result, nil
}

// GetPending returns the queued commands for one target
func (cs *CommandServiceImpl) GetPending(target string) ([]CommandInfo, error) {
	resolved, err := resolveDevice(cs.coord, target)
	if err != nil {
		return nil, err
	}
	pending := cs.coord.Queue.Peek(resolved)
	result := make([]CommandInfo, 0, len(pending))
	for _, cmd := range pending {
		result = append(result, convertCommand(cmd))
	}
	return result, nil
}
