package services

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mbocsi/lorarelay/proto"
	"github.com/mbocsi/lorarelay/server"
)

// convertDevice converts a registry entry to DeviceInfo
func convertDevice(d server.Device, depth int) DeviceInfo {
	info := DeviceInfo{
		ID:         d.Id,
		Format:     d.Encoding,
		State:      d.State.String(),
		Transport:  d.Transport,
		FirstSeen:  d.FirstSeen,
		LastSeen:   d.LastSeen,
		QueueDepth: depth,
		Radio:      d.Radio,
	}
	if tok, ok := proto.Compact(d.Id); ok {
		info.Token = tok.String()
	}
	return info
}

func convertCommand(cmd server.PendingCommand) CommandInfo {
	return CommandInfo{
		Target:     cmd.Target,
		Source:     cmd.Source,
		BodyHex:    hex.EncodeToString(cmd.Body),
		Size:       len(cmd.Body),
		SessionID:  cmd.SessionID,
		EnqueuedAt: cmd.EnqueuedAt,
	}
}

// convertTransportMeta converts transport metadata to TransportInfo
func convertTransportMeta(index int, transport server.Transport) TransportInfo {
	meta := transport.Meta()

	status := "disconnected"
	if meta.Connected {
		status = "connected"
	}

	return TransportInfo{
		Index:       index,
		ID:          meta.ID,
		Name:        meta.Name,
		Type:        meta.Protocol,
		Address:     meta.Address,
		Status:      status,
		Connections: meta.Clients,
	}
}

// isReachable mirrors the registry's window without evicting, so lapsed
// devices stay listable until the coordinator next reads the reachable set.
func isReachable(coord *server.Coordinator, d server.Device, now time.Time) bool {
	return now.Sub(d.LastSeen) < coord.Registry.Timeout()
}

// resolveDevice accepts a full device id or a 4-hex compact token. Tokens
// resolve against the known devices in registration order.
func resolveDevice(coord *server.Coordinator, ref string) (string, error) {
	if _, ok := coord.Registry.Get(ref); ok {
		return ref, nil
	}

	tok, err := proto.ParseToken(ref)
	if err != nil {
		return "", ServiceError{
			Code:    ErrCodeNotFound,
			Message: "Device not found: " + ref,
		}
	}

	var known []string
	for _, d := range coord.Registry.List() {
		known = append(known, d.Id)
	}
	id, ok := proto.Resolve(tok, known)
	if !ok {
		return "", ServiceError{
			Code:    ErrCodeNotFound,
			Message: fmt.Sprintf("No device with token %s", tok),
		}
	}
	if n := proto.Collisions(tok, known); n > 1 {
		slog.Warn("Token matches several devices, using the first", "token", tok.String(), "matches", n, "device", id)
	}
	return id, nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
