// Package api defines the JSON message shapes exchanged over the
// WebSocket stream.
package api

import (
	"github.com/gpuscope/gpuscope/internal/gpu"
	"github.com/gpuscope/gpuscope/internal/procwatch"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type         string          `json:"type"`
	IntervalMS   int             `json:"interval_ms"`
	HistoryDepth int             `json:"history_depth"`
	GPUs         []gpu.Device    `json:"gpus"`
	Features     map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS, historyDepth int, devices []gpu.Device, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:         "hello",
		IntervalMS:   intervalMS,
		HistoryDepth: historyDepth,
		GPUs:         devices,
		Features:     features,
	}
}

// StatsMessage wraps one live snapshot for transport.
type StatsMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	gpu.Snapshot
}

// NewStatsMessage constructs a stats payload.
func NewStatsMessage(deviceID string, snap gpu.Snapshot) StatsMessage {
	return StatsMessage{
		Type:     "stats",
		DeviceID: deviceID,
		Snapshot: snap,
	}
}

// HistoryMessage carries the buffered backlog sent once per
// subscription, oldest snapshot first.
type HistoryMessage struct {
	Type      string         `json:"type"`
	DeviceID  string         `json:"device_id"`
	Snapshots []gpu.Snapshot `json:"snapshots"`
}

// NewHistoryMessage constructs a history payload.
func NewHistoryMessage(deviceID string, snapshots []gpu.Snapshot) HistoryMessage {
	return HistoryMessage{
		Type:      "history",
		DeviceID:  deviceID,
		Snapshots: snapshots,
	}
}

// ProcsMessage wraps a process snapshot for transport.
type ProcsMessage struct {
	Type string `json:"type"`
	procwatch.Snapshot
}

// NewProcsMessage constructs a procs payload.
func NewProcsMessage(snapshot procwatch.Snapshot) ProcsMessage {
	return ProcsMessage{
		Type:     "procs",
		Snapshot: snapshot,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// SubscribeMessage requests a switch to another device's stream.
type SubscribeMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
