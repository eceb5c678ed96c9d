// internal/protocol/messages.go
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message kinds exchanged over the /ws endpoint.
const (
	TypeRegister      = "register"
	TypeRegistered    = "registered"
	TypeError         = "error"
	TypeData          = "data"
	TypeViewerHello   = "viewer_hello"
	TypeSnapshot      = "snapshot"
	TypeHostOnline    = "host_online"
	TypeHostOffline   = "host_offline"
	TypeMetricsUpdate = "metrics_update"
	TypeHeartbeat     = "heartbeat"
	TypeHeartbeatAck  = "heartbeat_ack"
)

type HostStatus string

const (
	StatusOnline  HostStatus = "online"
	StatusOffline HostStatus = "offline"
)

// Envelope is the frame shape in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is the outbound counterpart of Envelope with an unencoded payload.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Encode marshals a message of the given kind into a single frame.
func Encode(kind string, data interface{}) ([]byte, error) {
	frame, err := json.Marshal(Message{Type: kind, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", kind, err)
	}
	return frame, nil
}

// Decode parses a frame into its envelope. The payload is left raw so the
// caller can decode it according to Type.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame has no type")
	}
	return &env, nil
}

// DecodeData unmarshals the envelope payload into v. An absent payload
// leaves v untouched.
func (e *Envelope) DecodeData(v interface{}) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("malformed %s payload: %w", e.Type, err)
	}
	return nil
}

// agent -> hub

type Register struct {
	Credential string `json:"credential"`
}

type Data struct {
	SystemInfo *SystemInfo `json:"system_info,omitempty"`
	Metrics    *Metrics    `json:"metrics,omitempty"`
}

// hub -> agent

type Registered struct {
	HostID string `json:"host_id"`
}

type ErrorReply struct {
	Message string `json:"message"`
}

// MessageInvalidCredential is the error reply sent before the hub closes
// a connection whose credential matches no host.
const MessageInvalidCredential = "Invalid credential"

// hub -> viewer

type HostOnline struct {
	HostID string `json:"host_id"`
	Name   string `json:"name"`
}

type HostOffline struct {
	HostID string `json:"host_id"`
}

type MetricsUpdate struct {
	HostID     string      `json:"host_id"`
	SystemInfo *SystemInfo `json:"system_info,omitempty"`
	Metrics    *Metrics    `json:"metrics,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// HostView is a host as shown to viewers. It never carries the credential.
type HostView struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    HostStatus `json:"status"`
	LastSeen  time.Time  `json:"last_seen"`
	CreatedAt time.Time  `json:"created_at"`
}

type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Metrics
}

type SnapshotEntry struct {
	Host         HostView    `json:"host"`
	SystemInfo   *SystemInfo `json:"system_info"`
	LatestSample *Sample     `json:"latest_sample"`
}

type Snapshot struct {
	Hosts []SnapshotEntry `json:"hosts"`
}
