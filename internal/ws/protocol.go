package ws

import "github.com/storeyes/livecount/internal/state"

type MessageType string

const (
	MsgState MessageType = "state"
	MsgError MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// StatePayload is the published state plus the connection state it was
// observed under.
type StatePayload struct {
	state.State
	Connection string `json:"connection"`
}

type LifecycleRequest struct {
	// State is a host app state: active, inactive, background or foreground.
	State string `json:"state"`
}

type LifecycleResponse struct {
	Phase   string `json:"phase"`
	Changed bool   `json:"changed"`
}

type HealthPayload struct {
	Connection    string  `json:"connection"`
	ActiveStreams int     `json:"activeStreams"`
	Subscribers   int     `json:"subscribers"`
	Clients       int     `json:"clients"`
	PID           int32   `json:"pid"`
	RSSBytes      uint64  `json:"rssBytes,omitempty"`
	CPUPercent    float64 `json:"cpuPercent,omitempty"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
}
