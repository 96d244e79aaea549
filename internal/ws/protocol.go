package ws

import "encoding/json"

// ClientMessage is sent from the browser to the server. When ID is
// non-nil the client expects exactly one ack carrying the same ID (the
// correlation id of the request).
type ClientMessage struct {
	ID    *int64          `json:"id,omitempty"`
	Event string          `json:"event"`
	Args  json.RawMessage `json:"args"`
}

// AckMessage answers a client request.
type AckMessage struct {
	ID   int64       `json:"id"`
	Data interface{} `json:"data"`
}

// ServerMessage is a server-initiated push (no ack expected).
type ServerMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Reserved push event names.
const (
	EventStackList     = "stackList"
	EventContainerList = "containerList"
	EventImageList     = "imageList"
	EventNetworkList   = "networkList"
	EventVolumeList    = "volumeList"
	EventAgentStatus   = "agentStatus"
	EventTerminalOut   = "terminalOutput"
	EventInfo          = "info"

	// EventResync tells the client its queue overflowed and it must
	// re-request the named list.
	EventResync = "resync"
)

// OkResponse is the standard ack payload for successful operations.
type OkResponse struct {
	OK    bool   `json:"ok"`
	Msg   string `json:"msg,omitempty"`
	Token string `json:"token,omitempty"`
}

// ErrorResponse is the standard ack payload for failed operations.
type ErrorResponse struct {
	OK   bool   `json:"ok"`
	Msg  string `json:"msg"`
	Kind string `json:"kind,omitempty"`
}
