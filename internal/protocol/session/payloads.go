package session

import "encoding/json"

// WireError is the JSON form of a failure carried inside a task outcome.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TaskOutcome is one entry of a task response, in request order.
type TaskOutcome struct {
	Task   string          `json:"task"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// NodeInfo answers the netronGetConfig task.
type NodeInfo struct {
	ID                string `json:"id"`
	ProtocolVersion   uint32 `json:"protocolVersion"`
	ProxifyContexts   bool   `json:"proxifyContexts"`
	ResponseTimeoutMS int64  `json:"responseTimeoutMs"`
}
