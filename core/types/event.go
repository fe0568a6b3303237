package types

// Event is the wire form of one exchange event: a type tag plus flat string
// attributes, as served over RPC and the websocket stream.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
