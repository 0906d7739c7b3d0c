package types

// Event represents a typed notification emitted by a committed operation.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
