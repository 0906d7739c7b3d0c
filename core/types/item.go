package types

// Item is the minimal contract an application asset must satisfy to be held by
// a marketplace: a stable unique identity. Items are moved by value; whoever
// receives the value returned by an operation holds the item.
//
// Implementations are persisted with RLP, so they must be structs (or other
// RLP-encodable values) whose exported fields fully describe the item.
type Item interface {
	ItemID() ItemID
}
