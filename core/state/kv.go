package state

import "fmt"

// KV is the transactional key/value surface the settlement modules mutate.
// *Tx implements it.
type KV interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

var _ KV = (*Tx)(nil)

type storedNonce struct {
	Value uint64
}

// NextNonce increments the instance counter and returns the new value. It is
// used to derive listing and escrow identifiers that never repeat, even when
// the same item is listed again after a sale.
func NextNonce(kv KV, ks Keyspace) (uint64, error) {
	var current storedNonce
	if _, err := kv.KVGet(ks.Nonce(), &current); err != nil {
		return 0, fmt.Errorf("state: load nonce: %w", err)
	}
	current.Value++
	if err := kv.KVPut(ks.Nonce(), &current); err != nil {
		return 0, fmt.Errorf("state: store nonce: %w", err)
	}
	return current.Value, nil
}

// EncodeItem serialises an application item for storage inside a record.
func EncodeItem[T any](item T) ([]byte, error) {
	raw, err := Encode(item)
	if err != nil {
		return nil, fmt.Errorf("state: encode item: %w", err)
	}
	return raw, nil
}

// DecodeItem restores an item serialised by EncodeItem.
func DecodeItem[T any](raw []byte) (T, error) {
	var item T
	if err := Decode(raw, &item); err != nil {
		return item, fmt.Errorf("state: decode item: %w", err)
	}
	return item, nil
}
