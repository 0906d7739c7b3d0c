package state

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"bazaar/storage"
)

// ErrTxClosed is returned when a transaction is used after Commit or Discard.
var ErrTxClosed = errors.New("state: transaction already closed")

// Manager provides RLP-encoded key/value access to a storage backend and opens
// the staged transactions every marketplace operation runs in.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Begin opens a transaction. Writes stay in the transaction's overlay until
// Commit applies them as one atomic batch.
func (m *Manager) Begin() *Tx {
	return &Tx{
		db:      m.db,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

// KVGet reads committed state. The boolean reports whether the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return decodeInto(data, out)
}

// KVIterate walks committed entries under prefix in key order. The raw RLP
// payload is handed to fn; use Decode to materialise it.
func (m *Manager) KVIterate(prefix []byte, fn func(key, raw []byte) bool) error {
	if len(prefix) == 0 {
		return fmt.Errorf("kv: prefix must not be empty")
	}
	return m.db.Iterate(prefix, fn)
}

// Decode decodes an RLP payload previously produced by KVPut.
func Decode(raw []byte, out interface{}) error {
	return rlp.DecodeBytes(raw, out)
}

// Encode produces the RLP payload KVPut would store for value.
func Encode(value interface{}) ([]byte, error) {
	return rlp.EncodeToBytes(value)
}

func decodeInto(data []byte, out interface{}) (bool, error) {
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Tx is a write overlay on top of committed state. Reads observe the
// transaction's own writes. A Tx is not safe for concurrent use; callers
// serialise transactions per marketplace instance.
type Tx struct {
	db      storage.Database
	writes  map[string][]byte
	deletes map[string]struct{}
	closed  bool
}

// KVGet retrieves the value stored under key, honouring pending writes.
func (t *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if t.closed {
		return false, ErrTxClosed
	}
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	k := string(key)
	if _, gone := t.deletes[k]; gone {
		return false, nil
	}
	if data, ok := t.writes[k]; ok {
		return decodeInto(data, out)
	}
	data, err := t.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return decodeInto(data, out)
}

// KVHas reports whether key exists, honouring pending writes.
func (t *Tx) KVHas(key []byte) (bool, error) {
	return t.KVGet(key, nil)
}

// KVPut stages value under key using RLP encoding.
func (t *Tx) KVPut(key []byte, value interface{}) error {
	if t.closed {
		return ErrTxClosed
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	k := string(key)
	delete(t.deletes, k)
	t.writes[k] = encoded
	return nil
}

// KVDelete stages the removal of key.
func (t *Tx) KVDelete(key []byte) error {
	if t.closed {
		return ErrTxClosed
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	k := string(key)
	delete(t.writes, k)
	t.deletes[k] = struct{}{}
	return nil
}

// Commit applies all staged changes in a single batch. The transaction is
// closed afterwards whether or not the write succeeded.
func (t *Tx) Commit() error {
	if t.closed {
		return ErrTxClosed
	}
	t.closed = true
	keys := make([]string, 0, len(t.writes)+len(t.deletes))
	for k := range t.writes {
		keys = append(keys, k)
	}
	for k := range t.deletes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batch := new(storage.Batch)
	for _, k := range keys {
		if data, ok := t.writes[k]; ok {
			batch.Put([]byte(k), data)
			continue
		}
		batch.Delete([]byte(k))
	}
	return t.db.Write(batch)
}

// Discard drops every staged change.
func (t *Tx) Discard() {
	t.closed = true
	t.writes = nil
	t.deletes = nil
}
