package state

import (
	"errors"
	"fmt"
)

// SchemaVersion identifies the on-disk layout of marketplace state. Bump it
// whenever a stored record or key layout changes incompatibly.
const SchemaVersion uint64 = 1

var (
	schemaVersionKey = []byte("mkt/schema-version")
	// ErrSchemaVersionMismatch is returned when the database was written by an
	// incompatible binary.
	ErrSchemaVersionMismatch = errors.New("state: schema version mismatch")
)

// StoredSchemaVersion returns the recorded schema version, if any.
func (m *Manager) StoredSchemaVersion() (uint64, bool, error) {
	var stored uint64
	ok, err := m.KVGet(schemaVersionKey, &stored)
	if err != nil {
		return 0, false, err
	}
	return stored, ok, nil
}

// EnsureSchemaVersion stamps an empty database with SchemaVersion and rejects
// one stamped with anything else.
func EnsureSchemaVersion(m *Manager) error {
	if m == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	version, ok, err := m.StoredSchemaVersion()
	if err != nil {
		return err
	}
	if ok {
		if version != SchemaVersion {
			return fmt.Errorf("%w: on-disk=%d expected=%d", ErrSchemaVersionMismatch, version, SchemaVersion)
		}
		return nil
	}
	tx := m.Begin()
	if err := tx.KVPut(schemaVersionKey, SchemaVersion); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}
