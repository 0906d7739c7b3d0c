package state

import (
	"errors"
	"math/big"
	"testing"

	"bazaar/storage"
)

type record struct {
	Name   string
	Amount *big.Int
}

func newTestManager(t *testing.T) (*Manager, *storage.MemDB) {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	return NewManager(db), db
}

func TestTxReadsOwnWrites(t *testing.T) {
	mgr, _ := newTestManager(t)
	tx := mgr.Begin()
	if err := tx.KVPut([]byte("k"), &record{Name: "a", Amount: big.NewInt(7)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	var got record
	ok, err := tx.KVGet([]byte("k"), &got)
	if err != nil || !ok {
		t.Fatalf("expected staged value, ok=%v err=%v", ok, err)
	}
	if got.Name != "a" || got.Amount.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if ok, _ := mgr.KVGet([]byte("k"), nil); ok {
		t.Fatalf("uncommitted write must not be visible")
	}
}

func TestTxCommitAppliesAtomically(t *testing.T) {
	mgr, _ := newTestManager(t)
	seed := mgr.Begin()
	if err := seed.KVPut([]byte("old"), &record{Name: "old"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := seed.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx := mgr.Begin()
	if err := tx.KVDelete([]byte("old")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tx.KVPut([]byte("new"), &record{Name: "new"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ok, _ := tx.KVHas([]byte("old")); ok {
		t.Fatalf("staged delete should hide committed key")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if ok, _ := mgr.KVGet([]byte("old"), nil); ok {
		t.Fatalf("old key should be gone")
	}
	var got record
	if ok, err := mgr.KVGet([]byte("new"), &got); err != nil || !ok || got.Name != "new" {
		t.Fatalf("new key not committed: ok=%v err=%v rec=%+v", ok, err, got)
	}
}

func TestTxDiscardLeavesStateUntouched(t *testing.T) {
	mgr, _ := newTestManager(t)
	tx := mgr.Begin()
	if err := tx.KVPut([]byte("k"), &record{Name: "x"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	tx.Discard()
	if ok, _ := mgr.KVGet([]byte("k"), nil); ok {
		t.Fatalf("discarded write leaked")
	}
	if err := tx.KVPut([]byte("k"), &record{}); !errors.Is(err, ErrTxClosed) {
		t.Fatalf("expected ErrTxClosed, got %v", err)
	}
	if err := tx.Commit(); !errors.Is(err, ErrTxClosed) {
		t.Fatalf("expected ErrTxClosed on commit, got %v", err)
	}
}

func TestKVIterateDecodes(t *testing.T) {
	mgr, _ := newTestManager(t)
	tx := mgr.Begin()
	for _, name := range []string{"b", "a", "c"} {
		if err := tx.KVPut([]byte("p/"+name), &record{Name: name}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	var names []string
	err := mgr.KVIterate([]byte("p/"), func(key, raw []byte) bool {
		var rec record
		if err := Decode(raw, &rec); err != nil {
			t.Fatalf("decode: %v", err)
		}
		names = append(names, rec.Name)
		return true
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(names) != 3 || names[0] != "a" || names[2] != "c" {
		t.Fatalf("unexpected order: %v", names)
	}
}

func TestKVRejectsEmptyKey(t *testing.T) {
	mgr, _ := newTestManager(t)
	tx := mgr.Begin()
	if err := tx.KVPut(nil, &record{}); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := mgr.KVGet(nil, nil); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestEnsureSchemaVersion(t *testing.T) {
	mgr, _ := newTestManager(t)
	if err := EnsureSchemaVersion(mgr); err != nil {
		t.Fatalf("stamp fresh database: %v", err)
	}
	version, ok, err := mgr.StoredSchemaVersion()
	if err != nil || !ok || version != SchemaVersion {
		t.Fatalf("unexpected stored version %d ok=%v err=%v", version, ok, err)
	}
	if err := EnsureSchemaVersion(mgr); err != nil {
		t.Fatalf("matching version must pass: %v", err)
	}

	tx := mgr.Begin()
	if err := tx.KVPut(schemaVersionKey, SchemaVersion+1); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := EnsureSchemaVersion(mgr); !errors.Is(err, ErrSchemaVersionMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}
