package marketd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bazaar/native/capability"
)

// capabilityFile is what marketd writes once, when it creates the instance.
// The tokens are never recoverable afterwards.
type capabilityFile struct {
	Instance  string    `json:"instance"`
	Currency  string    `json:"currency"`
	Withdraw  string    `json:"withdrawCapability"`
	Admin     string    `json:"adminCapability"`
	CreatedAt time.Time `json:"createdAt"`
}

func writeCapabilities(path, currency string, w capability.WithdrawCap, a capability.AdminCap, now time.Time) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("capability file %s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	withdraw, err := w.MarshalText()
	if err != nil {
		return err
	}
	admin, err := a.MarshalText()
	if err != nil {
		return err
	}
	payload := capabilityFile{
		Instance:  w.Instance().String(),
		Currency:  currency,
		Withdraw:  string(withdraw),
		Admin:     string(admin),
		CreatedAt: now.UTC(),
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
