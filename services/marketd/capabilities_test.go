package marketd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bazaar/core/types"
	"bazaar/native/capability"
)

func TestWriteCapabilitiesOnce(t *testing.T) {
	instance := types.NewInstanceID()
	w, a, _, err := capability.Mint(instance)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "secrets", "capabilities.json")
	require.NoError(t, writeCapabilities(path, "USD", w, a, time.Now()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var stored capabilityFile
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Equal(t, instance.String(), stored.Instance)

	parsedW, err := capability.ParseWithdrawCap(stored.Withdraw)
	require.NoError(t, err)
	require.Equal(t, instance, parsedW.Instance())
	parsedA, err := capability.ParseAdminCap(stored.Admin)
	require.NoError(t, err)
	require.Equal(t, instance, parsedA.Instance())

	require.Error(t, writeCapabilities(path, "USD", w, a, time.Now()), "existing file must not be overwritten")
}
