package marketd

import (
	"context"
	"encoding/csv"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"bazaar/core/market"
	"bazaar/core/types"
	"bazaar/native/escrow"
	"bazaar/storage"
)

func TestSettlementReport(t *testing.T) {
	ctx := context.Background()
	eventLog, err := OpenEventLog(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer eventLog.Close()

	host := market.NewHost[Asset](storage.NewMemDB(), market.Options{
		Emitter: NewSink(eventLog, NewFeed(16, 0), nil),
	})
	inst, withdraw, admin, err := host.Create(addr(0xc0), "USD")
	require.NoError(t, err)
	seller, buyer := addr(1), addr(2)

	id, err := inst.List(seller, Asset{Ref: "lamp"}, big.NewInt(70))
	require.NoError(t, err)
	_, err = inst.BuyAndTake(buyer, id, types.NewPayment("USD", big.NewInt(70)))
	require.NoError(t, err)

	eid, err := inst.CreateEscrow(seller, Asset{Ref: "rug"}, big.NewInt(30), buyer)
	require.NoError(t, err)
	require.NoError(t, inst.PayToEscrow(buyer, eid, types.NewPayment("USD", big.NewInt(30))))
	require.NoError(t, inst.ResolveDispute(admin, eid, escrow.ResolutionRefund))

	_, err = inst.TakeProfits(withdraw, seller)
	require.NoError(t, err)

	rows, err := SettlementRows(ctx, eventLog, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "sale", rows[0].Kind)
	require.Equal(t, "70", rows[0].Amount)
	require.Equal(t, seller.String(), rows[0].Payee)
	require.Equal(t, "escrow_refund", rows[1].Kind)
	require.Equal(t, buyer.String(), rows[1].Payee)
	require.Equal(t, "withdrawal", rows[2].Kind)
	require.Equal(t, "70", rows[2].Amount)

	dir := t.TempDir()
	csvPath, parquetPath, err := WriteSettlementReport(dir, rows)
	require.NoError(t, err)

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	require.Equal(t, "kind", records[0][2])

	info, err := os.Stat(parquetPath)
	require.NoError(t, err)
	require.NotZero(t, info.Size())
}
