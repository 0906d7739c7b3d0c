package marketd

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"bazaar/core/events"
	"bazaar/native/escrow"
	"bazaar/native/listing"
)

// SettlementRow is one movement of funds reconstructed from the event log.
type SettlementRow struct {
	Sequence   int64
	RecordedAt time.Time
	Kind       string
	Reference  string
	ItemID     string
	Payer      string
	Payee      string
	Amount     string
	Currency   string
}

const reportPageSize = 500

// SettlementRows scans the log after seq and returns every sale, settled
// escrow and withdrawal.
func SettlementRows(ctx context.Context, log *EventLog, after int64) ([]SettlementRow, error) {
	var rows []SettlementRow
	for {
		batch, err := log.After(ctx, after, reportPageSize)
		if err != nil {
			return nil, err
		}
		for _, rec := range batch {
			if row, ok := settlementFromRecord(rec); ok {
				rows = append(rows, row)
			}
			after = rec.Sequence
		}
		if len(batch) < reportPageSize {
			return rows, nil
		}
	}
}

func settlementFromRecord(rec Record) (SettlementRow, bool) {
	a := rec.Attributes
	row := SettlementRow{
		Sequence:   rec.Sequence,
		RecordedAt: rec.RecordedAt,
		ItemID:     a["itemId"],
		Currency:   a["currency"],
	}
	switch rec.Type {
	case listing.EventTypeItemSold:
		row.Kind = "sale"
		row.Reference = a["listingId"]
		row.Payer = a["buyer"]
		row.Payee = a["owner"]
		row.Amount = a["price"]
	case escrow.EventTypeEscrowReleased:
		row.Kind = "escrow_release"
		row.Reference = a["escrowId"]
		row.Payer = a["buyer"]
		row.Payee = a["seller"]
		row.Amount = a["price"]
	case escrow.EventTypeEscrowResolved:
		row.Kind = "escrow_" + a["resolution"]
		row.Reference = a["escrowId"]
		row.Payer = a["buyer"]
		row.Payee = a["seller"]
		if a["resolution"] == escrow.ResolutionRefund.String() {
			row.Payee = a["buyer"]
		}
		row.Amount = a["price"]
	case events.TypeProfitsWithdrawn:
		row.Kind = "withdrawal"
		row.Payer = a["instance"]
		row.Payee = a["owner"]
		row.Amount = a["amount"]
	default:
		return SettlementRow{}, false
	}
	return row, true
}

// WriteSettlementReport writes rows as settlements.csv and
// settlements.parquet under dir and returns both paths.
func WriteSettlementReport(dir string, rows []SettlementRow) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	csvPath := filepath.Join(dir, "settlements.csv")
	if err := writeSettlementCSV(csvPath, rows); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(dir, "settlements.parquet")
	if err := writeSettlementParquet(parquetPath, rows); err != nil {
		return "", "", err
	}
	return csvPath, parquetPath, nil
}

func writeSettlementCSV(path string, rows []SettlementRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{"sequence", "recorded_at", "kind", "reference", "item_id", "payer", "payee", "amount", "currency"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("report: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatInt(row.Sequence, 10),
			row.RecordedAt.UTC().Format(time.RFC3339),
			row.Kind,
			row.Reference,
			row.ItemID,
			row.Payer,
			row.Payee,
			row.Amount,
			row.Currency,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("report: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("report: flush csv: %w", err)
	}
	return nil
}

// Amounts stay decimal strings; they are arbitrary precision.
type settlementParquetRow struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	RecordedAt string `parquet:"name=recorded_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind       string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reference  string `parquet:"name=reference, type=BYTE_ARRAY, convertedtype=UTF8"`
	ItemID     string `parquet:"name=item_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Payer      string `parquet:"name=payer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Payee      string `parquet:"name=payee, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount     string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Currency   string `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeSettlementParquet(path string, rows []SettlementRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(settlementParquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("report: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		pr := &settlementParquetRow{
			Sequence:   row.Sequence,
			RecordedAt: row.RecordedAt.UTC().Format(time.RFC3339),
			Kind:       row.Kind,
			Reference:  row.Reference,
			ItemID:     row.ItemID,
			Payer:      row.Payer,
			Payee:      row.Payee,
			Amount:     row.Amount,
			Currency:   row.Currency,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("report: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("report: parquet flush: %w", err)
	}
	return file.Close()
}
