package relay

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"dungeongate/storage"
)

// Report summarises one reconciliation export.
type Report struct {
	CSVPath     string `json:"csvPath"`
	ParquetPath string `json:"parquetPath"`
	Rows        int    `json:"rows"`
	Unresolved  int    `json:"unresolved"`
	Failed      int    `json:"failed"`
}

// WriteReport exports every queue entry touched inside [start, end] as CSV
// and Parquet under dir, one pair of files per run. Operations teams feed
// these into their settlement tooling to cross-check the ledger.
func (s *Service) WriteReport(ctx context.Context, dir string, start, end time.Time) (*Report, error) {
	entries, err := s.store.EntriesBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("relay: load report window: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("relay: create report dir: %w", err)
	}
	base := fmt.Sprintf("queue_%s_%s", start.UTC().Format("20060102T150405"), end.UTC().Format("20060102T150405"))
	csvPath := filepath.Join(dir, base+".csv")
	if err := writeReportCSV(csvPath, entries); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(dir, base+".parquet")
	if err := writeReportParquet(parquetPath, entries); err != nil {
		return nil, err
	}

	report := &Report{CSVPath: csvPath, ParquetPath: parquetPath, Rows: len(entries)}
	for _, e := range entries {
		switch e.Status {
		case storage.StatusSubmitted:
			report.Unresolved++
		case storage.StatusFailed:
			report.Failed++
		}
	}
	s.log.Info("reconciliation report written", "csv", csvPath, "parquet", parquetPath, "rows", report.Rows, "unresolved", report.Unresolved)
	return report, nil
}

func writeReportCSV(path string, entries []storage.QueueEntry) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("relay: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{"id", "action_id", "caller_id", "method", "status", "tx_ref", "error", "created_at", "updated_at"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("relay: write csv header: %w", err)
	}
	for _, e := range entries {
		record := []string{
			fmt.Sprintf("%d", e.ID),
			e.ActionID,
			e.CallerID,
			e.Method,
			string(e.Status),
			e.TxRef,
			e.Error,
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("relay: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("relay: flush csv: %w", err)
	}
	return nil
}

type parquetQueueRow struct {
	ID        int64  `parquet:"name=id, type=INT64"`
	ActionID  string `parquet:"name=action_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	CallerID  string `parquet:"name=caller_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Method    string `parquet:"name=method, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status    string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxRef     string `parquet:"name=tx_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	Error     string `parquet:"name=error, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt string `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeReportParquet(path string, entries []storage.QueueEntry) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("relay: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetQueueRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("relay: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, e := range entries {
		row := &parquetQueueRow{
			ID:        int64(e.ID),
			ActionID:  e.ActionID,
			CallerID:  e.CallerID,
			Method:    e.Method,
			Status:    string(e.Status),
			TxRef:     e.TxRef,
			Error:     e.Error,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt: e.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("relay: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("relay: close parquet: %w", err)
	}
	return file.Close()
}
