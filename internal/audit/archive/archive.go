// Package archive exports audit events to columnar Parquet files for
// long-term cold storage, using xitongsys/parquet-go the way the broader
// example corpus uses it for analytical exports — the audit trail is the
// one dataset in this system large and regular enough to benefit from a
// columnar format.
package archive

import (
	"fmt"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/audit"
)

// Row is the flattened, Parquet-tagged projection of an audit.Event.
type Row struct {
	EventType     string `parquet:"name=event_type, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	CorrelationID string `parquet:"name=correlation_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProposalID    string `parquet:"name=proposal_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Data          string `parquet:"name=data, type=BYTE_ARRAY, convertedtype=UTF8"`
	AtUnixMillis  int64  `parquet:"name=at_unix_millis, type=INT64"`
}

// WriteRows writes events to a Parquet file at path, one row group,
// snappy-compressed.
func WriteRows(path string, events []audit.Event) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer fw.Close()

	pw, err := writer.NewParquetWriter(fw, new(Row), 4)
	if err != nil {
		return fmt.Errorf("archive: init writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, e := range events {
		row := Row{
			EventType:     e.EventType,
			CorrelationID: e.CorrelationID,
			ProposalID:    e.ProposalID,
			Data:          e.Data,
			AtUnixMillis:  e.At.UnixMilli(),
		}
		if err := pw.Write(row); err != nil {
			return fmt.Errorf("archive: write row: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("archive: finalize: %w", err)
	}
	return nil
}
