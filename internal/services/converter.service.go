package services

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"opmsync/internal/models"
	"opmsync/internal/types"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/shopspring/decimal"
)

const (
	RawFieldDelimiter     = '|'
	DefaultConverterBatch = 65536
	rawReadBufferSize     = 1 << 20
	utf8BOM               = "\ufeff"
)

type ConversionResult struct {
	Path             string          `json:"path"`
	Rows             int64           `json:"rows"`
	Columns          []string        `json:"columns"`
	RawBytes         int64           `json:"rawBytes"`
	ColumnarBytes    int64           `json:"columnarBytes"`
	CompressionRatio decimal.Decimal `json:"compressionRatio"`
}

type ConverterService struct {
	scratch   *ScratchService
	batchRows int
	mem       memory.Allocator
	log       logger.Logger
}

func NewConverterService(scratch *ScratchService, batchRows int) *ConverterService {
	if batchRows <= 0 {
		batchRows = DefaultConverterBatch
	}

	return &ConverterService{
		scratch:   scratch,
		batchRows: batchRows,
		mem:       memory.DefaultAllocator,
		log:       logger.New("converterService"),
	}
}

// Convert writes the job's pipe-delimited raw file as zstd Parquet with every
// field kept as an opaque string. The output is verified before it is
// reported; on any failure it is removed and the raw file is left untouched.
func (cs *ConverterService) Convert(
	ctx context.Context,
	job models.Job,
	rawPath string,
) (ConversionResult, error) {
	log := cs.log.TraceFromContext(ctx).Function("Convert")
	outPath := cs.scratch.ColumnarPath(job)

	rows, columns, err := cs.write(ctx, rawPath, outPath)
	if err == nil {
		err = verifyColumnar(outPath, rows, columns)
	}
	if err != nil {
		if removeErr := removeIfExists(outPath); removeErr != nil {
			log.Warn("Failed to remove partial columnar file", "path", outPath, "error", removeErr)
		}
		if ctx.Err() != nil {
			return ConversionResult{}, ctx.Err()
		}
		return ConversionResult{}, log.Err("conversion failed", err, "job", job.String(), "raw", rawPath)
	}

	result := ConversionResult{
		Path:          outPath,
		Rows:          rows,
		Columns:       columns,
		RawBytes:      fileSize(rawPath),
		ColumnarBytes: fileSize(outPath),
	}
	result.CompressionRatio = CompressionRatio(result.RawBytes, result.ColumnarBytes)

	log.Info("Converted raw file",
		"job", job.String(),
		"rows", rows,
		"columns", len(columns),
		"rawBytes", result.RawBytes,
		"columnarBytes", result.ColumnarBytes,
		"ratio", result.CompressionRatio.String())

	return result, nil
}

func (cs *ConverterService) write(
	ctx context.Context,
	rawPath, outPath string,
) (int64, []string, error) {
	log := cs.log.Function("write")

	in, err := os.Open(rawPath)
	if err != nil {
		return 0, nil, types.KindError(types.ErrConversionIntegrity, "open raw file: %v", err)
	}
	defer func() {
		if closeErr := in.Close(); closeErr != nil {
			log.Warn("Failed to close raw file", "path", rawPath, "error", closeErr)
		}
	}()

	reader := csv.NewReader(bufio.NewReaderSize(in, rawReadBufferSize))
	reader.Comma = RawFieldDelimiter
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return 0, nil, types.KindError(types.ErrConversionIntegrity, "empty input: no header row")
	}
	if err != nil {
		return 0, nil, types.KindError(types.ErrConversionIntegrity, "unreadable header: %v", err)
	}
	columns := ColumnNames(header)

	fields := make([]arrow.Field, len(columns))
	for i, name := range columns {
		fields[i] = arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	out, err := os.Create(outPath)
	if err != nil {
		return 0, nil, fmt.Errorf("create columnar file: %w", err)
	}
	defer func() {
		// The parquet writer closes the file on success; this covers early returns.
		_ = out.Close()
	}()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithAllocator(cs.mem),
	)
	writer, err := pqarrow.NewFileWriter(schema, out, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return 0, nil, fmt.Errorf("open parquet writer: %w", err)
	}

	builder := array.NewRecordBuilder(cs.mem, schema)
	defer builder.Release()

	builders := make([]*array.StringBuilder, len(columns))
	for i := range columns {
		builders[i] = builder.Field(i).(*array.StringBuilder)
	}

	flush := func() error {
		record := builder.NewRecord()
		defer record.Release()
		return writer.Write(record)
	}

	var rows int64
	pending := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = writer.Close()
			return 0, nil, types.KindError(types.ErrConversionIntegrity, "malformed row: %v", err)
		}

		for i, value := range record {
			if value == "" {
				builders[i].AppendNull()
				continue
			}
			builders[i].Append(value)
		}
		rows++
		pending++

		if pending == cs.batchRows {
			if err := flush(); err != nil {
				_ = writer.Close()
				return 0, nil, fmt.Errorf("write row batch: %w", err)
			}
			pending = 0

			if err := ctx.Err(); err != nil {
				_ = writer.Close()
				return 0, nil, err
			}
		}
	}

	if rows == 0 {
		_ = writer.Close()
		return 0, nil, types.KindError(types.ErrConversionIntegrity, "empty input: header with zero data rows")
	}

	if pending > 0 {
		if err := flush(); err != nil {
			_ = writer.Close()
			return 0, nil, fmt.Errorf("write final row batch: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return 0, nil, fmt.Errorf("finalize parquet file: %w", err)
	}

	return rows, columns, nil
}

// verifyColumnar re-opens the written file and checks its row count and
// column names and order against what was read.
func verifyColumnar(path string, rows int64, columns []string) error {
	reader, err := file.OpenParquetFile(path, false)
	if err != nil {
		return types.KindError(types.ErrConversionIntegrity, "reopen output: %v", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	if got := reader.NumRows(); got != rows {
		return types.KindError(
			types.ErrConversionIntegrity,
			"row count mismatch: wrote %d, read back %d",
			rows,
			got,
		)
	}

	schema := reader.MetaData().Schema
	if got := schema.NumColumns(); got != len(columns) {
		return types.KindError(
			types.ErrConversionIntegrity,
			"column count mismatch: wrote %d, read back %d",
			len(columns),
			got,
		)
	}
	for i, name := range columns {
		if got := schema.Column(i).Name(); got != name {
			return types.KindError(
				types.ErrConversionIntegrity,
				"column %d mismatch: wrote %q, read back %q",
				i,
				name,
				got,
			)
		}
	}

	return nil
}

// ColumnNames keeps header names exactly as written, surrounding spaces
// included. Only a leading byte order mark is dropped; empty names become
// "Unnamed: <i>" and repeated names get ".1", ".2" suffixes.
func ColumnNames(header []string) []string {
	columns := make([]string, len(header))
	seen := make(map[string]int, len(header))

	for i, raw := range header {
		name := raw
		if i == 0 {
			name = strings.TrimPrefix(name, utf8BOM)
		}
		if name == "" {
			name = fmt.Sprintf("Unnamed: %d", i)
		}

		if count, dup := seen[name]; dup {
			seen[name] = count + 1
			name = fmt.Sprintf("%s.%d", name, count+1)
		}
		seen[name] = 0
		columns[i] = name
	}

	return columns
}

// CompressionRatio is raw size over columnar size, rounded to two places.
func CompressionRatio(rawBytes, columnarBytes int64) decimal.Decimal {
	if columnarBytes <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(rawBytes).Div(decimal.NewFromInt(columnarBytes)).Round(2)
}
