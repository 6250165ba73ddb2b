// Package report serializes a reconciled batch together with the session it was captured in.
package report

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/zombor/dotscan/internal/scanning"
)

// Format is an export file format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ErrUnknownFormat is returned for formats other than csv and xlsx
var ErrUnknownFormat = errors.New("unknown report format")

// ParseFormat accepts a format name case-insensitively. An empty name means CSV.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "csv":
		return FormatCSV, nil
	case "xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// ContentType returns the MIME type of the format
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// Session is the metadata the operator fills in for one capture session
type Session struct {
	Date           string `json:"date"`
	Location       string `json:"location"`
	OperatorCode   string `json:"operatorCode"`
	OperatorName   string `json:"operatorName"`
	ProductVariant string `json:"productVariant"`
}

// Rendered is one rendered export
type Rendered struct {
	Filename    string
	ContentType string
	Data        []byte
}

const sheetName = "Codes"

var header = []string{
	"Date", "Location", "Operator Code", "Operator Name", "Product Variant",
	"DOT Code", "Manufacturing Date", "Price", "Confidence", "Raw Text",
}

// Exporter renders reports and optionally keeps a copy of each one
type Exporter struct {
	storage Storage
	now     func() time.Time
}

// NewExporter creates an Exporter. storage may be nil to skip keeping copies.
func NewExporter(storage Storage) *Exporter {
	return &Exporter{storage: storage, now: time.Now}
}

// Export renders items in the given format. A session without a date gets today's.
func (e *Exporter) Export(format Format, session Session, items []scanning.ScannedItem) (*Rendered, error) {
	if strings.TrimSpace(session.Date) == "" {
		session.Date = e.now().Format(time.DateOnly)
	}

	var buf bytes.Buffer
	switch format {
	case FormatCSV:
		if err := e.CSV(&buf, session, items); err != nil {
			return nil, err
		}
	case FormatXLSX:
		data, err := e.XLSX(session, items)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	rendered := &Rendered{
		Filename:    Filename(session, format),
		ContentType: format.ContentType(),
		Data:        buf.Bytes(),
	}

	if e.storage != nil {
		if _, err := e.storage.Save(rendered.Filename, rendered.Data); err != nil {
			// The download still works without the saved copy
			slog.Error("Failed to keep report copy", "filename", rendered.Filename, "error", err)
		}
	}

	return rendered, nil
}

// CSV writes a header and one row per item
func (e *Exporter) CSV(w io.Writer, session Session, items []scanning.ScannedItem) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for _, item := range items {
		if err := cw.Write(row(session, item)); err != nil {
			return fmt.Errorf("writing CSV row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flushing CSV: %w", err)
	}
	return nil
}

// XLSX renders the same rows as CSV into a single Codes sheet
func (e *Exporter) XLSX(session Session, items []scanning.ScannedItem) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}

	rows := make([][]string, 0, len(items)+1)
	rows = append(rows, header)
	for _, item := range items {
		rows = append(rows, row(session, item))
	}

	for i, values := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, fmt.Errorf("addressing row %d: %w", i+1, err)
		}
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return nil, fmt.Errorf("writing row %d: %w", i+1, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("writing workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func row(session Session, item scanning.ScannedItem) []string {
	return []string{
		session.Date,
		session.Location,
		session.OperatorCode,
		session.OperatorName,
		session.ProductVariant,
		item.DotCode,
		item.ManufacturingDate,
		item.Price,
		string(item.Confidence),
		item.RawText,
	}
}

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// sanitizeFilename keeps letters, digits, hyphens and underscores, turns runs of
// whitespace into one underscore and truncates to 50 characters.
func sanitizeFilename(name, fallback string) string {
	name = unsafeChars.ReplaceAllString(name, "")
	name = strings.TrimSpace(whitespace.ReplaceAllString(name, " "))
	name = strings.ReplaceAll(name, " ", "_")

	const maxLen = 50
	if len(name) > maxLen {
		name = name[:maxLen]
	}

	if name == "" {
		return fallback
	}
	return name
}

// Filename builds dotscan_<date>_<location>.<ext> for a session
func Filename(session Session, format Format) string {
	return fmt.Sprintf("dotscan_%s_%s.%s",
		sanitizeFilename(session.Date, "undated"),
		sanitizeFilename(session.Location, "session"),
		format,
	)
}
