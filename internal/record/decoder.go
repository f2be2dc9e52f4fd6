package record

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

const (
	FormatRaw  = "RawBLOB"
	FormatJSON = "JSONEachRow"
)

var ErrUnknownFormat = errors.New("record: unknown format")

// Decoder turns a record into rows shaped by a column header.
type Decoder struct {
	format string
	delim  byte
}

// NewDecoder builds a decoder for format. rowDelimiter is only used by
// JSONEachRow and defaults to '\n'.
func NewDecoder(format, rowDelimiter string) (*Decoder, error) {
	d := &Decoder{format: format, delim: '\n'}
	if rowDelimiter != "" {
		d.delim = rowDelimiter[0]
	}
	switch format {
	case FormatRaw, FormatJSON:
		return d, nil
	case "":
		d.format = FormatRaw
		return d, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownFormat, format)
}

func (d *Decoder) Format() string { return d.format }

// Rows decodes rec into zero or more rows; values follow header order.
// Virtual columns are filled from the record metadata.
func (d *Decoder) Rows(rec *Record, header []string) ([][]any, error) {
	if d.format == FormatRaw {
		return [][]any{d.project(rec, header, func(string) any { return string(rec.Value) })}, nil
	}

	var rows [][]any
	for _, line := range bytes.Split(rec.Value, []byte{d.delim}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err != nil {
			return nil, fmt.Errorf("decode %s[%d]@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
		}
		// unknown fields are skipped, missing ones stay nil
		rows = append(rows, d.project(rec, header, func(col string) any { return obj[col] }))
	}
	return rows, nil
}

func (d *Decoder) project(rec *Record, header []string, field func(string) any) []any {
	row := make([]any, len(header))
	for i, col := range header {
		if v, ok := rec.Virtual(col); ok {
			row[i] = v
			continue
		}
		row[i] = field(col)
	}
	return row
}
