// Package parser turns raw CSV/JSON byte streams into trade records without
// buffering whole files in memory.
package parser

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Format selects the upload decoding strategy.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// csvFieldCount is the expected column count:
// account_number,security_id,trade_type,amount,timestamp,platform_id
const csvFieldCount = 6

// timestampFormats is the ordered list of accepted timestamp layouts.
// The first match wins.
var timestampFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05.000Z",
	time.RFC3339,
	time.RFC3339Nano,
}

// FormatError marks a whole upload as unparseable. Record-level problems are
// skipped with a warning instead and never surface as a FormatError.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string { return e.Reason }

// FormatFromFilename selects CSV vs JSON decoding by file extension.
func FormatFromFilename(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", &FormatError{Reason: "unsupported file format, only CSV and JSON files are accepted"}
	}
}

// Record is a single raw field set produced by the parser. Identifier and
// status fields may be empty; the canonicalizer fills them in.
type Record struct {
	TradeID       string
	AccountNumber string
	SecurityID    string
	TradeType     string
	Amount        decimal.Decimal
	Timestamp     time.Time
	PlatformID    string
	Source        string
	Status        string
	ProcessedAt   time.Time
}

// rawRecord is the wire shape of a trade record. Timestamps arrive as strings
// in any accepted layout, amounts as JSON numbers or strings.
type rawRecord struct {
	TradeID       string          `json:"tradeId"`
	AccountNumber string          `json:"accountNumber"`
	SecurityID    string          `json:"securityId"`
	TradeType     string          `json:"tradeType"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     string          `json:"timestamp"`
	PlatformID    string          `json:"platformId"`
	Source        string          `json:"source"`
	Status        string          `json:"status"`
	ProcessedAt   string          `json:"processedAt"`
}

// EmitFunc receives each parsed record. Returning an error stops parsing and
// propagates the error to the caller.
type EmitFunc func(Record) error

// Parser decodes upload streams into trade records.
type Parser struct {
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse decodes the stream according to format, calling emit once per record.
func (p *Parser) Parse(r io.Reader, format Format, emit EmitFunc) error {
	switch format {
	case FormatCSV:
		return p.ParseCSV(r, emit)
	case FormatJSON:
		return p.ParseJSON(r, emit)
	default:
		return &FormatError{Reason: fmt.Sprintf("unsupported format: %q", format)}
	}
}

// ParseCSV reads line-delimited CSV. The first line is a header and is
// skipped. Lines with the wrong field count or unparseable values are dropped
// with a warning; parsing continues with the next line.
func (p *Parser) ParseCSV(r io.Reader, emit EmitFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	header := true
	for scanner.Scan() {
		line := scanner.Text()
		if header {
			header = false
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) != csvFieldCount {
			p.logger.Warnf("Skipping invalid CSV line (expected %d fields, got %d): %s", csvFieldCount, len(fields), line)
			continue
		}

		rec, err := recordFromCSV(fields)
		if err != nil {
			p.logger.Warnf("Skipping invalid CSV line due to parsing error: %s - %v", line, err)
			continue
		}

		if err := emit(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &FormatError{Reason: fmt.Sprintf("failed to read CSV stream: %v", err)}
	}
	return nil
}

func recordFromCSV(fields []string) (Record, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(fields[3]))
	if err != nil {
		return Record{}, fmt.Errorf("invalid amount %q: %w", fields[3], err)
	}
	ts, err := ParseTimestamp(strings.TrimSpace(fields[4]))
	if err != nil {
		return Record{}, err
	}
	return Record{
		AccountNumber: strings.TrimSpace(fields[0]),
		SecurityID:    strings.TrimSpace(fields[1]),
		TradeType:     strings.TrimSpace(fields[2]),
		Amount:        amount,
		Timestamp:     ts,
		PlatformID:    strings.TrimSpace(fields[5]),
	}, nil
}

// ParseJSON reads either a single trade object or an array of trade objects,
// using token streaming so large arrays are never materialized at once.
// Malformed elements inside an array are skipped with a warning; a top-level
// document that is neither an object nor an array is a FormatError.
func (p *Parser) ParseJSON(r io.Reader, emit EmitFunc) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return &FormatError{Reason: fmt.Sprintf("failed to parse JSON file: %v", err)}
	}

	delim, ok := tok.(json.Delim)
	if !ok {
		return &FormatError{Reason: fmt.Sprintf("failed to parse JSON file: unexpected token %v", tok)}
	}

	switch delim {
	case '[':
		for dec.More() {
			var raw rawRecord
			if err := dec.Decode(&raw); err != nil {
				// A syntax error here poisons the token stream, so the
				// remainder of the array is unreachable.
				p.logger.Warnf("Skipping malformed JSON array element: %v", err)
				var syntaxErr *json.SyntaxError
				if errors.As(err, &syntaxErr) {
					return nil
				}
				continue
			}
			rec, err := recordFromRaw(raw)
			if err != nil {
				p.logger.Warnf("Skipping invalid JSON trade object: %v", err)
				continue
			}
			if err := emit(rec); err != nil {
				return err
			}
		}
		return nil
	case '{':
		// Re-decode the single object from its fields. The opening brace has
		// been consumed, so collect the field map through the decoder.
		raw, err := decodeObjectFields(dec)
		if err != nil {
			return &FormatError{Reason: fmt.Sprintf("failed to parse JSON file: %v", err)}
		}
		rec, err := recordFromRaw(raw)
		if err != nil {
			return &FormatError{Reason: fmt.Sprintf("failed to parse JSON file: %v", err)}
		}
		return emit(rec)
	default:
		return &FormatError{Reason: "failed to parse JSON file: top-level document must be an object or array"}
	}
}

// decodeObjectFields consumes the remaining key/value pairs of an object whose
// opening brace was already read, and rebuilds a rawRecord from them.
func decodeObjectFields(dec *json.Decoder) (rawRecord, error) {
	fields := map[string]json.RawMessage{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return rawRecord{}, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return rawRecord{}, fmt.Errorf("unexpected object key token %v", keyTok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return rawRecord{}, err
		}
		fields[key] = value
	}
	if _, err := dec.Token(); err != nil { // closing brace
		return rawRecord{}, err
	}

	encoded, err := json.Marshal(fields)
	if err != nil {
		return rawRecord{}, err
	}
	var raw rawRecord
	if err := json.Unmarshal(encoded, &raw); err != nil {
		return rawRecord{}, err
	}
	return raw, nil
}

func recordFromRaw(raw rawRecord) (Record, error) {
	rec := Record{
		TradeID:       strings.TrimSpace(raw.TradeID),
		AccountNumber: strings.TrimSpace(raw.AccountNumber),
		SecurityID:    strings.TrimSpace(raw.SecurityID),
		TradeType:     strings.TrimSpace(raw.TradeType),
		Amount:        raw.Amount,
		PlatformID:    strings.TrimSpace(raw.PlatformID),
		Source:        raw.Source,
		Status:        raw.Status,
	}

	if ts := strings.TrimSpace(raw.Timestamp); ts != "" {
		parsed, err := ParseTimestamp(ts)
		if err != nil {
			return Record{}, err
		}
		rec.Timestamp = parsed
	}
	if ts := strings.TrimSpace(raw.ProcessedAt); ts != "" {
		parsed, err := ParseTimestamp(ts)
		if err != nil {
			return Record{}, err
		}
		rec.ProcessedAt = parsed
	}
	return rec, nil
}

// DecodeRecord unmarshals a single JSON-encoded trade record, as carried on
// the inbound message topic.
func DecodeRecord(payload []byte) (Record, error) {
	var raw rawRecord
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Record{}, fmt.Errorf("failed to decode trade record: %w", err)
	}
	return recordFromRaw(raw)
}

// ParseTimestamp tries each accepted layout in order; the first match wins.
func ParseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", value)
}
