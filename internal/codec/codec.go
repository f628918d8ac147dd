// Package codec parses delimited call-detail-record rows into typed records.
package codec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/voxwire/cdrhub/internal/domain"
)

// Columns is the expected header column set, in order.
var Columns = []string{
	"caller_id", "recipient", "call_date", "end_time",
	"duration", "cost", "reference", "currency",
}

const (
	dateLayout = "02/01/2006"
	timeLayout = "15:04:05"
)

// ValidateHeader checks that a header line carries the expected columns.
// Comparison is case-insensitive and tolerates surrounding whitespace and a
// UTF-8 byte order mark.
func ValidateHeader(line string) error {
	line = strings.TrimPrefix(line, "\uFEFF")
	fields := strings.Split(line, ",")
	if len(fields) != len(Columns) {
		return fmt.Errorf("header has %d columns, expected %d", len(fields), len(Columns))
	}
	for i, f := range fields {
		if !strings.EqualFold(strings.TrimSpace(f), Columns[i]) {
			return fmt.Errorf("header column %d is %q, expected %q", i+1, strings.TrimSpace(f), Columns[i])
		}
	}
	return nil
}

// Parse converts one delimited data row into a CallDetailRecord owned by the
// given correlation id. It returns an error describing the first field that
// fails validation.
func Parse(correlationID, line string) (*domain.CallDetailRecord, error) {
	fields := strings.Split(line, ",")
	if len(fields) != len(Columns) {
		return nil, fmt.Errorf("row has %d fields, expected %d", len(fields), len(Columns))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	rec := &domain.CallDetailRecord{
		CorrelationID: correlationID,
		CallerID:      fields[0], // caller_id may legitimately be empty
		Recipient:     fields[1],
	}

	if rec.Recipient == "" {
		return nil, fmt.Errorf("recipient is required")
	}

	callDate, err := time.Parse(dateLayout, fields[2])
	if err != nil {
		return nil, fmt.Errorf("call_date %q is not a valid DD/MM/YYYY date", fields[2])
	}
	rec.CallDate = callDate

	if _, err := time.Parse(timeLayout, fields[3]); err != nil {
		return nil, fmt.Errorf("end_time %q is not a valid HH:MM:SS time", fields[3])
	}
	rec.EndTime = fields[3]

	duration, err := strconv.Atoi(fields[4])
	if err != nil || duration < 0 {
		return nil, fmt.Errorf("duration %q is not a non-negative integer", fields[4])
	}
	rec.Duration = duration

	cost, err := decimal.NewFromString(fields[5])
	if err != nil {
		return nil, fmt.Errorf("cost %q is not a valid decimal", fields[5])
	}
	if cost.IsNegative() {
		return nil, fmt.Errorf("cost %q must not be negative", fields[5])
	}
	rec.Cost = cost

	if fields[6] == "" {
		return nil, fmt.Errorf("reference is required")
	}
	rec.Reference = fields[6]

	if len(fields[7]) != 3 || !isAlpha(fields[7]) {
		return nil, fmt.Errorf("currency %q is not a 3-letter code", fields[7])
	}
	rec.Currency = strings.ToUpper(fields[7])

	return rec, nil
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}
