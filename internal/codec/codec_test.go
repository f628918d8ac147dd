package codec

import (
	"strings"
	"testing"
)

const validRow = "441215598896,448000096481,16/08/2016,14:21:33,43,0.125,C5DA9724701EEBBA95CA2CC5617BA93E,GBP"

func TestValidateHeader(t *testing.T) {
	testCases := []struct {
		name    string
		line    string
		wantErr bool
	}{
		{
			name: "exact header",
			line: "caller_id,recipient,call_date,end_time,duration,cost,reference,currency",
		},
		{
			name: "case insensitive with spaces",
			line: "Caller_ID, Recipient ,CALL_DATE,end_time,duration,cost,reference,currency",
		},
		{
			name: "byte order mark",
			line: "\uFEFFcaller_id,recipient,call_date,end_time,duration,cost,reference,currency",
		},
		{
			name:    "missing column",
			line:    "caller_id,recipient,call_date,end_time,duration,cost,reference",
			wantErr: true,
		},
		{
			name:    "wrong column name",
			line:    "caller_id,recipient,call_date,end_time,duration,price,reference,currency",
			wantErr: true,
		},
		{
			name:    "data row as header",
			line:    validRow,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateHeader(tc.line)
			if tc.wantErr && err == nil {
				t.Errorf("expected error for %q, got nil", tc.line)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error for %q: %v", tc.line, err)
			}
		})
	}
}

func TestParseValidRow(t *testing.T) {
	rec, err := Parse("corr-1", validRow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.CorrelationID != "corr-1" {
		t.Errorf("correlation id = %q, want corr-1", rec.CorrelationID)
	}
	if rec.CallerID != "441215598896" {
		t.Errorf("caller id = %q", rec.CallerID)
	}
	if rec.Recipient != "448000096481" {
		t.Errorf("recipient = %q", rec.Recipient)
	}
	if got := rec.CallDate.Format("2006-01-02"); got != "2016-08-16" {
		t.Errorf("call date = %q, want 2016-08-16", got)
	}
	if rec.EndTime != "14:21:33" {
		t.Errorf("end time = %q", rec.EndTime)
	}
	if rec.Duration != 43 {
		t.Errorf("duration = %d, want 43", rec.Duration)
	}
	if rec.Cost.String() != "0.125" {
		t.Errorf("cost = %s, want 0.125", rec.Cost)
	}
	if rec.Reference != "C5DA9724701EEBBA95CA2CC5617BA93E" {
		t.Errorf("reference = %q", rec.Reference)
	}
	if rec.Currency != "GBP" {
		t.Errorf("currency = %q, want GBP", rec.Currency)
	}
}

func TestParseEmptyCallerAllowed(t *testing.T) {
	row := ",448000096481,16/08/2016,14:21:33,43,0,REF123,GBP"
	rec, err := Parse("corr-1", row)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.CallerID != "" {
		t.Errorf("caller id = %q, want empty", rec.CallerID)
	}
}

func TestParseInvalidRows(t *testing.T) {
	testCases := []struct {
		name    string
		row     string
		errPart string
	}{
		{
			name:    "too few fields",
			row:     "441215598896,448000096481,16/08/2016",
			errPart: "fields",
		},
		{
			name:    "missing recipient",
			row:     "441215598896,,16/08/2016,14:21:33,43,0,REF123,GBP",
			errPart: "recipient",
		},
		{
			name:    "US date order",
			row:     "441215598896,448000096481,08/16/2016,14:21:33,43,0,REF123,GBP",
			errPart: "call_date",
		},
		{
			name:    "bad time",
			row:     "441215598896,448000096481,16/08/2016,25:00:00,43,0,REF123,GBP",
			errPart: "end_time",
		},
		{
			name:    "negative duration",
			row:     "441215598896,448000096481,16/08/2016,14:21:33,-5,0,REF123,GBP",
			errPart: "duration",
		},
		{
			name:    "non-numeric duration",
			row:     "441215598896,448000096481,16/08/2016,14:21:33,abc,0,REF123,GBP",
			errPart: "duration",
		},
		{
			name:    "bad cost",
			row:     "441215598896,448000096481,16/08/2016,14:21:33,43,free,REF123,GBP",
			errPart: "cost",
		},
		{
			name:    "negative cost",
			row:     "441215598896,448000096481,16/08/2016,14:21:33,43,-1.5,REF123,GBP",
			errPart: "cost",
		},
		{
			name:    "missing reference",
			row:     "441215598896,448000096481,16/08/2016,14:21:33,43,0,,GBP",
			errPart: "reference",
		},
		{
			name:    "bad currency",
			row:     "441215598896,448000096481,16/08/2016,14:21:33,43,0,REF123,POUNDS",
			errPart: "currency",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse("corr-1", tc.row)
			if err == nil {
				t.Fatalf("expected error for %q, got nil", tc.row)
			}
			if !strings.Contains(err.Error(), tc.errPart) {
				t.Errorf("error %q does not mention %q", err.Error(), tc.errPart)
			}
		})
	}
}
