package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CallDetailRecord is one validated CDR row, keyed by its unique reference.
// Rows are created only by the ingest processor's batch flush and never
// mutated after insert.
type CallDetailRecord struct {
	Reference     string          `gorm:"type:text;primaryKey" json:"reference"`
	CorrelationID string          `gorm:"type:text;not null;index:idx_cdrs_correlation" json:"correlation_id"`
	CallerID      string          `gorm:"type:text" json:"caller_id"`
	Recipient     string          `gorm:"type:text;not null" json:"recipient"`
	CallDate      time.Time       `json:"call_date"`
	EndTime       string          `gorm:"type:text" json:"end_time"`
	Duration      int             `json:"duration"`
	Cost          decimal.Decimal `gorm:"type:decimal(12,3)" json:"cost"`
	Currency      string          `gorm:"type:text" json:"currency"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TableName returns the database table name for CallDetailRecord.
func (CallDetailRecord) TableName() string {
	return "call_detail_records"
}

// FailedRow captures a raw row that failed validation or persistence,
// tagged with the owning unit for traceability.
type FailedRow struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	CorrelationID string    `gorm:"type:text;not null;index:idx_failed_rows_correlation" json:"correlation_id"`
	RowNumber     int64     `gorm:"index:idx_failed_rows_correlation" json:"row_number"`
	RawText       string    `gorm:"type:text" json:"raw_text"`
	ErrorMessage  string    `gorm:"type:text" json:"error_message"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName returns the database table name for FailedRow.
func (FailedRow) TableName() string {
	return "failed_rows"
}
