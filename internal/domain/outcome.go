package domain

// FileLevelFailureCount is the sentinel failed-record count for outcomes
// where no rows were ever attempted (unreadable header, stream I/O failure,
// cancellation). It is distinct from zero row-level failures.
const FileLevelFailureCount int64 = -1

// IngestOutcome is the structured result of processing one unit's rows.
type IngestOutcome struct {
	SuccessfulRecords int64    `json:"successful_records"`
	FailedRecords     int64    `json:"failed_records"`
	Errors            []string `json:"errors,omitempty"`
}

// FileLevelFailure builds an outcome carrying the file-level sentinel.
func FileLevelFailure(errs ...string) IngestOutcome {
	return IngestOutcome{
		SuccessfulRecords: 0,
		FailedRecords:     FileLevelFailureCount,
		Errors:            errs,
	}
}

// IsFileLevelFailure reports whether the outcome denotes a file-level error
// rather than row-level failures.
func (o IngestOutcome) IsFileLevelFailure() bool {
	return o.FailedRecords < 0
}

// TerminalStatus computes the terminal unit status for this outcome.
// Successful rows with zero failures succeed; successful rows alongside
// failures partially succeed; everything else fails.
func (o IngestOutcome) TerminalStatus() UnitStatus {
	switch {
	case o.SuccessfulRecords > 0 && o.FailedRecords == 0:
		return UnitStatusSucceeded
	case o.SuccessfulRecords > 0 && o.FailedRecords > 0:
		return UnitStatusPartiallySucceeded
	default:
		return UnitStatusFailed
	}
}
