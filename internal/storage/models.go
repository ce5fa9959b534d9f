package storage

import "time"

// Run is the audit record of one pipeline run. Candidate code and the
// question are stored only as hashes.
type Run struct {
	ID             string                `json:"id" db:"id"`
	TableName      string                `json:"table_name" db:"table_name"`
	TableRows      int                   `json:"table_rows" db:"table_rows"`
	QuestionHash   string                `json:"question_hash" db:"question_hash"`
	Status         string                `json:"status" db:"status"` // ok, no_output, validation_rejected, timeout, ...
	Message        string                `json:"message" db:"message"`
	Reasons        []string              `json:"reasons,omitempty" db:"reasons"`
	ResultKind     string                `json:"result_kind,omitempty" db:"result_kind"`
	ResultSource   string                `json:"result_source,omitempty" db:"result_source"`
	Repaired       bool                  `json:"repaired" db:"repaired"`
	SecurityEvents int                   `json:"security_events" db:"security_events"`
	DurationMS     int64                 `json:"duration_ms" db:"duration_ms"`
	RequestIP      string                `json:"request_ip,omitempty" db:"request_ip"`
	APIKeyHash     string                `json:"api_key_hash,omitempty" db:"api_key_hash"`
	CreatedAt      time.Time             `json:"created_at" db:"created_at"`
	Attempts       []Attempt             `json:"attempts,omitempty"`
	Events         []SecurityEventRecord `json:"events,omitempty"`
}

// Attempt is one extract, validate and execute pass within a run.
type Attempt struct {
	RunID      string   `json:"-" db:"run_id"`
	Number     int      `json:"number" db:"number"`
	ExecID     string   `json:"exec_id,omitempty" db:"exec_id"`
	CodeHash   string   `json:"code_hash,omitempty" db:"code_hash"`
	Method     string   `json:"method,omitempty" db:"method"` // Extraction method
	Outcome    string   `json:"outcome" db:"outcome"`
	Reasons    []string `json:"reasons,omitempty" db:"reasons"`
	Message    string   `json:"message,omitempty" db:"message"`
	Line       int      `json:"line,omitempty" db:"line"`
	DurationMS int64    `json:"duration_ms" db:"duration_ms"`
}

// SecurityEventRecord stores an advisory detection for audit.
type SecurityEventRecord struct {
	ID        string    `json:"id" db:"id"`
	RunID     string    `json:"run_id" db:"run_id"`
	Type      string    `json:"type" db:"type"`
	Severity  string    `json:"severity" db:"severity"`
	Detail    string    `json:"detail" db:"detail"`
	Line      int       `json:"line,omitempty" db:"line"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RunFilter provides criteria for querying runs.
type RunFilter struct {
	Status string
	Since  *time.Time
	Limit  int
	Offset int
}
