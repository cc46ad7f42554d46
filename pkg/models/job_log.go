package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	LogLevelInfo    = "info"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
)

// JobLog is one line of a job's append-only diagnostic trail. Readers order by
// (created_at, id); ID is a bigserial so it breaks ties in insertion order.
type JobLog struct {
	ID        int64     `db:"id"         json:"id"`
	JobID     uuid.UUID `db:"job_id"     json:"job_id"`
	Level     string    `db:"level"      json:"level"`
	Message   string    `db:"message"    json:"message"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
