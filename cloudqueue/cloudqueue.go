// Package cloudqueue defines the external command-queue collaborator the
// bridge package pulls pending relay commands from (spec §4.9), plus an
// HTTPS-backed implementation and a free-memory guard standing in for the
// firmware's MIN_HEAP_FOR_TLS check.
package cloudqueue

// Status mirrors the external schema's status column (spec §3.7).
type Status string

const (
	StatusPending   Status = "Pending"
	StatusSent      Status = "Sent"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// Row is the read-only projection of one relay_commands record (spec §3.7,
// §6.4 "Table relay_commands").
type Row struct {
	ID        int64  `json:"id"`
	DeviceID  string `json:"device_id"`
	Relay     uint8  `json:"relay_number"`
	Action    string `json:"action"`
	DurationS uint32 `json:"duration_seconds"`
	Status    Status `json:"status"`
	Error     string `json:"error_message"`
}

// CloudQueue is the four-operation trait described in spec §4.9. Every
// operation is idempotent from the caller's perspective.
type CloudQueue interface {
	// ListPending returns up to max rows in status=Pending for deviceID,
	// ordered oldest-first.
	ListPending(deviceID string, max int) ([]Row, error)
	MarkSent(rowID int64) error
	MarkCompleted(rowID int64) error
	MarkFailed(rowID int64, reason string) error
}
