// Package audit provides the durable audit trail for every lifecycle
// state change, backed by Postgres via gorm. The
// lifecycle.AuditSink interface keeps the Approval Service and Order
// Submitter decoupled from this storage choice; pattern grounded on
// other_examples' Postgres approvals store (transactional writes,
// structured columns for the hot fields plus a JSON blob for the rest).
package audit

import (
	"encoding/json"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/lifecycle"
)

// Event is the gorm model backing one audit row.
type Event struct {
	ID            uint64 `gorm:"primaryKey"`
	EventType     string `gorm:"index"`
	CorrelationID string `gorm:"index"`
	ProposalID    string `gorm:"index"`
	Data          string // JSON-encoded lifecycle.AuditEvent.Data
	At            time.Time `gorm:"index"`
}

func (Event) TableName() string { return "audit_events" }

// Sink is the gorm/Postgres-backed implementation of lifecycle.AuditSink.
type Sink struct {
	db *gorm.DB
}

// Open connects to Postgres via dsn and migrates the audit_events table.
func Open(dsn string) (*Sink, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, err
	}
	return &Sink{db: db}, nil
}

// Append persists one audit event. Marshal failures are folded into the
// stored row rather than dropped, so a malformed Data map never silently
// loses the rest of the event envelope.
func (s *Sink) Append(event lifecycle.AuditEvent) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		data = []byte(`{"marshal_error":"` + err.Error() + `"}`)
	}
	row := Event{
		EventType:     event.EventType,
		CorrelationID: event.CorrelationID,
		ProposalID:    event.ProposalID,
		Data:          string(data),
		At:            event.At,
	}
	return s.db.Create(&row).Error
}

// ListByProposal returns every audit row for a proposal, oldest first —
// the basis for a proposal's full audit timeline in the HTTP API.
func (s *Sink) ListByProposal(proposalID string) ([]Event, error) {
	var rows []Event
	err := s.db.Where("proposal_id = ?", proposalID).Order("at asc").Find(&rows).Error
	return rows, err
}

// ListSince returns rows at or after "since", for backup/export.
func (s *Sink) ListSince(since time.Time) ([]Event, error) {
	var rows []Event
	err := s.db.Where("at >= ?", since).Order("at asc").Find(&rows).Error
	return rows, err
}

var _ lifecycle.AuditSink = (*Sink)(nil)
