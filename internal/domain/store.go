package domain

import (
	"context"
	"time"
)

// Store is the relational persistence boundary. Single-row lookups return
// (nil, nil) when no row matches.
type Store interface {
	// Messages. FindMessageByExternalID is the inbound idempotency check.
	AddMessage(ctx context.Context, msg MessageRecord) error
	FindMessageByExternalID(ctx context.Context, clinicID, externalID string) (*MessageRecord, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]MessageRecord, error)

	// Patients. CreatePatient returns created=false when another writer won
	// the insert race; the returned patient is then the existing row.
	FindPatientByPhone(ctx context.Context, clinicID string, variants []string) (*Patient, error)
	CreatePatient(ctx context.Context, p Patient) (*Patient, bool, error)

	// Conversations.
	FindOpenConversation(ctx context.Context, clinicID, patientID, channel string) (*Conversation, error)
	CreateConversation(ctx context.Context, c Conversation) error
	UpdateConversation(ctx context.Context, c Conversation) error

	// Agent configuration.
	GetAgentConfig(ctx context.Context, clinicID, module string) (*AgentConfig, error)
	EnabledModules(ctx context.Context, clinicID string) ([]string, error)

	// Outbound queue.
	CreateOutbound(ctx context.Context, e OutboundEntry) error
	UpdateOutbound(ctx context.Context, e OutboundEntry) error
	CountOutboundForPatient(ctx context.Context, patientID string, since time.Time, statuses []OutboundStatus) (int, error)
	StaleOutbound(ctx context.Context, olderThan time.Time, limit int) ([]OutboundEntry, error)

	Close() error
}
