package domain

import "time"

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive    ConversationStatus = "active"
	StatusEscalated ConversationStatus = "escalated"
	StatusResolved  ConversationStatus = "resolved"
)

// Terminal reports whether a conversation in this status is closed for new
// turns. A new inbound message from the patient starts a fresh conversation.
func (s ConversationStatus) Terminal() bool {
	return s == StatusResolved
}

// Valid reports whether s is one of the known statuses.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusActive, StatusEscalated, StatusResolved:
		return true
	}
	return false
}

// Patient is a clinic contact resolved from a channel address.
type Patient struct {
	ID           string
	ClinicID     string
	Name         string
	Phone        string // address as received from the channel
	Notes        string
	CustomFields map[string]string
	CreatedAt    time.Time

	// New is true only for the turn in which the patient row was created.
	// It is derived at resolution time and never persisted.
	New bool
}

// Conversation ties a patient to a running exchange on one channel.
// Module is the agent type currently handling it; empty means not yet routed.
type Conversation struct {
	ID            string
	ClinicID      string
	PatientID     string
	Channel       string
	Status        ConversationStatus
	Module        string
	AgentConfigID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MessageRecord is a persisted transcript entry. Append-only.
type MessageRecord struct {
	ID             int64
	ConversationID string
	Role           string
	Content        string
	ExternalID     string
	CreatedAt      time.Time
}

// OutboundStatus is the delivery state of a queued outbound segment.
type OutboundStatus string

const (
	OutboundPending    OutboundStatus = "pending"
	OutboundProcessing OutboundStatus = "processing"
	OutboundSent       OutboundStatus = "sent"
	OutboundFailed     OutboundStatus = "failed"
)

// OutboundEntry is one physical message segment handed to a transport.
type OutboundEntry struct {
	ID             string
	ConversationID string
	PatientID      string
	ClinicID       string
	Channel        string
	Address        string // transport destination, e.g. the patient's phone
	Content        string
	Status         OutboundStatus
	Attempts       int
	LastError      string
	SentAt         *time.Time
	CreatedAt      time.Time
}

// AgentConfig is the per-clinic configuration row for one agent module:
// display identity, prompt customization, and a free-form config map merged
// into the prompt/tool parameters.
type AgentConfig struct {
	ID               string
	ClinicID         string
	Module           string
	DisplayName      string
	Description      string
	Instructions     string
	SuccessCriterion string
	Enabled          bool
	Config           map[string]any
}
