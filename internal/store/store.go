package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"carelink/internal/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS patients (
		id               TEXT PRIMARY KEY,
		clinic_id        TEXT NOT NULL,
		name             TEXT,
		phone            TEXT NOT NULL,
		phone_normalized TEXT NOT NULL,
		notes            TEXT,
		custom_fields    TEXT,
		created_at       DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_patients_phone ON patients(clinic_id, phone_normalized);

	CREATE TABLE IF NOT EXISTS conversations (
		id              TEXT PRIMARY KEY,
		clinic_id       TEXT NOT NULL,
		patient_id      TEXT NOT NULL REFERENCES patients(id),
		channel         TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'active',
		module          TEXT,
		agent_config_id TEXT,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_open ON conversations(clinic_id, patient_id, channel, status);

	CREATE TABLE IF NOT EXISTS messages (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		clinic_id       TEXT NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT,
		external_id     TEXT,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external ON messages(clinic_id, external_id)
		WHERE external_id IS NOT NULL AND external_id <> '';

	CREATE TABLE IF NOT EXISTS outbound_queue (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		patient_id      TEXT NOT NULL,
		clinic_id       TEXT NOT NULL,
		channel         TEXT NOT NULL,
		address         TEXT NOT NULL DEFAULT '',
		content         TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		attempts        INTEGER DEFAULT 0,
		last_error      TEXT,
		sent_at         DATETIME,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_outbound_patient ON outbound_queue(patient_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_outbound_status ON outbound_queue(status, created_at);

	CREATE TABLE IF NOT EXISTS agent_configs (
		id                TEXT PRIMARY KEY,
		clinic_id         TEXT NOT NULL,
		module            TEXT NOT NULL,
		display_name      TEXT,
		description       TEXT,
		instructions      TEXT,
		success_criterion TEXT,
		enabled           INTEGER DEFAULT 1,
		config            TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_configs_module ON agent_configs(clinic_id, module);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Messages ---

func (s *SQLiteStore) AddMessage(ctx context.Context, msg domain.MessageRecord) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, clinic_id, role, content, external_id, created_at)
		 VALUES (?, (SELECT clinic_id FROM conversations WHERE id = ?), ?, ?, NULLIF(?, ''), ?)`,
		msg.ConversationID, msg.ConversationID, msg.Role, msg.Content, msg.ExternalID, msg.CreatedAt,
	)
	if err != nil {
		return err
	}

	_, _ = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now(), msg.ConversationID,
	)
	return nil
}

func (s *SQLiteStore) FindMessageByExternalID(ctx context.Context, clinicID, externalID string) (*domain.MessageRecord, error) {
	if externalID == "" {
		return nil, nil
	}
	var m domain.MessageRecord
	var extID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, role, content, external_id, created_at
		 FROM messages WHERE clinic_id = ? AND external_id = ?`,
		clinicID, externalID,
	).Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &extID, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.ExternalID = extID.String
	return &m, nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	// Get last N messages, ordered oldest first
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, external_id, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.MessageRecord
	for rows.Next() {
		var m domain.MessageRecord
		var extID sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &extID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ExternalID = extID.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// --- Patients ---

func (s *SQLiteStore) FindPatientByPhone(ctx context.Context, clinicID string, variants []string) (*domain.Patient, error) {
	if len(variants) == 0 {
		return nil, nil
	}
	query := `SELECT id, clinic_id, name, phone, notes, custom_fields, created_at
		 FROM patients WHERE clinic_id = ? AND phone_normalized IN (?` +
		repeatPlaceholder(len(variants)-1) + `) LIMIT 1`
	args := make([]any, 0, len(variants)+1)
	args = append(args, clinicID)
	for _, v := range variants {
		args = append(args, v)
	}

	row := s.db.QueryRowContext(ctx, query, args...)
	return scanPatient(row)
}

// CreatePatient inserts a patient row. When another writer created the same
// normalized phone first, the existing row is returned with created=false.
func (s *SQLiteStore) CreatePatient(ctx context.Context, p domain.Patient) (*domain.Patient, bool, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	normalized := NormalizePhone(p.Phone)

	var fields any
	if len(p.CustomFields) > 0 {
		data, err := json.Marshal(p.CustomFields)
		if err == nil {
			fields = string(data)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO patients (id, clinic_id, name, phone, phone_normalized, notes, custom_fields, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ClinicID, p.Name, p.Phone, normalized, p.Notes, fields, p.CreatedAt,
	)
	if err != nil {
		return nil, false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected == 0 {
		// Lost the insert race; read the winner's row.
		existing, err := s.FindPatientByPhone(ctx, p.ClinicID, []string{normalized})
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("patient insert ignored but no row found for %s", normalized)
		}
		return existing, false, nil
	}
	return &p, true, nil
}

func scanPatient(row *sql.Row) (*domain.Patient, error) {
	var p domain.Patient
	var name, notes, fields sql.NullString
	err := row.Scan(&p.ID, &p.ClinicID, &name, &p.Phone, &notes, &fields, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Name = name.String
	p.Notes = notes.String
	if fields.Valid && fields.String != "" {
		_ = json.Unmarshal([]byte(fields.String), &p.CustomFields)
	}
	return &p, nil
}

// --- Conversations ---

func (s *SQLiteStore) FindOpenConversation(ctx context.Context, clinicID, patientID, channel string) (*domain.Conversation, error) {
	var c domain.Conversation
	var module, configID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, clinic_id, patient_id, channel, status, module, agent_config_id, created_at, updated_at
		 FROM conversations
		 WHERE clinic_id = ? AND patient_id = ? AND channel = ? AND status != ?
		 ORDER BY updated_at DESC LIMIT 1`,
		clinicID, patientID, channel, domain.StatusResolved,
	).Scan(&c.ID, &c.ClinicID, &c.PatientID, &c.Channel, &c.Status, &module, &configID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Module = module.String
	c.AgentConfigID = configID.String
	return &c, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, c domain.Conversation) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if c.Status == "" {
		c.Status = domain.StatusActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, clinic_id, patient_id, channel, status, module, agent_config_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)`,
		c.ID, c.ClinicID, c.PatientID, c.Channel, c.Status, c.Module, c.AgentConfigID, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, c domain.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, module = NULLIF(?, ''), agent_config_id = NULLIF(?, ''), updated_at = ?
		 WHERE id = ?`,
		c.Status, c.Module, c.AgentConfigID, time.Now(), c.ID,
	)
	return err
}

// --- Agent configuration ---

func (s *SQLiteStore) GetAgentConfig(ctx context.Context, clinicID, module string) (*domain.AgentConfig, error) {
	var ac domain.AgentConfig
	var displayName, description, instructions, criterion, cfg sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, clinic_id, module, display_name, description, instructions, success_criterion, enabled, config
		 FROM agent_configs WHERE clinic_id = ? AND module = ?`,
		clinicID, module,
	).Scan(&ac.ID, &ac.ClinicID, &ac.Module, &displayName, &description, &instructions, &criterion, &ac.Enabled, &cfg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ac.DisplayName = displayName.String
	ac.Description = description.String
	ac.Instructions = instructions.String
	ac.SuccessCriterion = criterion.String
	if cfg.Valid && cfg.String != "" {
		_ = json.Unmarshal([]byte(cfg.String), &ac.Config)
	}
	return &ac, nil
}

func (s *SQLiteStore) EnabledModules(ctx context.Context, clinicID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT module FROM agent_configs WHERE clinic_id = ? AND enabled = 1 ORDER BY module`,
		clinicID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var modules []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	return modules, rows.Err()
}

// UpsertAgentConfig seeds or updates a per-clinic module row. Used by the
// init-config command; not part of the domain.Store surface.
func (s *SQLiteStore) UpsertAgentConfig(ctx context.Context, ac domain.AgentConfig) error {
	if ac.ID == "" {
		ac.ID = uuid.NewString()
	}
	var cfg any
	if len(ac.Config) > 0 {
		data, err := json.Marshal(ac.Config)
		if err == nil {
			cfg = string(data)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_configs (id, clinic_id, module, display_name, description, instructions, success_criterion, enabled, config)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(clinic_id, module) DO UPDATE SET
		   display_name = excluded.display_name,
		   description = excluded.description,
		   instructions = excluded.instructions,
		   success_criterion = excluded.success_criterion,
		   enabled = excluded.enabled,
		   config = excluded.config`,
		ac.ID, ac.ClinicID, ac.Module, ac.DisplayName, ac.Description, ac.Instructions,
		ac.SuccessCriterion, ac.Enabled, cfg,
	)
	return err
}

// --- Outbound queue ---

func (s *SQLiteStore) CreateOutbound(ctx context.Context, e domain.OutboundEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Status == "" {
		e.Status = domain.OutboundPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbound_queue (id, conversation_id, patient_id, clinic_id, channel, address, content, status, attempts, last_error, sent_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)`,
		e.ID, e.ConversationID, e.PatientID, e.ClinicID, e.Channel, e.Address, e.Content,
		e.Status, e.Attempts, e.LastError, e.SentAt, e.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) UpdateOutbound(ctx context.Context, e domain.OutboundEntry) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbound_queue SET status = ?, attempts = ?, last_error = NULLIF(?, ''), sent_at = ?
		 WHERE id = ?`,
		e.Status, e.Attempts, e.LastError, e.SentAt, e.ID,
	)
	return err
}

func (s *SQLiteStore) CountOutboundForPatient(ctx context.Context, patientID string, since time.Time, statuses []domain.OutboundStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	query := `SELECT COUNT(*) FROM outbound_queue
		 WHERE patient_id = ? AND created_at >= ? AND status IN (?` +
		repeatPlaceholder(len(statuses)-1) + `)`
	args := []any{patientID, since}
	for _, st := range statuses {
		args = append(args, st)
	}

	var count int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

func (s *SQLiteStore) StaleOutbound(ctx context.Context, olderThan time.Time, limit int) ([]domain.OutboundEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, patient_id, clinic_id, channel, address, content, status, attempts, last_error, sent_at, created_at
		 FROM outbound_queue
		 WHERE status IN (?, ?) AND created_at < ?
		 ORDER BY created_at LIMIT ?`,
		domain.OutboundPending, domain.OutboundProcessing, olderThan, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.OutboundEntry
	for rows.Next() {
		var e domain.OutboundEntry
		var lastErr sql.NullString
		var sentAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.PatientID, &e.ClinicID, &e.Channel,
			&e.Address, &e.Content, &e.Status, &e.Attempts, &lastErr, &sentAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.LastError = lastErr.String
		if sentAt.Valid {
			e.SentAt = &sentAt.Time
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// repeatPlaceholder returns n copies of ", ?" for IN clauses.
func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
