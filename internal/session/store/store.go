// Package store provides the durable session map and per-session
// append-only history log.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	dockerrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/internal/workspace"
	"github.com/agentdock/agentdock/pkg/streamjson"
)

// Store is the durable map session_id -> Session. All mutators for a given
// session serialize against each other (single-writer per session); readers
// get consistent snapshots without waiting.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Session
	locks    map[string]*sync.Mutex
}

// Open initializes the schema and rehydrates persisted sessions. Sessions
// come back with status=idle regardless of prior state (any previously
// running child is gone) and cleared pending prompts (their waiters did not
// survive the restart).
func Open(ctx context.Context, db *sqlx.DB, log *logger.Logger) (*Store, error) {
	schema := schemaSQLite
	if db.DriverName() == "pgx" || db.DriverName() == "postgres" {
		schema = schemaPostgres
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{
		db:       db,
		logger:   log.WithFields(zap.String("component", "store")),
		sessions: make(map[string]*session.Session),
		locks:    make(map[string]*sync.Mutex),
	}
	if err := s.rehydrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// sessionRow is the flat database shape of a session.
type sessionRow struct {
	ID                    string    `db:"id"`
	AgentSessionID        string    `db:"agent_session_id"`
	Name                  string    `db:"name"`
	CreatedAt             time.Time `db:"created_at"`
	WorkingDir            string    `db:"working_dir"`
	Status                string    `db:"status"`
	Model                 string    `db:"model"`
	PermissionMode        string    `db:"permission_mode"`
	RepoJSON              string    `db:"repo_json"`
	PendingPermissionJSON string    `db:"pending_permission_json"`
	PendingQuestionJSON   string    `db:"pending_question_json"`
	InputTokens           int64     `db:"input_tokens"`
	OutputTokens          int64     `db:"output_tokens"`
	CacheCreationTokens   int64     `db:"cache_creation_tokens"`
	CacheReadTokens       int64     `db:"cache_read_tokens"`
}

func (s *Store) rehydrate(ctx context.Context) error {
	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM sessions`); err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}

	for i := range rows {
		sess, err := rowToSession(&rows[i])
		if err != nil {
			s.logger.Warn("skipping undecodable session row",
				zap.String("session_id", rows[i].ID),
				zap.Error(err))
			continue
		}
		sess.Status = session.StatusIdle
		sess.PendingPermission = nil
		sess.PendingQuestion = nil
		if err := s.loadModelUsage(ctx, sess); err != nil {
			return err
		}
		s.sessions[sess.ID] = sess
	}

	// Persist the forced-idle state so a crash before the first mutation
	// does not resurrect stale statuses.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'idle', pending_permission_json = '', pending_question_json = ''`); err != nil {
		return fmt.Errorf("failed to reset session statuses: %w", err)
	}

	s.logger.Info("rehydrated sessions", zap.Int("count", len(s.sessions)))
	return nil
}

func (s *Store) loadModelUsage(ctx context.Context, sess *session.Session) error {
	type modelRow struct {
		Model               string `db:"model"`
		InputTokens         int64  `db:"input_tokens"`
		OutputTokens        int64  `db:"output_tokens"`
		CacheCreationTokens int64  `db:"cache_creation_tokens"`
		CacheReadTokens     int64  `db:"cache_read_tokens"`
	}
	var rows []modelRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT model, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens FROM model_usage WHERE session_id = ?`),
		sess.ID)
	if err != nil {
		return fmt.Errorf("failed to load model usage: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	sess.ModelUsage = make(map[string]streamjson.UsageSample, len(rows))
	for _, r := range rows {
		sess.ModelUsage[r.Model] = streamjson.UsageSample{
			InputTokens:              r.InputTokens,
			OutputTokens:             r.OutputTokens,
			CacheCreationInputTokens: r.CacheCreationTokens,
			CacheReadInputTokens:     r.CacheReadTokens,
		}
	}
	return nil
}

func rowToSession(row *sessionRow) (*session.Session, error) {
	sess := &session.Session{
		ID:             row.ID,
		AgentSessionID: row.AgentSessionID,
		Name:           row.Name,
		CreatedAt:      row.CreatedAt,
		WorkingDir:     row.WorkingDir,
		Status:         session.Status(row.Status),
		Model:          row.Model,
		PermissionMode: row.PermissionMode,
		Usage: streamjson.UsageSample{
			InputTokens:              row.InputTokens,
			OutputTokens:             row.OutputTokens,
			CacheCreationInputTokens: row.CacheCreationTokens,
			CacheReadInputTokens:     row.CacheReadTokens,
		},
	}
	if row.RepoJSON != "" {
		var repo workspace.Descriptor
		if err := json.Unmarshal([]byte(row.RepoJSON), &repo); err != nil {
			return nil, err
		}
		sess.Repo = &repo
	}
	if row.PendingPermissionJSON != "" {
		var pp session.PendingPermission
		if err := json.Unmarshal([]byte(row.PendingPermissionJSON), &pp); err != nil {
			return nil, err
		}
		sess.PendingPermission = &pp
	}
	if row.PendingQuestionJSON != "" {
		var pq session.PendingQuestion
		if err := json.Unmarshal([]byte(row.PendingQuestionJSON), &pq); err != nil {
			return nil, err
		}
		sess.PendingQuestion = &pq
	}
	return sess, nil
}

func sessionToRow(sess *session.Session) (*sessionRow, error) {
	row := &sessionRow{
		ID:                  sess.ID,
		AgentSessionID:      sess.AgentSessionID,
		Name:                sess.Name,
		CreatedAt:           sess.CreatedAt,
		WorkingDir:          sess.WorkingDir,
		Status:              string(sess.Status),
		Model:               sess.Model,
		PermissionMode:      sess.PermissionMode,
		InputTokens:         sess.Usage.InputTokens,
		OutputTokens:        sess.Usage.OutputTokens,
		CacheCreationTokens: sess.Usage.CacheCreationInputTokens,
		CacheReadTokens:     sess.Usage.CacheReadInputTokens,
	}
	if sess.Repo != nil {
		data, err := json.Marshal(sess.Repo)
		if err != nil {
			return nil, err
		}
		row.RepoJSON = string(data)
	}
	if sess.PendingPermission != nil {
		data, err := json.Marshal(sess.PendingPermission)
		if err != nil {
			return nil, err
		}
		row.PendingPermissionJSON = string(data)
	}
	if sess.PendingQuestion != nil {
		data, err := json.Marshal(sess.PendingQuestion)
		if err != nil {
			return nil, err
		}
		row.PendingQuestionJSON = string(data)
	}
	return row, nil
}

// lock returns the per-session write mutex, creating it on first use.
func (s *Store) lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	return mu
}

// Create allocates an id and persists a new session.
func (s *Store) Create(ctx context.Context, seed session.Seed) (*session.Session, error) {
	sess := &session.Session{
		ID:         uuid.New().String(),
		Name:       seed.Name,
		CreatedAt:  time.Now().UTC(),
		WorkingDir: seed.WorkingDir,
		Status:     session.StatusIdle,
		Model:      seed.Model,
		Repo:       seed.Repo,
	}

	row, err := sessionToRow(sess)
	if err != nil {
		return nil, dockerrors.Internal("failed to encode session", err)
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (id, agent_session_id, name, created_at, working_dir, status, model, permission_mode,
			repo_json, pending_permission_json, pending_question_json,
			input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens)
		VALUES (:id, :agent_session_id, :name, :created_at, :working_dir, :status, :model, :permission_mode,
			:repo_json, :pending_permission_json, :pending_question_json,
			:input_tokens, :output_tokens, :cache_creation_tokens, :cache_read_tokens)`, row)
	if err != nil {
		return nil, dockerrors.Internal("failed to persist session", err)
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.logger.Info("created session",
		zap.String("session_id", sess.ID),
		zap.String("name", sess.Name))
	return sess.Clone(), nil
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, dockerrors.NotFound("session", id)
	}
	return sess.Clone(), nil
}

// List returns snapshots of all sessions ordered by creation time
// descending (id ascending within ties).
func (s *Store) List() []*session.Session {
	s.mu.RLock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update applies the mutator under the session's write lock and persists the
// result. The mutator sees the latest state.
func (s *Store) Update(ctx context.Context, id string, mutate func(*session.Session)) (*session.Session, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, dockerrors.NotFound("session", id)
	}

	updated := sess.Clone()
	mutate(updated)
	updated.ID = id // identity is immutable

	row, err := sessionToRow(updated)
	if err != nil {
		return nil, dockerrors.Internal("failed to encode session", err)
	}
	_, err = s.db.NamedExecContext(ctx, `
		UPDATE sessions SET agent_session_id = :agent_session_id, name = :name, working_dir = :working_dir,
			status = :status, model = :model, permission_mode = :permission_mode, repo_json = :repo_json,
			pending_permission_json = :pending_permission_json, pending_question_json = :pending_question_json,
			input_tokens = :input_tokens, output_tokens = :output_tokens,
			cache_creation_tokens = :cache_creation_tokens, cache_read_tokens = :cache_read_tokens
		WHERE id = :id`, row)
	if err != nil {
		return nil, dockerrors.Internal("failed to persist session", err)
	}

	s.mu.Lock()
	s.sessions[id] = updated
	s.mu.Unlock()
	return updated.Clone(), nil
}

// AppendHistory durably appends one entry to the session's log.
func (s *Store) AppendHistory(ctx context.Context, id string, entry session.Entry) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return dockerrors.Internal("failed to encode history entry", err)
	}
	_, err = s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO history (session_id, entry_json, created_at) VALUES (?, ?, ?)`),
		id, string(data), entry.Timestamp)
	if err != nil {
		return dockerrors.Internal("failed to append history", err)
	}
	return nil
}

// History returns the session's entries in append order.
func (s *Store) History(ctx context.Context, id string) ([]session.Entry, error) {
	if _, err := s.Get(id); err != nil {
		return nil, err
	}
	var rows []string
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT entry_json FROM history WHERE session_id = ? ORDER BY seq ASC`), id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, dockerrors.Internal("failed to load history", err)
	}
	entries := make([]session.Entry, 0, len(rows))
	for _, raw := range rows {
		var entry session.Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.logger.Warn("skipping undecodable history entry", zap.String("session_id", id), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// AddUsage accumulates a sample into the session totals and records it for
// the usage reporter's time series.
func (s *Store) AddUsage(ctx context.Context, id string, sample streamjson.UsageSample) error {
	return s.addUsage(ctx, id, "", sample)
}

// AddModelUsage accumulates a sample into both the session totals and the
// per-model breakdown.
func (s *Store) AddModelUsage(ctx context.Context, id, model string, sample streamjson.UsageSample) error {
	return s.addUsage(ctx, id, model, sample)
}

func (s *Store) addUsage(ctx context.Context, id, model string, sample streamjson.UsageSample) error {
	_, err := s.Update(ctx, id, func(sess *session.Session) {
		sess.Usage.Add(sample)
		if model != "" {
			if sess.ModelUsage == nil {
				sess.ModelUsage = make(map[string]streamjson.UsageSample)
			}
			acc := sess.ModelUsage[model]
			acc.Add(sample)
			sess.ModelUsage[model] = acc
		}
	})
	if err != nil {
		return err
	}

	if model != "" {
		if err := s.upsertModelUsage(ctx, id, model, sample); err != nil {
			return err
		}
	}

	_, err = s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO usage_samples (session_id, model, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
		id, model, sample.InputTokens, sample.OutputTokens,
		sample.CacheCreationInputTokens, sample.CacheReadInputTokens, time.Now().UTC())
	if err != nil {
		return dockerrors.Internal("failed to record usage sample", err)
	}
	return nil
}

func (s *Store) upsertModelUsage(ctx context.Context, id, model string, sample streamjson.UsageSample) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO model_usage (session_id, model, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, model) DO UPDATE SET
				input_tokens = model_usage.input_tokens + excluded.input_tokens,
				output_tokens = model_usage.output_tokens + excluded.output_tokens,
				cache_creation_tokens = model_usage.cache_creation_tokens + excluded.cache_creation_tokens,
				cache_read_tokens = model_usage.cache_read_tokens + excluded.cache_read_tokens`),
		id, model, sample.InputTokens, sample.OutputTokens,
		sample.CacheCreationInputTokens, sample.CacheReadInputTokens)
	if err != nil {
		return dockerrors.Internal("failed to accumulate model usage", err)
	}
	return nil
}

// SetStatus transitions the session's status.
func (s *Store) SetStatus(ctx context.Context, id string, status session.Status) error {
	_, err := s.Update(ctx, id, func(sess *session.Session) { sess.Status = status })
	return err
}

// SetPendingPermission sets or clears the pending permission record.
func (s *Store) SetPendingPermission(ctx context.Context, id string, record *session.PendingPermission) error {
	_, err := s.Update(ctx, id, func(sess *session.Session) { sess.PendingPermission = record })
	return err
}

// SetPendingQuestion sets or clears the pending question record.
func (s *Store) SetPendingQuestion(ctx context.Context, id string, record *session.PendingQuestion) error {
	_, err := s.Update(ctx, id, func(sess *session.Session) { sess.PendingQuestion = record })
	return err
}

// SetAgentSessionID captures or rotates the agent-assigned session id.
func (s *Store) SetAgentSessionID(ctx context.Context, id, agentID string) error {
	_, err := s.Update(ctx, id, func(sess *session.Session) { sess.AgentSessionID = agentID })
	return err
}

// SetModel records the session's current model identifier.
func (s *Store) SetModel(ctx context.Context, id, model string) error {
	_, err := s.Update(ctx, id, func(sess *session.Session) { sess.Model = model })
	return err
}

// SetPermissionMode records the session's current permission mode.
func (s *Store) SetPermissionMode(ctx context.Context, id, mode string) error {
	_, err := s.Update(ctx, id, func(sess *session.Session) { sess.PermissionMode = mode })
	return err
}

// SetWorkingDir binds the provisioned workspace path. The path never changes
// after it is first set.
func (s *Store) SetWorkingDir(ctx context.Context, id, dir string) error {
	_, err := s.Update(ctx, id, func(sess *session.Session) {
		if sess.WorkingDir == "" {
			sess.WorkingDir = dir
		}
	})
	return err
}

// Rename changes the session's human name.
func (s *Store) Rename(ctx context.Context, id, name string) error {
	_, err := s.Update(ctx, id, func(sess *session.Session) { sess.Name = name })
	return err
}

// Delete removes the session record, its history and usage breakdowns.
func (s *Store) Delete(ctx context.Context, id string) error {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	s.mu.RLock()
	_, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return dockerrors.NotFound("session", id)
	}

	for _, stmt := range []string{
		`DELETE FROM history WHERE session_id = ?`,
		`DELETE FROM model_usage WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(stmt), id); err != nil {
			return dockerrors.Internal("failed to delete session", err)
		}
	}

	s.mu.Lock()
	delete(s.sessions, id)
	delete(s.locks, id)
	s.mu.Unlock()

	s.logger.Info("deleted session", zap.String("session_id", id))
	return nil
}

// UsageSamplesSince returns raw usage samples recorded at or after the given
// time, oldest first. The usage reporter aggregates them into daily and
// block series.
func (s *Store) UsageSamplesSince(ctx context.Context, since time.Time) ([]RecordedSample, error) {
	var rows []RecordedSample
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT session_id, model, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, created_at
			FROM usage_samples WHERE created_at >= ? ORDER BY seq ASC`), since)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, dockerrors.Internal("failed to load usage samples", err)
	}
	return rows, nil
}

// RecordedSample is one persisted usage sample with its timestamp.
type RecordedSample struct {
	SessionID           string    `db:"session_id"`
	Model               string    `db:"model"`
	InputTokens         int64     `db:"input_tokens"`
	OutputTokens        int64     `db:"output_tokens"`
	CacheCreationTokens int64     `db:"cache_creation_tokens"`
	CacheReadTokens     int64     `db:"cache_read_tokens"`
	CreatedAt           time.Time `db:"created_at"`
}

// Sample converts the row to a UsageSample.
func (r *RecordedSample) Sample() streamjson.UsageSample {
	return streamjson.UsageSample{
		InputTokens:              r.InputTokens,
		OutputTokens:             r.OutputTokens,
		CacheCreationInputTokens: r.CacheCreationTokens,
		CacheReadInputTokens:     r.CacheReadTokens,
	}
}
