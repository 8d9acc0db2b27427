package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/conductor/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL DEFAULT '',
	inbox_id      TEXT NOT NULL,
	parent_job_id TEXT NOT NULL DEFAULT '',
	config        TEXT NOT NULL,
	finished      INTEGER NOT NULL DEFAULT 0,
	archived      INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS steps (
	job_id      TEXT NOT NULL,
	idx         INTEGER NOT NULL,
	parent_hash TEXT NOT NULL,
	self_hash   TEXT NOT NULL,
	role        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	usage_p     INTEGER NOT NULL DEFAULT 0,
	usage_c     INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (job_id, idx)
);
CREATE UNIQUE INDEX IF NOT EXISTS steps_self_hash ON steps (job_id, self_hash);

CREATE TABLE IF NOT EXISTS inbox_messages (
	inbox_id    TEXT NOT NULL,
	idx         INTEGER NOT NULL,
	parent_hash TEXT NOT NULL,
	self_hash   TEXT NOT NULL,
	role        TEXT NOT NULL,
	body        TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (inbox_id, idx)
);

CREATE TABLE IF NOT EXISTS tools (
	router_key    TEXT PRIMARY KEY,
	descriptor    TEXT NOT NULL,
	runtime       TEXT NOT NULL,
	enabled       INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS providers (
	id         TEXT PRIMARY KEY,
	descriptor TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_entries (
	key          TEXT NOT NULL,
	nonce        TEXT NOT NULL,
	payload      BLOB NOT NULL,
	enqueued_at  TIMESTAMP NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	lease_token  TEXT NOT NULL DEFAULT '',
	lease_expiry TIMESTAMP,
	PRIMARY KEY (key, nonce)
);
`

// SQLiteStore implements Store on a single SQLite database file using the
// pure-Go modernc driver in WAL mode. The pool holds a single connection, so
// reads and writes run one at a time; per-job serialization is enforced with
// Go-level key locks on top of per-statement transactions.
type SQLiteStore struct {
	db     *sql.DB
	locker *keyLocker
}

// OpenSQLite opens (and bootstraps) a SQLite-backed store at path. Use
// ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, Fatal("open", err)
	}
	// The sqlite driver serializes writes; one connection, shared by readers
	// and writers, avoids spurious SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, Fatal("bootstrap", err)
	}
	return &SQLiteStore{db: db, locker: newKeyLocker()}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// classify maps driver failures onto the transient/fatal taxonomy. Lock and
// busy conditions are retryable; everything else escalates.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "busy") || strings.Contains(msg, "locked") ||
		strings.Contains(msg, "interrupted") {
		return Transient(op, err)
	}
	return Fatal(op, err)
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.UpdatedAt = job.CreatedAt
	config, err := json.Marshal(job.Config)
	if err != nil {
		return Fatal("create_job", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, agent_id, inbox_id, parent_job_id, config, finished, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		job.ID, job.AgentID, job.InboxID, job.ParentJobID, string(config), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return ErrDuplicateKey
		}
		return classify("create_job", err)
	}
	return nil
}

func (s *SQLiteStore) LoadJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, inbox_id, parent_job_id, config, finished, archived, created_at, updated_at
		FROM jobs WHERE id = ?`, jobID)
	return scanJob(row)
}

func scanJob(row *sql.Row) (*models.Job, error) {
	var job models.Job
	var config string
	var finished, archived int
	err := row.Scan(&job.ID, &job.AgentID, &job.InboxID, &job.ParentJobID,
		&config, &finished, &archived, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, classify("load_job", err)
	}
	if err := json.Unmarshal([]byte(config), &job.Config); err != nil {
		return nil, Fatal("load_job", err)
	}
	job.Finished = finished != 0
	job.Archived = archived != 0
	return &job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	query := `SELECT id, agent_id, inbox_id, parent_job_id, config, finished, archived, created_at, updated_at FROM jobs WHERE 1=1`
	var args []any
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.Finished != nil {
		query += " AND finished = ?"
		args = append(args, boolInt(*filter.Finished))
	}
	if !filter.IncludeArchived {
		query += " AND archived = 0"
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list_jobs", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		var job models.Job
		var config string
		var finished, archived int
		if err := rows.Scan(&job.ID, &job.AgentID, &job.InboxID, &job.ParentJobID,
			&config, &finished, &archived, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, classify("list_jobs", err)
		}
		if err := json.Unmarshal([]byte(config), &job.Config); err != nil {
			return nil, Fatal("list_jobs", err)
		}
		job.Finished = finished != 0
		job.Archived = archived != 0
		out = append(out, &job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ArchiveJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET archived = 1, updated_at = ? WHERE id = ?`, time.Now(), jobID)
	if err != nil {
		return classify("archive_job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendStep(ctx context.Context, step *models.Step) (int, error) {
	unlock := s.locker.Lock(step.JobID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("append_step", err)
	}
	defer tx.Rollback()

	var finished int
	if err := tx.QueryRowContext(ctx, `SELECT finished FROM jobs WHERE id = ?`, step.JobID).Scan(&finished); err != nil {
		return 0, classify("append_step", err)
	}

	// Idempotent replay: identical step already persisted.
	var existingIdx int
	err = tx.QueryRowContext(ctx,
		`SELECT idx FROM steps WHERE job_id = ? AND self_hash = ?`,
		step.JobID, step.SelfHash).Scan(&existingIdx)
	if err == nil {
		step.Index = existingIdx
		return existingIdx, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, classify("append_step", err)
	}

	if finished != 0 {
		return 0, ErrJobFinished
	}

	tailHash := models.RootHash
	nextIdx := 0
	err = tx.QueryRowContext(ctx,
		`SELECT idx, self_hash FROM steps WHERE job_id = ? ORDER BY idx DESC LIMIT 1`,
		step.JobID).Scan(&nextIdx, &tailHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		nextIdx = 0
		tailHash = models.RootHash
	case err != nil:
		return 0, classify("append_step", err)
	default:
		nextIdx++
	}

	if step.ParentHash != tailHash {
		return 0, ErrChainMismatch
	}

	payload, err := json.Marshal(step.Payload)
	if err != nil {
		return 0, Fatal("append_step", err)
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now()
	}
	var usageP, usageC int
	if step.Payload.Usage != nil {
		usageP = step.Payload.Usage.Prompt
		usageC = step.Payload.Usage.Completion
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO steps (job_id, idx, parent_hash, self_hash, role, payload, usage_p, usage_c, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.JobID, nextIdx, step.ParentHash, step.SelfHash, string(step.Payload.Role),
		string(payload), usageP, usageC, step.CreatedAt)
	if err != nil {
		return 0, classify("append_step", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET updated_at = ? WHERE id = ?`, time.Now(), step.JobID); err != nil {
		return 0, classify("append_step", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, classify("append_step", err)
	}
	step.Index = nextIdx
	return nextIdx, nil
}

func (s *SQLiteStore) LoadSteps(ctx context.Context, jobID string, sinceIndex, limit int) ([]*models.Step, error) {
	if _, err := s.LoadJob(ctx, jobID); err != nil {
		return nil, err
	}
	if sinceIndex < 0 {
		sinceIndex = 0
	}
	query := `SELECT job_id, idx, parent_hash, self_hash, payload, created_at FROM steps WHERE job_id = ? AND idx >= ? ORDER BY idx`
	args := []any{jobID, sinceIndex}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("load_steps", err)
	}
	defer rows.Close()

	var out []*models.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func scanStep(rows *sql.Rows) (*models.Step, error) {
	var step models.Step
	var payload string
	if err := rows.Scan(&step.JobID, &step.Index, &step.ParentHash, &step.SelfHash,
		&payload, &step.CreatedAt); err != nil {
		return nil, classify("scan_step", err)
	}
	if err := json.Unmarshal([]byte(payload), &step.Payload); err != nil {
		return nil, Fatal("scan_step", err)
	}
	return &step, nil
}

func (s *SQLiteStore) TailStep(ctx context.Context, jobID string) (*models.Step, error) {
	if _, err := s.LoadJob(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, idx, parent_hash, self_hash, payload, created_at
		 FROM steps WHERE job_id = ? ORDER BY idx DESC LIMIT 1`, jobID)
	if err != nil {
		return nil, classify("tail_step", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanStep(rows)
}

func (s *SQLiteStore) FindStepByHash(ctx context.Context, jobID, selfHash string) (*models.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, idx, parent_hash, self_hash, payload, created_at
		 FROM steps WHERE job_id = ? AND self_hash = ?`, jobID, selfHash)
	if err != nil {
		return nil, classify("find_step", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, classify("find_step", err)
		}
		return nil, ErrUnknownStepHash
	}
	return scanStep(rows)
}

func (s *SQLiteStore) CopySteps(ctx context.Context, fromJobID, toJobID string, throughIndex int) error {
	unlock := s.locker.Lock(toJobID)
	defer unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO steps (job_id, idx, parent_hash, self_hash, role, payload, usage_p, usage_c, created_at)
		SELECT ?, idx, parent_hash, self_hash, role, payload, usage_p, usage_c, created_at
		FROM steps WHERE job_id = ? AND idx <= ?`,
		toJobID, fromJobID, throughIndex)
	return classify("copy_steps", err)
}

func (s *SQLiteStore) SetFinished(ctx context.Context, jobID string, terminalIndex int) error {
	unlock := s.locker.Lock(jobID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("set_finished", err)
	}
	defer tx.Rollback()

	var finished int
	if err := tx.QueryRowContext(ctx, `SELECT finished FROM jobs WHERE id = ?`, jobID).Scan(&finished); err != nil {
		return classify("set_finished", err)
	}
	if finished != 0 {
		var tailIdx int
		if err := tx.QueryRowContext(ctx,
			`SELECT idx FROM steps WHERE job_id = ? ORDER BY idx DESC LIMIT 1`, jobID).Scan(&tailIdx); err != nil {
			return classify("set_finished", err)
		}
		if tailIdx == terminalIndex {
			return nil
		}
		return ErrAlreadyFinished
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET finished = 1, updated_at = ? WHERE id = ?`, time.Now(), jobID); err != nil {
		return classify("set_finished", err)
	}
	return classify("set_finished", tx.Commit())
}

func (s *SQLiteStore) AppendInboxMessage(ctx context.Context, msg *models.InboxMessage) (int, error) {
	unlock := s.locker.Lock("inbox/" + msg.InboxID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("append_inbox", err)
	}
	defer tx.Rollback()

	nextIdx := 0
	err = tx.QueryRowContext(ctx,
		`SELECT idx FROM inbox_messages WHERE inbox_id = ? ORDER BY idx DESC LIMIT 1`,
		msg.InboxID).Scan(&nextIdx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		nextIdx = 0
	case err != nil:
		return 0, classify("append_inbox", err)
	default:
		nextIdx++
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO inbox_messages (inbox_id, idx, parent_hash, self_hash, role, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.InboxID, nextIdx, msg.ParentHash, msg.SelfHash, string(msg.Role), msg.Body, msg.CreatedAt)
	if err != nil {
		return 0, classify("append_inbox", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, classify("append_inbox", err)
	}
	msg.Index = nextIdx
	return nextIdx, nil
}

func (s *SQLiteStore) ReadInbox(ctx context.Context, inboxID string, since, limit int) ([]*models.InboxMessage, error) {
	if since < 0 {
		since = 0
	}
	query := `SELECT inbox_id, idx, parent_hash, self_hash, role, body, created_at
		FROM inbox_messages WHERE inbox_id = ? AND idx >= ? ORDER BY idx`
	args := []any{inboxID, since}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("read_inbox", err)
	}
	defer rows.Close()

	var out []*models.InboxMessage
	for rows.Next() {
		var msg models.InboxMessage
		var role string
		if err := rows.Scan(&msg.InboxID, &msg.Index, &msg.ParentHash, &msg.SelfHash,
			&role, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, classify("read_inbox", err)
		}
		msg.Role = models.StepRole(role)
		out = append(out, &msg)
	}
	if len(out) == 0 && since == 0 {
		// Distinguish an unknown inbox from an empty page.
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM inbox_messages WHERE inbox_id = ?`, inboxID).Scan(&n); err == nil && n == 0 {
			return nil, ErrNotFound
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ForkInbox(ctx context.Context, inboxID, fromMessageHash, newInboxID string) error {
	var cut int
	err := s.db.QueryRowContext(ctx,
		`SELECT idx FROM inbox_messages WHERE inbox_id = ? AND self_hash = ?`,
		inboxID, fromMessageHash).Scan(&cut)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknownStepHash
	}
	if err != nil {
		return classify("fork_inbox", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO inbox_messages (inbox_id, idx, parent_hash, self_hash, role, body, created_at)
		SELECT ?, idx, parent_hash, self_hash, role, body, created_at
		FROM inbox_messages WHERE inbox_id = ? AND idx <= ?`,
		newInboxID, inboxID, cut)
	return classify("fork_inbox", err)
}

func (s *SQLiteStore) RegisterTool(ctx context.Context, d *models.ToolDescriptor) error {
	blob, err := json.Marshal(d)
	if err != nil {
		return Fatal("register_tool", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tools (router_key, descriptor, runtime, enabled) VALUES (?, ?, ?, ?)`,
		d.RouterKey, string(blob), string(d.Runtime), boolInt(d.Enabled))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return ErrDuplicateKey
		}
		return classify("register_tool", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTool(ctx context.Context, d *models.ToolDescriptor) error {
	blob, err := json.Marshal(d)
	if err != nil {
		return Fatal("update_tool", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tools SET descriptor = ?, runtime = ?, enabled = ? WHERE router_key = ?`,
		string(blob), string(d.Runtime), boolInt(d.Enabled), d.RouterKey)
	if err != nil {
		return classify("update_tool", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) LookupTool(ctx context.Context, routerKey string) (*models.ToolDescriptor, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT descriptor FROM tools WHERE router_key = ?`, routerKey).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("lookup_tool", err)
	}
	var d models.ToolDescriptor
	if err := json.Unmarshal([]byte(blob), &d); err != nil {
		return nil, Fatal("lookup_tool", err)
	}
	return &d, nil
}

func (s *SQLiteStore) ListTools(ctx context.Context, filter ToolFilter) ([]*models.ToolDescriptor, error) {
	query := `SELECT descriptor FROM tools WHERE 1=1`
	var args []any
	if filter.Runtime != "" {
		query += " AND runtime = ?"
		args = append(args, string(filter.Runtime))
	}
	if filter.EnabledOnly {
		query += " AND enabled = 1"
	}
	query += " ORDER BY router_key"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list_tools", err)
	}
	defer rows.Close()

	var out []*models.ToolDescriptor
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, classify("list_tools", err)
		}
		var d models.ToolDescriptor
		if err := json.Unmarshal([]byte(blob), &d); err != nil {
			return nil, Fatal("list_tools", err)
		}
		if filter.Namespace != "" && !strings.HasPrefix(d.RouterKey, filter.Namespace+"/") {
			continue
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RegisterProvider(ctx context.Context, d *models.ProviderDescriptor) error {
	blob, err := json.Marshal(d)
	if err != nil {
		return Fatal("register_provider", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO providers (id, descriptor) VALUES (?, ?)`, d.ID, string(blob))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return ErrDuplicateKey
		}
		return classify("register_provider", err)
	}
	return nil
}

func (s *SQLiteStore) LookupProvider(ctx context.Context, id string) (*models.ProviderDescriptor, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT descriptor FROM providers WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("lookup_provider", err)
	}
	var d models.ProviderDescriptor
	if err := json.Unmarshal([]byte(blob), &d); err != nil {
		return nil, Fatal("lookup_provider", err)
	}
	return &d, nil
}

func (s *SQLiteStore) ListProviders(ctx context.Context) ([]*models.ProviderDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT descriptor FROM providers ORDER BY id`)
	if err != nil {
		return nil, classify("list_providers", err)
	}
	defer rows.Close()
	var out []*models.ProviderDescriptor
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, classify("list_providers", err)
		}
		var d models.ProviderDescriptor
		if err := json.Unmarshal([]byte(blob), &d); err != nil {
			return nil, Fatal("list_providers", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveQueueEntry(ctx context.Context, e *models.QueueEntry) error {
	var expiry any
	if !e.LeaseExpiry.IsZero() {
		expiry = e.LeaseExpiry
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_entries (key, nonce, payload, enqueued_at, attempts, lease_token, lease_expiry)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key, nonce) DO UPDATE SET
			attempts = excluded.attempts,
			lease_token = excluded.lease_token,
			lease_expiry = excluded.lease_expiry`,
		e.Key, e.Nonce, e.Payload, e.EnqueuedAt, e.Attempts, e.LeaseToken, expiry)
	return classify("save_queue_entry", err)
}

func (s *SQLiteStore) DeleteQueueEntry(ctx context.Context, key, nonce string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE key = ? AND nonce = ?`, key, nonce)
	return classify("delete_queue_entry", err)
}

func (s *SQLiteStore) LoadQueueEntries(ctx context.Context) ([]*models.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, nonce, payload, enqueued_at, attempts, lease_token, lease_expiry
		FROM queue_entries ORDER BY enqueued_at`)
	if err != nil {
		return nil, classify("load_queue_entries", err)
	}
	defer rows.Close()

	var out []*models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		var expiry sql.NullTime
		if err := rows.Scan(&e.Key, &e.Nonce, &e.Payload, &e.EnqueuedAt,
			&e.Attempts, &e.LeaseToken, &expiry); err != nil {
			return nil, classify("load_queue_entries", err)
		}
		if expiry.Valid {
			e.LeaseExpiry = expiry.Time
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
