// Package db implements the storage interface spec.md §6.3 names:
// document/permission lookups, the append-only operation log, session
// bookkeeping, snapshot checkpointing, and the offline queue, plus the
// minimal metadata CRUD the external metadata-API collaborator needs.
package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collabcore/server/internal/logger"
	"github.com/collabcore/server/internal/models"
)

// DB wraps the Postgres connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// New opens a pool against dbURL, configured for PgBouncer compatibility
// the way the donor's New did (transaction-mode PgBouncer rejects
// prepared statements, so the simple protocol is forced here).
func New(ctx context.Context, dbURL string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	logger.Info("connecting to database")
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("database connection established")
	return &DB{pool: pool}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Pool exposes the underlying pool for callers that need transactional
// control this package doesn't itself need.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// User operations

// GetUserByOpenID resolves a user by the OpenID an auth.Identity
// carries, per spec.md §6.2's external auth boundary.
func (db *DB) GetUserByOpenID(ctx context.Context, openID string) (*models.User, error) {
	var u models.User
	err := db.pool.QueryRow(ctx, `
		SELECT id, open_id, name, email, created_at
		FROM users WHERE open_id = $1
	`, openID).Scan(&u.ID, &u.OpenID, &u.Name, &u.Email, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser resolves a user by ID.
func (db *DB) GetUser(ctx context.Context, id models.UserId) (*models.User, error) {
	var u models.User
	err := db.pool.QueryRow(ctx, `
		SELECT id, open_id, name, email, created_at
		FROM users WHERE id = $1
	`, int64(id)).Scan(&u.ID, &u.OpenID, &u.Name, &u.Email, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser creates a user for openID, or updates the name of the user
// that already has it, and returns the row. The metadata API's dev-login
// handler calls it on every login.
func (db *DB) CreateUser(ctx context.Context, openID, name, email string) (*models.User, error) {
	var u models.User
	err := db.pool.QueryRow(ctx, `
		INSERT INTO users (open_id, name, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (open_id) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, open_id, name, email, created_at
	`, openID, name, email).Scan(&u.ID, &u.OpenID, &u.Name, &u.Email, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Document operations

// CreateDocument creates a new, empty document owned by ownerID.
func (db *DB) CreateDocument(ctx context.Context, title string, ownerID models.UserId) (*models.Document, error) {
	var d models.Document
	err := db.pool.QueryRow(ctx, `
		INSERT INTO documents (title, owner_id, snapshot_state, snapshot_version)
		VALUES ($1, $2, '', 0)
		RETURNING id, title, owner_id, snapshot_version, created_at, updated_at
	`, title, int64(ownerID)).Scan(&d.ID, &d.Title, &d.OwnerID, &d.SnapshotVersion, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDocuments returns documents userID owns or has a permission grant on.
func (db *DB) ListDocuments(ctx context.Context, userID models.UserId) ([]*models.Document, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT DISTINCT d.id, d.title, d.owner_id, d.snapshot_version, d.created_at, d.updated_at
		FROM documents d
		LEFT JOIN permissions p ON p.document_id = d.id AND p.user_id = $1
		WHERE d.owner_id = $1 OR p.user_id = $1
		ORDER BY d.updated_at DESC
	`, int64(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.Title, &d.OwnerID, &d.SnapshotVersion, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, &d)
	}
	return docs, rows.Err()
}

// GetDocument retrieves document metadata, without the snapshot payload.
func (db *DB) GetDocument(ctx context.Context, id models.DocumentId) (*models.Document, error) {
	var d models.Document
	err := db.pool.QueryRow(ctx, `
		SELECT id, title, owner_id, snapshot_version, created_at, updated_at
		FROM documents WHERE id = $1
	`, int64(id)).Scan(&d.ID, &d.Title, &d.OwnerID, &d.SnapshotVersion, &d.CreatedAt, &d.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CheckDocumentAccess resolves a user's permission role on a document.
// Resolves spec.md §9 Open Question 1: this is an AND predicate over
// (documentId, userId), not an OR: a grant on a different document
// never satisfies access to this one.
func (db *DB) CheckDocumentAccess(ctx context.Context, docID models.DocumentId, userID models.UserId) (*models.Permission, error) {
	var p models.Permission
	err := db.pool.QueryRow(ctx, `
		SELECT document_id, user_id, role, created_at
		FROM permissions WHERE document_id = $1 AND user_id = $2
	`, int64(docID), int64(userID)).Scan(&p.DocumentID, &p.UserID, &p.Role, &p.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SetPermission grants or updates a user's role on a document.
func (db *DB) SetPermission(ctx context.Context, docID models.DocumentId, userID models.UserId, role string) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO permissions (document_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, int64(docID), int64(userID), role)
	return err
}

// Operation log

// AddOperation appends one accepted update to the durable operation
// log. (document_id, version) is unique; callers must supply a
// strictly increasing version per document (spec.md invariant I5).
func (db *DB) AddOperation(ctx context.Context, op *models.Operation) error {
	vc, err := json.Marshal(op.VectorClock)
	if err != nil {
		return fmt.Errorf("marshal vector clock: %w", err)
	}
	_, err = db.pool.Exec(ctx, `
		INSERT INTO operations (document_id, client_id, user_id, update_b64, lamport_time, vector_clock, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, int64(op.DocumentID), string(op.ClientID), int64(op.UserID), op.UpdateB64, op.LamportTime, vc, op.Version)
	return err
}

// GetOperationsSince returns every operation recorded for a document
// with version > sinceVersion, in version order, for the read path
// a Room replays on top of its snapshot when it is loaded (spec.md §4.6).
func (db *DB) GetOperationsSince(ctx context.Context, docID models.DocumentId, sinceVersion int64) ([]*models.Operation, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT document_id, client_id, user_id, update_b64, lamport_time, vector_clock, version, created_at
		FROM operations
		WHERE document_id = $1 AND version > $2
		ORDER BY version ASC
	`, int64(docID), sinceVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		var op models.Operation
		var vc []byte
		if err := rows.Scan(&op.DocumentID, &op.ClientID, &op.UserID, &op.UpdateB64, &op.LamportTime, &vc, &op.Version, &op.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(vc, &op.VectorClock); err != nil {
			return nil, fmt.Errorf("unmarshal vector clock: %w", err)
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// Snapshot checkpointing

// UpdateDocumentSnapshot persists a new checkpoint of the CRDT engine's
// encoded state, grounded on the donor's SaveSnapshot.
func (db *DB) UpdateDocumentSnapshot(ctx context.Context, docID models.DocumentId, state []byte, version int64) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE documents SET snapshot_state = $2, snapshot_version = $3, updated_at = NOW()
		WHERE id = $1
	`, int64(docID), state, version)
	return err
}

// GetLatestSnapshot retrieves a document's last checkpointed state,
// grounded on the donor's GetLatestSnapshot.
func (db *DB) GetLatestSnapshot(ctx context.Context, docID models.DocumentId) ([]byte, int64, error) {
	var state []byte
	var version int64
	err := db.pool.QueryRow(ctx, `
		SELECT snapshot_state, snapshot_version FROM documents WHERE id = $1
	`, int64(docID)).Scan(&state, &version)
	if err == pgx.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return state, version, nil
}

// Session bookkeeping

// CreateSession records a newly joined session, for presence recovery
// and diagnostics across instance restarts.
func (db *DB) CreateSession(ctx context.Context, clientID models.ClientId, docID models.DocumentId, userID models.UserId) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO sessions (client_id, document_id, user_id, cursor_position, joined_at)
		VALUES ($1, $2, $3, 0, NOW())
		ON CONFLICT (client_id) DO UPDATE SET document_id = EXCLUDED.document_id, user_id = EXCLUDED.user_id, joined_at = NOW()
	`, string(clientID), int64(docID), int64(userID))
	return err
}

// DeleteSession removes a session row on disconnect.
func (db *DB) DeleteSession(ctx context.Context, clientID models.ClientId) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM sessions WHERE client_id = $1`, string(clientID))
	return err
}

// UpdateSessionCursor records the last cursor position a session sent.
func (db *DB) UpdateSessionCursor(ctx context.Context, clientID models.ClientId, position uint32) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE sessions SET cursor_position = $2 WHERE client_id = $1
	`, string(clientID), position)
	return err
}

// Offline queue

// AddOfflineOperation durably queues an update a disconnected client
// generated, per spec.md §4.7, keyed by (client_id, document_id) with
// a strictly increasing sequence number for FIFO drain order.
func (db *DB) AddOfflineOperation(ctx context.Context, entry *models.OfflineQueueEntry) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO offline_queue (client_id, document_id, update_data, sequence_number)
		VALUES ($1, $2, $3, $4)
	`, string(entry.ClientID), int64(entry.DocumentID), entry.Update, entry.SequenceNumber)
	return err
}

// GetOfflineQueue returns a client's queued updates for a document in
// sequence order, for draining on reconnect.
func (db *DB) GetOfflineQueue(ctx context.Context, clientID models.ClientId, docID models.DocumentId) ([]*models.OfflineQueueEntry, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT client_id, document_id, update_data, sequence_number
		FROM offline_queue
		WHERE client_id = $1 AND document_id = $2
		ORDER BY sequence_number ASC
	`, string(clientID), int64(docID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.OfflineQueueEntry
	for rows.Next() {
		var e models.OfflineQueueEntry
		if err := rows.Scan(&e.ClientID, &e.DocumentID, &e.Update, &e.SequenceNumber); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ClearOfflineQueue removes a client's drained queue entries for a document.
func (db *DB) ClearOfflineQueue(ctx context.Context, clientID models.ClientId, docID models.DocumentId) error {
	_, err := db.pool.Exec(ctx, `
		DELETE FROM offline_queue WHERE client_id = $1 AND document_id = $2
	`, string(clientID), int64(docID))
	return err
}
