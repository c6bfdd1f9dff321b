package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fhirval/fhirval/internal/platform/db"
)

// queryable is satisfied by both *pgxpool.Pool and pgx.Tx, letting
// repositories run inside a caller-provided transaction.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// =========== Settings Repository ===========

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates the Postgres settings repository.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const settingsColumns = `id, lineage_id, version, content, settings_hash, is_active, created_by, created_at`

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	content, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("settings create: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx,
		`INSERT INTO validation_settings (id, lineage_id, version, content, settings_hash, is_active, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.LineageID, rec.Version, content, rec.SettingsHash, rec.IsActive, rec.CreatedBy, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("settings create: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return r.scanOne(r.conn(ctx).QueryRow(ctx,
		`SELECT `+settingsColumns+` FROM validation_settings WHERE id = $1`, id))
}

func (r *repoPG) GetActive(ctx context.Context) (*Record, error) {
	return r.scanOne(r.conn(ctx).QueryRow(ctx,
		`SELECT `+settingsColumns+` FROM validation_settings WHERE is_active`))
}

func (r *repoPG) GetByLineageVersion(ctx context.Context, lineageID uuid.UUID, version int) (*Record, error) {
	return r.scanOne(r.conn(ctx).QueryRow(ctx,
		`SELECT `+settingsColumns+` FROM validation_settings WHERE lineage_id = $1 AND version = $2`,
		lineageID, version))
}

func (r *repoPG) LatestVersion(ctx context.Context, lineageID uuid.UUID) (int, error) {
	var version int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM validation_settings WHERE lineage_id = $1`,
		lineageID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("settings latest version: %w", err)
	}
	return version, nil
}

func (r *repoPG) History(ctx context.Context, lineageID uuid.UUID, limit, offset int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+settingsColumns+` FROM validation_settings
		 WHERE lineage_id = $1 ORDER BY version DESC LIMIT $2 OFFSET $3`,
		lineageID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("settings history: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

func (r *repoPG) Activate(ctx context.Context, id uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx,
			`UPDATE validation_settings SET is_active = FALSE WHERE is_active`); err != nil {
			return fmt.Errorf("settings deactivate: %w", err)
		}
		tag, err := r.conn(ctx).Exec(ctx,
			`UPDATE validation_settings SET is_active = TRUE WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("settings activate: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *repoPG) All(ctx context.Context) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+settingsColumns+` FROM validation_settings ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("settings all: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

func (r *repoPG) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM validation_settings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("settings count: %w", err)
	}
	return n, nil
}

func (r *repoPG) scanOne(row pgx.Row) (*Record, error) {
	var rec Record
	var content []byte
	err := row.Scan(&rec.ID, &rec.LineageID, &rec.Version, &content, &rec.SettingsHash,
		&rec.IsActive, &rec.CreatedBy, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("settings scan: %w", err)
	}
	if err := json.Unmarshal(content, &rec.Content); err != nil {
		return nil, fmt.Errorf("settings content: %w", err)
	}
	return &rec, nil
}

func (r *repoPG) scanAll(rows pgx.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		var rec Record
		var content []byte
		if err := rows.Scan(&rec.ID, &rec.LineageID, &rec.Version, &content, &rec.SettingsHash,
			&rec.IsActive, &rec.CreatedBy, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("settings scan: %w", err)
		}
		if err := json.Unmarshal(content, &rec.Content); err != nil {
			return nil, fmt.Errorf("settings content: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// =========== Audit Repository ===========

type auditRepoPG struct{ pool *pgxpool.Pool }

// NewAuditRepoPG creates the Postgres audit repository.
func NewAuditRepoPG(pool *pgxpool.Pool) AuditRepository { return &auditRepoPG{pool: pool} }

func (r *auditRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *auditRepoPG) Append(ctx context.Context, entry *AuditEntry) error {
	var detail []byte
	if entry.Detail != nil {
		var err error
		if detail, err = json.Marshal(entry.Detail); err != nil {
			return fmt.Errorf("audit append: %w", err)
		}
	}
	err := r.conn(ctx).QueryRow(ctx,
		`INSERT INTO validation_settings_audit (settings_id, action, actor, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		entry.SettingsID, entry.Action, entry.Actor, detail, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}

func (r *auditRepoPG) List(ctx context.Context, settingsID *uuid.UUID, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, settings_id, action, actor, detail, created_at
	          FROM validation_settings_audit`
	args := []interface{}{limit}
	if settingsID != nil {
		query += ` WHERE settings_id = $2`
		args = append(args, *settingsID)
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit list: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var detail []byte
		if err := rows.Scan(&e.ID, &e.SettingsID, &e.Action, &e.Actor, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit scan: %w", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("audit detail: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (r *auditRepoPG) CountByAction(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT action, COUNT(*) FROM validation_settings_audit
		 WHERE created_at >= $1 GROUP BY action`, since)
	if err != nil {
		return nil, fmt.Errorf("audit count: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("audit count scan: %w", err)
		}
		counts[action] = n
	}
	return counts, rows.Err()
}

// =========== Backup Repository ===========

type backupRepoPG struct{ pool *pgxpool.Pool }

// NewBackupRepoPG creates the Postgres backup repository.
func NewBackupRepoPG(pool *pgxpool.Pool) BackupRepository { return &backupRepoPG{pool: pool} }

func (r *backupRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const backupColumns = `id, description, tags, created_by, settings_count, content, checksum, created_at`

func (r *backupRepoPG) Create(ctx context.Context, b *Backup) error {
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO backup_metadata (id, description, tags, created_by, settings_count, content, checksum, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.Description, b.Tags, b.CreatedBy, b.SettingsCount, b.Content, b.Checksum, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("backup create: %w", err)
	}
	return nil
}

func (r *backupRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Backup, error) {
	var b Backup
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT `+backupColumns+` FROM backup_metadata WHERE id = $1`, id).
		Scan(&b.ID, &b.Description, &b.Tags, &b.CreatedBy, &b.SettingsCount, &b.Content, &b.Checksum, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("backup get: %w", err)
	}
	return &b, nil
}

func (r *backupRepoPG) List(ctx context.Context) ([]*Backup, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, description, tags, created_by, settings_count, checksum, created_at
		 FROM backup_metadata ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("backup list: %w", err)
	}
	defer rows.Close()

	var backups []*Backup
	for rows.Next() {
		var b Backup
		if err := rows.Scan(&b.ID, &b.Description, &b.Tags, &b.CreatedBy, &b.SettingsCount, &b.Checksum, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("backup scan: %w", err)
		}
		backups = append(backups, &b)
	}
	return backups, rows.Err()
}

func (r *backupRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM backup_metadata WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("backup delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *backupRepoPG) DeleteOlderThan(ctx context.Context, cutoff time.Time, keep int) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM backup_metadata
		 WHERE created_at < $1
		   AND id NOT IN (SELECT id FROM backup_metadata ORDER BY created_at DESC LIMIT $2)`,
		cutoff, keep)
	if err != nil {
		return 0, fmt.Errorf("backup cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
