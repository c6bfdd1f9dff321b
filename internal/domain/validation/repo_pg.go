package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fhirval/fhirval/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// =========== Result Repository ===========

type resultRepoPG struct{ pool *pgxpool.Pool }

// NewResultRepoPG creates the Postgres result repository.
func NewResultRepoPG(pool *pgxpool.Pool) ResultRepository { return &resultRepoPG{pool: pool} }

func (r *resultRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const resultColumns = `id, COALESCE(resource_db_id, 0), resource_type, resource_id, settings_hash, resource_hash,
	validated_at, is_valid, validation_score, error_count, warning_count, information_count,
	issues, aspect_breakdown`

func (r *resultRepoPG) Lookup(ctx context.Context, resourceType, resourceID, settingsHash, resourceHash string) (*Result, error) {
	return r.scanOne(r.conn(ctx).QueryRow(ctx,
		`SELECT `+resultColumns+` FROM validation_result
		 WHERE resource_type = $1 AND resource_id = $2 AND settings_hash = $3 AND resource_hash = $4
		 ORDER BY validated_at DESC LIMIT 1`,
		resourceType, resourceID, settingsHash, resourceHash))
}

func (r *resultRepoPG) Store(ctx context.Context, result *Result) error {
	issues, err := json.Marshal(result.Issues)
	if err != nil {
		return fmt.Errorf("result store: %w", err)
	}
	breakdown, err := json.Marshal(result.AspectBreakdown)
	if err != nil {
		return fmt.Errorf("result store: %w", err)
	}

	var dbID interface{}
	if result.ResourceDBID > 0 {
		dbID = result.ResourceDBID
	}
	_, err = r.conn(ctx).Exec(ctx,
		`INSERT INTO validation_result
		 (id, resource_db_id, resource_type, resource_id, settings_hash, resource_hash,
		  validated_at, is_valid, validation_score, error_count, warning_count, information_count,
		  issues, aspect_breakdown)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		result.ID, dbID, result.ResourceType, result.ResourceID, result.SettingsHash, result.ResourceHash,
		result.ValidatedAt, result.IsValid, result.ValidationScore,
		result.ErrorCount, result.WarningCount, result.InformationCount,
		issues, breakdown)
	if err != nil {
		return fmt.Errorf("result store: %w", err)
	}
	return nil
}

func (r *resultRepoPG) Latest(ctx context.Context, resourceType, resourceID string) (*Result, error) {
	return r.scanOne(r.conn(ctx).QueryRow(ctx,
		`SELECT `+resultColumns+` FROM validation_result
		 WHERE resource_type = $1 AND resource_id = $2
		 ORDER BY validated_at DESC LIMIT 1`,
		resourceType, resourceID))
}

func (r *resultRepoPG) List(ctx context.Context, limit, offset int) ([]*Result, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+resultColumns+` FROM validation_result
		 ORDER BY validated_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("result list: %w", err)
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		result, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

func (r *resultRepoPG) Counts(ctx context.Context, settingsHash string) (int, int, error) {
	var validated, valid int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(DISTINCT (resource_type, resource_id)),
		        COUNT(DISTINCT (resource_type, resource_id)) FILTER (WHERE is_valid)
		 FROM validation_result WHERE settings_hash = $1`, settingsHash).
		Scan(&validated, &valid)
	if err != nil {
		return 0, 0, fmt.Errorf("result counts: %w", err)
	}
	return validated, valid, nil
}

func (r *resultRepoPG) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM validation_result WHERE validated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("result prune: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *resultRepoPG) Clear(ctx context.Context) error {
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM validation_result`); err != nil {
		return fmt.Errorf("result clear: %w", err)
	}
	return nil
}

func (r *resultRepoPG) scanOne(row pgx.Row) (*Result, error) {
	result, err := r.scanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return result, err
}

func (r *resultRepoPG) scanRow(row pgx.Row) (*Result, error) {
	var result Result
	var issues, breakdown []byte
	err := row.Scan(&result.ID, &result.ResourceDBID, &result.ResourceType, &result.ResourceID,
		&result.SettingsHash, &result.ResourceHash, &result.ValidatedAt, &result.IsValid,
		&result.ValidationScore, &result.ErrorCount, &result.WarningCount, &result.InformationCount,
		&issues, &breakdown)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(issues, &result.Issues); err != nil {
		return nil, fmt.Errorf("result issues: %w", err)
	}
	if err := json.Unmarshal(breakdown, &result.AspectBreakdown); err != nil {
		return nil, fmt.Errorf("result breakdown: %w", err)
	}
	return &result, nil
}

// =========== Resource Repository ===========

type resourceRepoPG struct{ pool *pgxpool.Pool }

// NewResourceRepoPG creates the Postgres resource inventory repository.
func NewResourceRepoPG(pool *pgxpool.Pool) ResourceRepository { return &resourceRepoPG{pool: pool} }

func (r *resourceRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *resourceRepoPG) Upsert(ctx context.Context, res *StoredResource) (int64, error) {
	data, err := json.Marshal(res.Data)
	if err != nil {
		return 0, fmt.Errorf("resource upsert: %w", err)
	}
	var dbID int64
	err = r.conn(ctx).QueryRow(ctx,
		`INSERT INTO fhir_resource (server_id, resource_type, resource_id, version_id, data, fetched_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		 ON CONFLICT (server_id, resource_type, resource_id)
		 DO UPDATE SET version_id = EXCLUDED.version_id, data = EXCLUDED.data, fetched_at = EXCLUDED.fetched_at
		 RETURNING id`,
		res.ServerID, res.ResourceType, res.ResourceID, res.VersionID, data, res.FetchedAt).
		Scan(&dbID)
	if err != nil {
		return 0, fmt.Errorf("resource upsert: %w", err)
	}
	res.DBID = dbID
	return dbID, nil
}

func (r *resourceRepoPG) GetByKey(ctx context.Context, resourceType, resourceID string) (*StoredResource, error) {
	var res StoredResource
	var versionID *string
	var data []byte
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, server_id, resource_type, resource_id, version_id, data, fetched_at
		 FROM fhir_resource WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, resourceID).
		Scan(&res.DBID, &res.ServerID, &res.ResourceType, &res.ResourceID, &versionID, &data, &res.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resource get: %w", err)
	}
	if versionID != nil {
		res.VersionID = *versionID
	}
	if err := json.Unmarshal(data, &res.Data); err != nil {
		return nil, fmt.Errorf("resource data: %w", err)
	}
	return &res, nil
}

func (r *resourceRepoPG) CountByType(ctx context.Context) (map[string]int, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT resource_type, COUNT(*) FROM fhir_resource GROUP BY resource_type`)
	if err != nil {
		return nil, fmt.Errorf("resource counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var resourceType string
		var n int
		if err := rows.Scan(&resourceType, &n); err != nil {
			return nil, fmt.Errorf("resource counts scan: %w", err)
		}
		counts[resourceType] = n
	}
	return counts, rows.Err()
}
