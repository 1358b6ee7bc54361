package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"experimenter/internal/domain"
)

const changelogColumns = `id,ts,kind,experiment_id,actor_id,COALESCE(message,''),COALESCE(old_status,''),COALESCE(new_status,''),
COALESCE(old_publish_status,''),COALESCE(new_publish_status,''),payload_json`

func scanChangelog(row scanner) (domain.ChangelogEntry, error) {
	var c domain.ChangelogEntry
	err := row.Scan(&c.ID, &c.TS, &c.Kind, &c.ExperimentID, &c.ActorID, &c.Message, &c.OldStatus, &c.NewStatus,
		&c.OldPublish, &c.NewPublish, &c.Payload)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func collectChangelog(rows *sql.Rows) ([]domain.ChangelogEntry, error) {
	defer rows.Close()
	var res []domain.ChangelogEntry
	for rows.Next() {
		c, err := scanChangelog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// LatestChange returns the newest changelog row of kind for an experiment.
func (r Repo) LatestChange(ctx context.Context, tx *sql.Tx, experimentID int64, kind string) (domain.ChangelogEntry, error) {
	return scanChangelog(r.q(tx).QueryRowContext(ctx, `SELECT `+changelogColumns+` FROM changelog WHERE experiment_id=? AND kind=? ORDER BY id DESC LIMIT 1`,
		experimentID, kind))
}

type ChangelogFilters struct {
	ExperimentID int64
	Kind         string
	// Before pages backwards from this id.
	Before int64
	Limit  int
}

// ListChangelog returns rows newest first.
func (r Repo) ListChangelog(ctx context.Context, f ChangelogFilters) ([]domain.ChangelogEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ExperimentID > 0 {
		clauses = append(clauses, "experiment_id=?")
		args = append(args, f.ExperimentID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM changelog WHERE %s ORDER BY id DESC LIMIT ?`, changelogColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectChangelog(rows)
}

// ChangelogAfter returns rows with ids greater than cursor in ascending order.
func (r Repo) ChangelogAfter(ctx context.Context, limit int, cursor int64) ([]domain.ChangelogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+changelogColumns+` FROM changelog WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return collectChangelog(rows)
}

// LatestChangelogID returns the id of the newest changelog row, 0 when empty.
func (r Repo) LatestChangelogID(ctx context.Context) (int64, error) {
	return r.LatestChangelogIDTx(ctx, nil)
}

func (r Repo) LatestChangelogIDTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var id int64
	if err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM changelog`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
