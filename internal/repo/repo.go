package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"experimenter/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

type scanner interface {
	Scan(dest ...any) error
}

const experimentColumns = `id,slug,name,owner_id,status,publish_status,status_next,is_end_requested,results_ready,
COALESCE(publish_changed_at,''),COALESCE(hypothesis,''),COALESCE(public_description,''),COALESCE(risk_mitigation_link,''),
COALESCE(feature_config,''),reference_branch_json,treatment_branches_json,COALESCE(channel,''),COALESCE(firefox_min_version,''),
COALESCE(targeting_config_slug,''),population_percent,proposed_duration,proposed_enrollment,created_at,updated_at`

func scanExperiment(row scanner) (domain.Experiment, error) {
	var e domain.Experiment
	var next, refJSON, treatJSON sql.NullString
	var endRequested, resultsReady int
	err := row.Scan(&e.ID, &e.Slug, &e.Name, &e.Owner, &e.Status, &e.PublishStatus, &next, &endRequested, &resultsReady,
		&e.PublishChangedAt, &e.Hypothesis, &e.PublicDescription, &e.RiskMitigationLink,
		&e.FeatureConfig, &refJSON, &treatJSON, &e.Channel, &e.FirefoxMinVersion,
		&e.TargetingConfigSlug, &e.PopulationPercent, &e.ProposedDuration, &e.ProposedEnrollment, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if next.Valid && next.String != "" {
		s := domain.Status(next.String)
		e.StatusNext = &s
	}
	e.IsEndRequested = endRequested != 0
	e.ResultsReady = resultsReady != 0
	if refJSON.Valid && refJSON.String != "" {
		var b domain.Branch
		if err := json.Unmarshal([]byte(refJSON.String), &b); err != nil {
			return e, fmt.Errorf("decode reference branch: %w", err)
		}
		e.ReferenceBranch = &b
	}
	if treatJSON.Valid && treatJSON.String != "" {
		if err := json.Unmarshal([]byte(treatJSON.String), &e.TreatmentBranches); err != nil {
			return e, fmt.Errorf("decode treatment branches: %w", err)
		}
	}
	return e, nil
}

func experimentArgs(e domain.Experiment) ([]any, error) {
	var ref any
	if e.ReferenceBranch != nil {
		b, err := json.Marshal(e.ReferenceBranch)
		if err != nil {
			return nil, err
		}
		ref = string(b)
	}
	var treat any
	if len(e.TreatmentBranches) > 0 {
		b, err := json.Marshal(e.TreatmentBranches)
		if err != nil {
			return nil, err
		}
		treat = string(b)
	}
	var next any
	if e.StatusNext != nil {
		next = string(*e.StatusNext)
	}
	return []any{
		e.Name, string(e.Status), string(e.PublishStatus), next, boolInt(e.IsEndRequested), boolInt(e.ResultsReady),
		nullable(e.PublishChangedAt), nullable(e.Hypothesis), nullable(e.PublicDescription), nullable(e.RiskMitigationLink),
		nullable(e.FeatureConfig), ref, treat, nullable(e.Channel), nullable(e.FirefoxMinVersion),
		nullable(e.TargetingConfigSlug), e.PopulationPercent, e.ProposedDuration, e.ProposedEnrollment, e.UpdatedAt,
	}, nil
}

// InsertExperiment stores e and returns its new id.
func (r Repo) InsertExperiment(ctx context.Context, tx *sql.Tx, e domain.Experiment) (int64, error) {
	args, err := experimentArgs(e)
	if err != nil {
		return 0, err
	}
	args = append([]any{e.Slug, e.Owner}, args...)
	args = append(args, e.CreatedAt)
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO experiments(slug,owner_id,name,status,publish_status,status_next,is_end_requested,results_ready,
publish_changed_at,hypothesis,public_description,risk_mitigation_link,feature_config,reference_branch_json,treatment_branches_json,
channel,firefox_min_version,targeting_config_slug,population_percent,proposed_duration,proposed_enrollment,updated_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if err != nil {
		return 0, fmt.Errorf("insert experiment: %w", err)
	}
	return res.LastInsertId()
}

func (r Repo) UpdateExperiment(ctx context.Context, tx *sql.Tx, e domain.Experiment) error {
	args, err := experimentArgs(e)
	if err != nil {
		return err
	}
	args = append(args, e.ID)
	res, err := r.q(tx).ExecContext(ctx, `UPDATE experiments SET name=?,status=?,publish_status=?,status_next=?,is_end_requested=?,results_ready=?,
publish_changed_at=?,hypothesis=?,public_description=?,risk_mitigation_link=?,feature_config=?,reference_branch_json=?,treatment_branches_json=?,
channel=?,firefox_min_version=?,targeting_config_slug=?,population_percent=?,proposed_duration=?,proposed_enrollment=?,updated_at=?
WHERE id=?`, args...)
	if err != nil {
		return fmt.Errorf("update experiment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetExperiment(ctx context.Context, id int64) (domain.Experiment, error) {
	return r.GetExperimentTx(ctx, nil, id)
}

func (r Repo) GetExperimentTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Experiment, error) {
	return scanExperiment(r.q(tx).QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id=?`, id))
}

func (r Repo) GetExperimentBySlug(ctx context.Context, slug string) (domain.Experiment, error) {
	return scanExperiment(r.DB.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE slug=?`, slug))
}

type ExperimentFilters struct {
	Status        string
	PublishStatus string
	Owner         string
	// ChangedBefore limits to rows whose publish status last moved at or before this RFC3339 time.
	ChangedBefore string
	Limit         int
}

func (r Repo) ListExperiments(ctx context.Context, f ExperimentFilters) ([]domain.Experiment, error) {
	return r.ListExperimentsTx(ctx, nil, f)
}

func (r Repo) ListExperimentsTx(ctx context.Context, tx *sql.Tx, f ExperimentFilters) ([]domain.Experiment, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.PublishStatus != "" {
		clauses = append(clauses, "publish_status=?")
		args = append(args, f.PublishStatus)
	}
	if f.Owner != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.Owner)
	}
	if f.ChangedBefore != "" {
		clauses = append(clauses, "publish_changed_at IS NOT NULL AND publish_changed_at<=?")
		args = append(args, f.ChangedBefore)
	}
	query := fmt.Sprintf(`SELECT %s FROM experiments WHERE %s ORDER BY id ASC`, experimentColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
