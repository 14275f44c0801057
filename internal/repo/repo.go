package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"poiledger/internal/db"
	"poiledger/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

const poiColumns = `id,kind,lat,lon,polygon_json,polyline_json,status,priority,priority_manual,version,details_json,author_id,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPOI(row rowScanner) (domain.POI, error) {
	var p domain.POI
	var polygon, polyline, priority sql.NullString
	var manual int64
	var details string
	err := row.Scan(&p.ID, &p.Kind, &p.Position.Lat, &p.Position.Lon, &polygon, &polyline, &p.Status, &priority, &manual, &p.Version, &details, &p.AuthorID, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if polygon.Valid {
		if err := json.Unmarshal([]byte(polygon.String), &p.Polygon); err != nil {
			return p, fmt.Errorf("decode polygon of %s: %w", p.ID, err)
		}
	}
	if polyline.Valid {
		if err := json.Unmarshal([]byte(polyline.String), &p.Polyline); err != nil {
			return p, fmt.Errorf("decode polyline of %s: %w", p.ID, err)
		}
	}
	if priority.Valid {
		p.Priority = domain.Priority(priority.String)
	}
	p.PriorityManual = manual != 0
	d, err := domain.DecodeDetails(p.Kind, []byte(details))
	if err != nil {
		return p, fmt.Errorf("decode details of %s: %w", p.ID, err)
	}
	p.Details = d
	return p, nil
}

func (r Repo) InsertPOI(ctx context.Context, tx *sql.Tx, p domain.POI) error {
	details, err := domain.EncodeDetails(p.Kind, p.Details)
	if err != nil {
		return err
	}
	polygon, err := nullableJSON(p.Polygon)
	if err != nil {
		return err
	}
	polyline, err := nullableJSON(p.Polyline)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO pois(`+poiColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		p.ID, string(p.Kind), p.Position.Lat, p.Position.Lon, polygon, polyline, string(p.Status), nullable(string(p.Priority)), boolInt(p.PriorityManual),
		p.Version, string(details), p.AuthorID, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPOI(ctx context.Context, id string) (domain.POI, error) {
	return r.getPOI(ctx, r.DB, id)
}

func (r Repo) GetPOITx(ctx context.Context, tx *sql.Tx, id string) (domain.POI, error) {
	return r.getPOI(ctx, tx, id)
}

func (r Repo) getPOI(ctx context.Context, q Querier, id string) (domain.POI, error) {
	return scanPOI(q.QueryRowContext(ctx, r.q(`SELECT `+poiColumns+` FROM pois WHERE id=?`), id))
}

// CurrentVersion returns the committed version of a POI.
func (r Repo) CurrentVersion(ctx context.Context, q Querier, id string) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, r.q(`SELECT version FROM pois WHERE id=?`), id).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return v, err
}

// ClaimVersion bumps the version only if it still equals expected. It is the
// single commit gate for every POI mutation.
func (r Repo) ClaimVersion(ctx context.Context, tx *sql.Tx, id string, expected int64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE pois SET version=version+1, updated_at=? WHERE id=? AND version=?`), updatedAt, id, expected)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	current, err := r.CurrentVersion(ctx, tx, id)
	if err != nil {
		return err
	}
	return domain.ConflictError{ID: id, Expected: expected, Current: current}
}

// SavePOIState writes the mutable columns after a claimed version bump.
func (r Repo) SavePOIState(ctx context.Context, tx *sql.Tx, p domain.POI) error {
	details, err := domain.EncodeDetails(p.Kind, p.Details)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE pois SET status=?, priority=?, priority_manual=?, details_json=?, updated_at=? WHERE id=? AND version=?`),
		string(p.Status), nullable(string(p.Priority)), boolInt(p.PriorityManual), string(details), p.UpdatedAt, p.ID, p.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type POIFilters struct {
	Kind            string
	Status          string
	AuthorID        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListPOIs(ctx context.Context, f POIFilters) ([]domain.POI, error) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AuthorID != "" {
		clauses = append(clauses, "author_id=?")
		args = append(args, f.AuthorID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + poiColumns + ` FROM pois ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.POI
	for rows.Next() {
		p, err := scanPOI(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertSteps(ctx context.Context, tx *sql.Tx, steps []domain.WorkflowStep) error {
	for _, s := range steps {
		_, err := tx.ExecContext(ctx, r.q(`INSERT INTO workflow_steps(id,poi_id,position,department,required,status,reason,resolved_by,resolved_at) VALUES (?,?,?,?,?,?,?,?,?)`),
			s.ID, s.POIID, s.Position, s.Department, boolInt(s.Required), string(s.Status), nullable(s.Reason), nullable(s.ResolvedBy), nullable(s.ResolvedAt))
		if err != nil {
			return fmt.Errorf("insert workflow step %s: %w", s.Department, err)
		}
	}
	return nil
}

func (r Repo) SaveStep(ctx context.Context, tx *sql.Tx, s domain.WorkflowStep) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE workflow_steps SET status=?, reason=?, resolved_by=?, resolved_at=? WHERE id=? AND poi_id=?`),
		string(s.Status), nullable(s.Reason), nullable(s.ResolvedBy), nullable(s.ResolvedAt), s.ID, s.POIID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListSteps(ctx context.Context, poiID string) ([]domain.WorkflowStep, error) {
	return r.listSteps(ctx, r.DB, poiID)
}

func (r Repo) ListStepsTx(ctx context.Context, tx *sql.Tx, poiID string) ([]domain.WorkflowStep, error) {
	return r.listSteps(ctx, tx, poiID)
}

func (r Repo) listSteps(ctx context.Context, q Querier, poiID string) ([]domain.WorkflowStep, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT id,poi_id,position,department,required,status,reason,resolved_by,resolved_at FROM workflow_steps WHERE poi_id=? ORDER BY position ASC`), poiID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowStep
	for rows.Next() {
		var s domain.WorkflowStep
		var required int64
		var reason, by, at sql.NullString
		if err := rows.Scan(&s.ID, &s.POIID, &s.Position, &s.Department, &required, &s.Status, &reason, &by, &at); err != nil {
			return nil, err
		}
		s.Required = required != 0
		s.Reason = reason.String
		s.ResolvedBy = by.String
		s.ResolvedAt = at.String
		res = append(res, s)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableJSON(v []domain.Position) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
