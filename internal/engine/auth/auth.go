// Package auth keeps the department memberships and roles the registry
// trusts when no external identity provider supplies them.
package auth

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"poiledger/internal/db"
	"poiledger/internal/domain"
	"poiledger/internal/workflow"
)

// Directory provides membership lookups backed by SQL.
type Directory struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

func (d Directory) now() string {
	if d.Now != nil {
		return domain.FormatTime(d.Now())
	}
	return domain.FormatTime(time.Now())
}

func (d Directory) q(query string) string {
	return d.Dialect.Rebind(query)
}

func (d Directory) AddMember(ctx context.Context, actorID, department string) error {
	actorID, department = strings.TrimSpace(actorID), strings.TrimSpace(department)
	if actorID == "" || department == "" {
		return domain.ValidationError{Field: "member", Reason: "actor_id and department required"}
	}
	_, err := d.DB.ExecContext(ctx, d.q(`INSERT INTO department_members(actor_id,department,created_at) VALUES (?,?,?) ON CONFLICT DO NOTHING`), actorID, department, d.now())
	return err
}

func (d Directory) RemoveMember(ctx context.Context, actorID, department string) error {
	_, err := d.DB.ExecContext(ctx, d.q(`DELETE FROM department_members WHERE actor_id=? AND department=?`), actorID, department)
	return err
}

func (d Directory) Departments(ctx context.Context, actorID string) ([]string, error) {
	return d.strings(ctx, `SELECT department FROM department_members WHERE actor_id=? ORDER BY department`, actorID)
}

func (d Directory) GrantRole(ctx context.Context, actorID, role string) error {
	actorID, role = strings.TrimSpace(actorID), strings.TrimSpace(role)
	if actorID == "" || role == "" {
		return domain.ValidationError{Field: "role", Reason: "actor_id and role required"}
	}
	_, err := d.DB.ExecContext(ctx, d.q(`INSERT INTO actor_roles(actor_id,role,created_at) VALUES (?,?,?) ON CONFLICT DO NOTHING`), actorID, role, d.now())
	return err
}

func (d Directory) RevokeRole(ctx context.Context, actorID, role string) error {
	_, err := d.DB.ExecContext(ctx, d.q(`DELETE FROM actor_roles WHERE actor_id=? AND role=?`), actorID, role)
	return err
}

func (d Directory) Roles(ctx context.Context, actorID string) ([]string, error) {
	return d.strings(ctx, `SELECT role FROM actor_roles WHERE actor_id=? ORDER BY role`, actorID)
}

// Actor merges stored memberships with the ones asserted by the caller's
// credentials.
func (d Directory) Actor(ctx context.Context, actorID string, departments, roles []string) (workflow.Actor, error) {
	stored, err := d.Departments(ctx, actorID)
	if err != nil {
		return workflow.Actor{}, err
	}
	granted, err := d.Roles(ctx, actorID)
	if err != nil {
		return workflow.Actor{}, err
	}
	return workflow.Actor{
		ID:          actorID,
		Departments: union(stored, departments),
		Roles:       union(granted, roles),
	}, nil
}

func (d Directory) strings(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, d.q(query), arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func union(a, b []string) []string {
	set := map[string]struct{}{}
	for _, v := range append(append([]string(nil), a...), b...) {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
