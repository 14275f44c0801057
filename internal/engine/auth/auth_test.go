package auth_test

import (
	"context"
	"testing"

	"poiledger/internal/db"
	"poiledger/internal/engine/auth"
	"poiledger/internal/migrate"
)

func TestDirectoryActor(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	dir := auth.Directory{DB: conn, Dialect: db.SQLite}

	if err := dir.AddMember(ctx, "ana", "Fire Dept"); err != nil {
		t.Fatal(err)
	}
	if err := dir.AddMember(ctx, "ana", "Fire Dept"); err != nil {
		t.Fatalf("adding twice should be a no-op: %v", err)
	}
	if err := dir.GrantRole(ctx, "ana", "workflow_admin"); err != nil {
		t.Fatal(err)
	}
	actor, err := dir.Actor(ctx, "ana", []string{"Traffic", "Fire Dept"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(actor.Departments) != 2 || !actor.InDepartment("Traffic") || !actor.InDepartment("Fire Dept") {
		t.Fatalf("unexpected departments %v", actor.Departments)
	}
	if !actor.HasRole("workflow_admin") {
		t.Fatalf("expected stored role, got %v", actor.Roles)
	}

	if err := dir.RemoveMember(ctx, "ana", "Fire Dept"); err != nil {
		t.Fatal(err)
	}
	if err := dir.RevokeRole(ctx, "ana", "workflow_admin"); err != nil {
		t.Fatal(err)
	}
	actor, err = dir.Actor(ctx, "ana", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(actor.Departments) != 0 || len(actor.Roles) != 0 {
		t.Fatalf("expected empty memberships, got %+v", actor)
	}
	if err := dir.AddMember(ctx, "", "x"); err == nil {
		t.Fatalf("expected validation error")
	}
}
