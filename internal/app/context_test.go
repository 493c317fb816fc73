package app_test

import (
	"context"
	"testing"

	"sepflow/internal/app"
	"sepflow/internal/config"
	"sepflow/internal/domain"
	"sepflow/internal/engine"
)

func TestInitWorkspaceAndOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	wrote, err := app.InitWorkspace(dir)
	if err != nil || !wrote {
		t.Fatalf("init: wrote=%v err=%v", wrote, err)
	}
	wrote, err = app.InitWorkspace(dir)
	if err != nil || wrote {
		t.Fatalf("second init should keep the file: wrote=%v err=%v", wrote, err)
	}

	a, err := app.Open(ctx, dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	created, err := app.SeedEmployees(ctx, a.Engine)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(created) != 1 || created[0] != "emp-sub1" {
		t.Fatalf("unexpected seeded employees %v", created)
	}
	created, err = app.SeedEmployees(ctx, a.Engine)
	if err != nil || len(created) != 0 {
		t.Fatalf("seeding twice should be a no-op, got %v %v", created, err)
	}
	emp, err := a.Engine.Get(ctx, "hana", domain.EntityEmployee, "emp-sub1")
	if err != nil {
		t.Fatalf("get employee: %v", err)
	}
	if emp.CurrentVersion() != 1 {
		t.Fatalf("unexpected employee %+v", emp)
	}
}

func TestOpenStoreMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendMemory
	a, err := app.New(context.Background(), t.TempDir(), cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()
	if _, err := a.Engine.CreateApplication(context.Background(), engine.ApplicationCreateOptions{Name: "Gala", ActorID: "alice"}); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	if _, err := app.OpenStore(context.Background(), t.TempDir(), config.StoreConfig{Backend: "mongo"}); err == nil {
		t.Fatalf("expected error")
	}
}
