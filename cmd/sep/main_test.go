package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/viper"

	"sepflow/internal/app"
	"sepflow/internal/domain"
)

var setupOnce sync.Once

func run(t *testing.T, args ...string) error {
	t.Helper()
	setupOnce.Do(func() {
		initConfig()
		addPersistentFlags()
		registerCommands()
	})
	viper.Reset()
	initConfig()
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestCLIWorkflow(t *testing.T) {
	dir := t.TempDir()
	if err := run(t, "init", "-w", dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := run(t, "app", "create", "-w", dir, "--json", "-a", "alice", "--id", "gala", "--name", "Spring gala"); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := run(t, "app", "review", "gala", "-w", dir, "--json", "-a", "paul", "--action", "approve")
	var werr *domain.Error
	if !errors.As(err, &werr) || werr.Kind != domain.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := run(t, "app", "review", "gala", "-w", dir, "--json", "-a", "amy", "--action", "approve", "--expected-version", "1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	err = run(t, "app", "advance", "gala", "-w", dir, "--json", "-a", "paul", "--expected-version", "1")
	if !errors.As(err, &werr) || werr.Kind != domain.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !strings.Contains(describeError(err), "current version 2") {
		t.Fatalf("unexpected message %q", describeError(err))
	}
	if err := run(t, "app", "advance", "gala", "-w", dir, "--json", "-a", "paul", "--expected-version", "0"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := run(t, "task", "assign", "gala", "-w", dir, "--json", "-a", "paul", "--name", "Venue", "--employee", "emp-sub1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	a, err := app.Open(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	got, err := a.Engine.GetApplication(context.Background(), "amy", "gala")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.AppOpen || got.Version != 4 {
		t.Fatalf("unexpected application %+v", got)
	}
	tasks, err := a.Engine.MyTasks(context.Background(), "sub1")
	if err != nil || len(tasks) != 1 {
		t.Fatalf("expected one task for sub1, got %v %v", tasks, err)
	}
}

func TestColorStatusKeepsText(t *testing.T) {
	for _, s := range []string{domain.AppReviewing, domain.AppClosed, domain.TaskAssigned, "unknown"} {
		if !strings.Contains(colorStatus(s), s) {
			t.Fatalf("status %q lost in %q", s, colorStatus(s))
		}
	}
}
