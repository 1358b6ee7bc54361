package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"

	"experimenter/internal/config"
)

func TestOpenBootstrapsOwner(t *testing.T) {
	dir := t.TempDir()
	ws, err := Open(context.Background(), Options{Workspace: dir, Owner: "alice"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()

	who, err := ws.Engine.WhoAmI(context.Background(), "alice")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if len(who.Roles) != 1 || who.Roles[0] != "owner" {
		t.Fatalf("expected alice to own the workspace, got %v", who.Roles)
	}
	if ws.Config.Publisher.Schedule == "" {
		t.Fatalf("expected default config")
	}

	// A second open must not hand ownership to someone else.
	ws2, err := Open(context.Background(), Options{Workspace: dir, Owner: "mallory"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ws2.Close()
	who, err = ws2.Engine.WhoAmI(context.Background(), "mallory")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if len(who.Roles) != 0 {
		t.Fatalf("expected no roles for mallory, got %v", who.Roles)
	}
}

func TestOpenReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	yml := "workflow:\n  end_review: true\n"
	if err := os.WriteFile(config.Path(dir), []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	ws, err := Open(context.Background(), Options{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()
	if !ws.Config.Workflow.EndReview {
		t.Fatalf("expected end_review from file")
	}

	if err := os.WriteFile(config.Path(dir), []byte("publisher:\n  schedule: nope\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Open(context.Background(), Options{Workspace: dir}); err == nil {
		t.Fatalf("expected invalid schedule to fail")
	}
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := LoadEnv(dir); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
	path := filepath.Join(dir, EnvFile)
	if err := SetEnvValue(path, "EXPERIMENTER_API_KEY", "first"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := SetEnvValue(path, "EXPERIMENTER_ACTOR_ID", "alice"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := SetEnvValue(path, "EXPERIMENTER_API_KEY", "second"); err != nil {
		t.Fatalf("set: %v", err)
	}
	env, err := godotenv.Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if env["EXPERIMENTER_API_KEY"] != "second" || env["EXPERIMENTER_ACTOR_ID"] != "alice" {
		t.Fatalf("unexpected env %v", env)
	}

	t.Setenv("EXPERIMENTER_ACTOR_ID", "bob")
	t.Setenv("EXPERIMENTER_API_KEY", "")
	if err := LoadEnv(dir); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("EXPERIMENTER_ACTOR_ID"); got != "bob" {
		t.Fatalf("existing variables must win, got %q", got)
	}
}
