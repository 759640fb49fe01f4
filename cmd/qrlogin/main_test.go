package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()

	want := map[string]bool{"serve": false, "migrate": false, "user": false, "purge": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("missing subcommand %q", name)
		}
	}
}

func TestUserCreate_RequiresName(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"user", "create"})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "name") {
		t.Fatalf("expected missing --name error, got %v", err)
	}
}

func TestAdminCommands_RequireDatabaseURL(t *testing.T) {
	t.Setenv("QRLOGIN_DATABASE_URL", "")

	cases := [][]string{
		{"migrate"},
		{"purge", "--older-than", "1h"},
		{"user", "rotate-token", "--id", "01HZZZZZZZZZZZZZZZZZZZZZZZ"},
	}
	for _, args := range cases {
		root := newRootCommand()
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		root.SetArgs(args)

		err := root.Execute()
		if err == nil || !strings.Contains(err.Error(), "QRLOGIN_DATABASE_URL") {
			t.Fatalf("%v: expected database url error, got %v", args, err)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qrlogin.env")
	if err := os.WriteFile(path, []byte("QRLOGIN_SMOKE_KEY=from-file\nQRLOGIN_SMOKE_KEEP=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("QRLOGIN_SMOKE_KEY", "")
	t.Setenv("QRLOGIN_SMOKE_KEEP", "from-env")
	_ = os.Unsetenv("QRLOGIN_SMOKE_KEY")

	if err := loadEnvFile(path, true); err != nil {
		t.Fatalf("loadEnvFile: %v", err)
	}
	if got := os.Getenv("QRLOGIN_SMOKE_KEY"); got != "from-file" {
		t.Fatalf("QRLOGIN_SMOKE_KEY=%q want from-file", got)
	}
	if got := os.Getenv("QRLOGIN_SMOKE_KEEP"); got != "from-env" {
		t.Fatalf("existing variable overridden: %q", got)
	}

	missing := filepath.Join(dir, "missing.env")
	if err := loadEnvFile(missing, false); err != nil {
		t.Fatalf("missing default file should be ignored: %v", err)
	}
	if err := loadEnvFile(missing, true); err == nil {
		t.Fatalf("missing explicit file should fail")
	}
}
