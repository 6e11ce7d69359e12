package storage

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestResolveDirs(t *testing.T) {
	dirs, err := ResolveDirs()
	if err != nil {
		t.Fatalf("ResolveDirs failed: %v", err)
	}

	if dirs.Config == "" {
		t.Error("Config dir should not be empty")
	}
	if dirs.Data == "" {
		t.Error("Data dir should not be empty")
	}
	if dirs.Cache == "" {
		t.Error("Cache dir should not be empty")
	}
	if dirs.State == "" {
		t.Error("State dir should not be empty")
	}

	if !strings.Contains(dirs.Config, "opsagent") {
		t.Errorf("Config dir should contain 'opsagent': %s", dirs.Config)
	}
}

func TestResolveDirsXDGOverride(t *testing.T) {
	resetGlobalDirs()

	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	dirs, err := ResolveDirs()
	if err != nil {
		t.Fatalf("ResolveDirs failed: %v", err)
	}

	expected := filepath.Join(tmpDir, "opsagent")
	if dirs.Config != expected {
		t.Errorf("XDG override failed: got %s, want %s", dirs.Config, expected)
	}
}

func TestSubdirectoryHelpers(t *testing.T) {
	dirs := &Dirs{
		Config: "/cfg",
		Data:   "/data",
		Cache:  "/cache",
		State:  "/state",
	}

	cases := []struct {
		name string
		got  string
		want string
	}{
		{"credentials", dirs.CredentialsDir(), filepath.Join("/cfg", "credentials")},
		{"sessions", dirs.SessionsDir(), filepath.Join("/data", "sessions")},
		{"knowledge", dirs.KnowledgeDir(), filepath.Join("/data", "knowledge")},
		{"models", dirs.ModelsDir(), filepath.Join("/cache", "models")},
		{"logs", dirs.LogDir(), filepath.Join("/state", "logs")},
	}

	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, tc.got, tc.want)
		}
	}
}

func TestEnsureAll(t *testing.T) {
	tmp := t.TempDir()
	dirs := &Dirs{
		Config: filepath.Join(tmp, "config"),
		Data:   filepath.Join(tmp, "data"),
		Cache:  filepath.Join(tmp, "cache"),
		State:  filepath.Join(tmp, "state"),
	}

	if err := dirs.EnsureAll(); err != nil {
		t.Fatalf("EnsureAll failed: %v", err)
	}

	for _, dir := range []string{
		dirs.CredentialsDir(),
		dirs.SessionsDir(),
		dirs.KnowledgeDir(),
		dirs.ModelsDir(),
		dirs.LogDir(),
	} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("expected dir %s to exist: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}

	// Credential dir must not be world-readable.
	info, err := os.Stat(dirs.CredentialsDir())
	if err != nil {
		t.Fatalf("stat credentials dir: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("credentials dir permissions: got %o, want 0700", perm)
	}
}

func resetGlobalDirs() {
	globalDirs = nil
	globalDirsErr = nil
	globalDirsOnce = sync.Once{}
}
