package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPaths(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("UserHomeDir: %v", err)
	}
	base := filepath.Join(home, ".procvisor")

	checks := []struct {
		name string
		fn   func() (string, error)
		want string
	}{
		{"config dir", DefaultConfigDir, base},
		{"config file", DefaultConfigPath, filepath.Join(base, "config.yaml")},
		{"journal", DefaultDataPath, filepath.Join(base, "journal.db")},
		{"output", DefaultOutputDir, filepath.Join(base, "output")},
	}
	for _, c := range checks {
		got, err := c.fn()
		if err != nil {
			t.Errorf("%s: %v", c.name, err)
			continue
		}
		if got != c.want {
			t.Errorf("%s = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestDefaultPaths_HomeOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(HomeEnv, dir)

	got, err := DefaultDataPath()
	if err != nil {
		t.Fatalf("DefaultDataPath: %v", err)
	}
	if want := filepath.Join(dir, "journal.db"); got != want {
		t.Errorf("DefaultDataPath() = %q, want %q", got, want)
	}

	got, err = DefaultOutputDir()
	if err != nil {
		t.Fatalf("DefaultOutputDir: %v", err)
	}
	if want := filepath.Join(dir, "output"); got != want {
		t.Errorf("DefaultOutputDir() = %q, want %q", got, want)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("UserHomeDir: %v", err)
	}
	t.Setenv("PROCVISOR_TEST_ROOT", "/srv/media")

	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"~", home},
		{"~/out/logs", filepath.Join(home, "out", "logs")},
		{"/var/lib/procvisor", filepath.Clean("/var/lib/procvisor")},
		{"relative/out", filepath.Clean("relative/out")},
		{"/keep/~/tilde", filepath.Clean("/keep/~/tilde")},
		{"$PROCVISOR_TEST_ROOT/out", filepath.Clean("/srv/media/out")},
		{"${PROCVISOR_TEST_ROOT}/a/../b", filepath.Clean("/srv/media/b")},
	}

	for _, tt := range tests {
		got, err := ExpandPath(tt.input)
		if err != nil {
			t.Errorf("ExpandPath(%q) error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
