package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mxvane/qsmtpd/lalog"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAndGet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rcpthosts", "example.com\nexample.org\n")
	o := NewOracle(dir, lalog.Logger{ComponentName: "TestConfig"})
	if err := o.Load(); err != nil {
		t.Fatal(err)
	}
	lines, ok := o.Get("rcpthosts")
	if !ok {
		t.Fatal("expected rcpthosts to be present")
	}
	if len(lines) != 2 || lines[0] != "example.com" || lines[1] != "example.org" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestGetAbsentKey(t *testing.T) {
	dir := t.TempDir()
	o := NewOracle(dir, lalog.Logger{ComponentName: "TestConfigAbsent"})
	if err := o.Load(); err != nil {
		t.Fatal(err)
	}
	if _, ok := o.Get("nosuchfile"); ok {
		t.Fatal("expected absent key to report false")
	}
}

func TestGetFirstDefaultsWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	o := NewOracle(dir, lalog.Logger{ComponentName: "TestConfigDefault"})
	if err := o.Load(); err != nil {
		t.Fatal(err)
	}
	if got := o.GetFirst("timeoutsmtpd", "1200"); got != "1200" {
		t.Fatalf("expected default value, got %q", got)
	}
}

func TestReloadRunsOnChangeCallbacks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "maxbadcmds", "20\n")
	o := NewOracle(dir, lalog.Logger{ComponentName: "TestConfigReload"})
	if err := o.Load(); err != nil {
		t.Fatal(err)
	}

	fired := make(chan struct{}, 1)
	o.OnChange(func() { fired <- struct{}{} })

	writeFile(t, dir, "maxbadcmds", "30\n")
	if err := o.Reload(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected OnChange callback to fire")
	}
	if got := o.GetFirst("maxbadcmds", ""); got != "30" {
		t.Fatalf("expected reloaded value, got %q", got)
	}
}
