package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/mattjoyce/pushpool/internal/lock"
	"github.com/mattjoyce/pushpool/internal/queue"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeSQLiteConfig(t *testing.T) (cfgPath, dir string) {
	t.Helper()
	dir = t.TempDir()
	cfgPath = filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
service:
  name: clitest
  runtime_dir: %s
pool:
  temp_dir: %s
queue:
  backend: sqlite
  name: jobs
  pop_timeout: 1s
`, dir, dir)
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath, dir
}

func TestVersionJSON(t *testing.T) {
	out, err := runCLI(t, "", "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if info.Version == "" || info.Commit == "" || info.BuildTime == "" {
		t.Fatalf("incomplete version info: %+v", info)
	}
}

func TestConfigCheck(t *testing.T) {
	cfgPath, dir := writeSQLiteConfig(t)

	out, err := runCLI(t, "", "--config", cfgPath, "config", "check")
	if err != nil {
		t.Fatalf("config check: %v", err)
	}
	if !strings.Contains(out, "configuration OK") {
		t.Fatalf("unexpected output: %q", out)
	}
	if !strings.Contains(out, filepath.Join(dir, "clitest.pid")) {
		t.Fatalf("pidfile missing from output: %q", out)
	}
}

func TestConfigLockDetectsEdits(t *testing.T) {
	cfgPath, _ := writeSQLiteConfig(t)

	out, err := runCLI(t, "", "--config", cfgPath, "config", "lock")
	if err != nil {
		t.Fatalf("config lock: %v", err)
	}
	if !strings.Contains(out, "locked config.yaml") {
		t.Fatalf("unexpected lock output: %q", out)
	}
	if _, err := runCLI(t, "", "--config", cfgPath, "config", "check"); err != nil {
		t.Fatalf("check after lock: %v", err)
	}

	f, err := os.OpenFile(cfgPath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("\n# edited\n")
	_ = f.Close()

	_, err = runCLI(t, "", "--config", cfgPath, "config", "check")
	if err == nil || !strings.Contains(err.Error(), "verification failed") {
		t.Fatalf("expected verification failure, got %v", err)
	}
}

func TestPushArgsAndStdin(t *testing.T) {
	cfgPath, dir := writeSQLiteConfig(t)

	out, err := runCLI(t, "", "--config", cfgPath, "push", "alpha", "beta")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if !strings.Contains(out, "pushed 2 to jobs (depth 2)") {
		t.Fatalf("unexpected output: %q", out)
	}

	out, err = runCLI(t, "gamma\ndelta\n", "--config", cfgPath, "push", "--queue", "other", "-")
	if err != nil {
		t.Fatalf("push stdin: %v", err)
	}
	if !strings.Contains(out, "pushed 2 to other (depth 2)") {
		t.Fatalf("unexpected output: %q", out)
	}

	ctx := context.Background()
	src, err := queue.OpenSQLiteSource(ctx, filepath.Join(dir, "clitest.queue.db"), 0)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	defer src.Close()
	got, err := src.BlockingPop(ctx, "jobs", 0)
	if err != nil || string(got) != "alpha" {
		t.Fatalf("first pop = %q, %v", got, err)
	}
}

func TestStatusAndStopWhenNotRunning(t *testing.T) {
	cfgPath, _ := writeSQLiteConfig(t)

	out, err := runCLI(t, "", "--config", cfgPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "not running") {
		t.Fatalf("unexpected status: %q", out)
	}

	_, err = runCLI(t, "", "--config", cfgPath, "stop")
	if err == nil || !strings.Contains(err.Error(), "not running") {
		t.Fatalf("expected not running error, got %v", err)
	}
}

func TestStartRefusesWhenPidfileIsLive(t *testing.T) {
	cfgPath, dir := writeSQLiteConfig(t)
	pidPath := filepath.Join(dir, "clitest.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, args := range [][]string{{"start"}, {"start", "--foreground"}} {
		_, err := runCLI(t, "", append([]string{"--config", cfgPath}, args...)...)
		if err == nil || !strings.Contains(err.Error(), lock.ErrAlreadyRunning.Error()) {
			t.Fatalf("%v: expected already running, got %v", args, err)
		}
	}
}

func TestShortenCommit(t *testing.T) {
	if got := shortenCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("shortenCommit = %q", got)
	}
	if got := shortenCommit("abc"); got != "abc" {
		t.Fatalf("shortenCommit = %q", got)
	}
}
