package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"octoedge/internal/outbox"
)

func TestRootCommandConfigFlag(t *testing.T) {
	cmd := newRootCmd()
	cfg := cmd.PersistentFlags().Lookup("config")
	if cfg == nil {
		t.Fatal("expected --config flag to exist")
	}
	if os.Getenv("OCTOEDGE_CONFIG") == "" && cfg.DefValue != "octoedge.yaml" {
		t.Fatalf("expected config default octoedge.yaml, got %s", cfg.DefValue)
	}
	if short := cmd.PersistentFlags().ShorthandLookup("c"); short == nil || short.Name != "config" {
		t.Fatal("expected -c shorthand for --config")
	}
}

func TestServeActivateTimeoutDefault(t *testing.T) {
	serve, _, err := newRootCmd().Find([]string{"serve"})
	if err != nil {
		t.Fatal(err)
	}
	f := serve.Flags().Lookup("activate-timeout")
	if f == nil {
		t.Fatal("expected --activate-timeout flag to exist")
	}
	if f.DefValue != "2m0s" {
		t.Fatalf("expected activate-timeout default 2m0s, got %s", f.DefValue)
	}
}

func TestOutboxSubmitShortFlags(t *testing.T) {
	submit, _, err := newRootCmd().Find([]string{"outbox", "submit"})
	if err != nil {
		t.Fatal(err)
	}
	target := submit.Flags().ShorthandLookup("t")
	data := submit.Flags().ShorthandLookup("d")
	if target == nil || target.Name != "target" {
		t.Fatal("expected -t shorthand for --target")
	}
	if data == nil || data.Name != "data" {
		t.Fatal("expected -d shorthand for --data")
	}
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "octoedge.yaml")
	body := "storage:\n  dir: " + filepath.Join(dir, "data") + "\n" +
		"server:\n  origin: http://127.0.0.1:1\n" +
		"cache:\n  version: v3\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestOutboxSubmitOfflineThenPending(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := run(t, "-c", cfg, "outbox", "submit", "--offline", "-t", "/api/contact", "-d", `{"name":"Jane"}`)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "stored") {
		t.Fatalf("expected submission to be stored, got %q", out)
	}

	out, err = run(t, "-c", cfg, "outbox", "pending")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if strings.TrimSpace(out) != "pending=1 abandoned=0" {
		t.Fatalf("unexpected pending output %q", out)
	}

	out, err = run(t, "-c", cfg, "outbox", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "/api/contact") || !strings.Contains(out, "pending") {
		t.Fatalf("expected record in list output, got %q", out)
	}
}

func TestOutboxSubmitRejectsInvalidJSON(t *testing.T) {
	cfg := writeTestConfig(t)
	if _, err := run(t, "-c", cfg, "outbox", "submit", "-t", "/api/contact", "-d", "{oops"); err == nil {
		t.Fatal("expected invalid JSON to be rejected")
	}
}

func TestCacheGenerationsEmpty(t *testing.T) {
	cfg := writeTestConfig(t)
	out, err := run(t, "-c", cfg, "cache", "purge")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if out != "" {
		t.Fatalf("expected nothing to purge, got %q", out)
	}
	if _, err := run(t, "-c", cfg, "cache", "generations"); err != nil {
		t.Fatalf("generations: %v", err)
	}
}

func TestMissingConfig(t *testing.T) {
	if _, err := run(t, "-c", filepath.Join(t.TempDir(), "absent.yaml"), "outbox", "pending"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestReportSubmission(t *testing.T) {
	store := outbox.NewStore(t.TempDir())
	if err := store.Open(); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(outbox.Submission{ID: "1-a", TargetURL: "/api/contact", Payload: []byte(`{}`)}); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := reportSubmission(&out, store, "1-a"); err != nil || out.String() != "1-a stored\n" {
		t.Fatalf("expected stored, got %q (%v)", out.String(), err)
	}
	out.Reset()
	if err := reportSubmission(&out, store, "2-b"); err != nil || out.String() != "2-b delivered\n" {
		t.Fatalf("expected delivered, got %q (%v)", out.String(), err)
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	err := reportSubmission(&out, store, "1-a")
	if !errors.Is(err, outbox.ErrStorageUnavailable) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output on storage error, got %q", out.String())
	}
}

func TestOutboxSubmitUnreachableTargetStaysStored(t *testing.T) {
	cfg := writeTestConfig(t)
	out, err := run(t, "-c", cfg, "outbox", "submit", "-t", "/api/contact", "-d", `{"name":"Jane"}`)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "stored") {
		t.Fatalf("expected failed delivery to leave the submission stored, got %q", out)
	}
}
