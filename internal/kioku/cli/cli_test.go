package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeConfig points a fresh database and blob root at a temp dir.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kioku.yaml")
	content := "database_path: " + filepath.Join(dir, "kioku.db") + "\n" +
		"blob_root: " + filepath.Join(dir, "blobs") + "\n" +
		"http_addr: \"\"\n" +
		"log:\n  level: error\n" +
		"provider:\n  kind: echo\n" +
		"compaction:\n  summariser: tail\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestChatWithIssuedKey(t *testing.T) {
	cfg := writeConfig(t)

	token, _, err := run(t, "-c", cfg, "keys", "issue", "--user", "alice", "--label", "laptop")
	if err != nil {
		t.Fatalf("keys issue: %v", err)
	}
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, "kk_") {
		t.Fatalf("token = %q", token)
	}

	out, errOut, err := run(t, "-c", cfg, "chat", "--token", token, "hello", "there")
	if err != nil {
		t.Fatalf("chat: %v (%s)", err, errOut)
	}
	if strings.TrimSpace(out) != "hello there" {
		t.Errorf("reply = %q", out)
	}
	if !strings.Contains(errOut, "turns 1-2") {
		t.Errorf("stderr = %q", errOut)
	}

	out, _, err = run(t, "-c", cfg, "-f", "json", "thread", "list", "--token", token)
	if err != nil {
		t.Fatalf("thread list: %v", err)
	}
	var threads []map[string]any
	if err := json.Unmarshal([]byte(out), &threads); err != nil {
		t.Fatalf("decode threads: %v (%s)", err, out)
	}
	if len(threads) != 1 || threads[0]["title"] != "hello there" {
		t.Errorf("threads = %v", threads)
	}
}

func TestChatContinuesThread(t *testing.T) {
	cfg := writeConfig(t)

	out, _, err := run(t, "-c", cfg, "-f", "json", "chat", "--user", "bob", "first")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	var first chatResult
	if err := json.Unmarshal([]byte(out), &first); err != nil {
		t.Fatalf("decode: %v (%s)", err, out)
	}
	if first.State != "succeeded" || first.AssistantSeq != 2 {
		t.Errorf("first = %+v", first)
	}

	out, _, err = run(t, "-c", cfg, "-f", "json", "chat", "--user", "bob", "--thread", first.ThreadID, "second")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	var second chatResult
	if err := json.Unmarshal([]byte(out), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.ThreadID != first.ThreadID || second.UserSeq != 3 || second.Text != "second" {
		t.Errorf("second = %+v", second)
	}

	out, _, err = run(t, "-c", cfg, "thread", "show", "--user", "bob", first.ThreadID)
	if err != nil {
		t.Fatalf("thread show: %v", err)
	}
	for _, want := range []string{"#1 user: first", "#2 assistant: first", "#3 user: second"} {
		if !strings.Contains(out, want) {
			t.Errorf("transcript missing %q:\n%s", want, out)
		}
	}

	// Another user cannot read it.
	if _, _, err := run(t, "-c", cfg, "thread", "show", "--user", "mallory", first.ThreadID); err == nil {
		t.Error("expected unauthorized error for another user")
	}
}

func TestThreadArchive(t *testing.T) {
	cfg := writeConfig(t)
	out, _, err := run(t, "-c", cfg, "-f", "json", "chat", "--user", "bob", "hi")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	var res chatResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if _, _, err := run(t, "-c", cfg, "thread", "archive", "--user", "bob", res.ThreadID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	_, _, err = run(t, "-c", cfg, "chat", "--user", "bob", "--thread", res.ThreadID, "again")
	if err == nil || !strings.Contains(err.Error(), "archived") {
		t.Fatalf("err = %v, want archived", err)
	}
}

func TestKeysListAndRevoke(t *testing.T) {
	cfg := writeConfig(t)
	token, _, err := run(t, "-c", cfg, "keys", "issue", "-u", "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	token = strings.TrimSpace(token)

	out, _, err := run(t, "-c", cfg, "-f", "json", "keys", "list", "-u", "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var keys []map[string]any
	if err := json.Unmarshal([]byte(out), &keys); err != nil {
		t.Fatalf("decode: %v (%s)", err, out)
	}
	if len(keys) != 1 || !strings.HasPrefix(token, keys[0]["prefix"].(string)) {
		t.Fatalf("keys = %v", keys)
	}
	if strings.Contains(out, token) {
		t.Error("key list leaks the full token")
	}

	if _, _, err := run(t, "-c", cfg, "keys", "revoke", keys[0]["prefix"].(string)); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, _, err := run(t, "-c", cfg, "chat", "--token", token, "hi"); err == nil {
		t.Error("revoked key should be rejected")
	}
}

func TestBlobPutAndAttach(t *testing.T) {
	cfg := writeConfig(t)
	file := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(file, []byte("buy milk"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	id, _, err := run(t, "-c", cfg, "blob", "put", "-u", "alice", file)
	if err != nil {
		t.Fatalf("blob put: %v", err)
	}
	id = strings.TrimSpace(id)

	out, _, err := run(t, "-c", cfg, "-f", "json", "chat", "--user", "alice", "--attach", id, "summarise")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	var res chatResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}

	out, _, err = run(t, "-c", cfg, "thread", "show", "--user", "alice", res.ThreadID)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "attachment "+id+" text/plain 8 bytes notes.txt") {
		t.Errorf("transcript = %s", out)
	}

	// Bob cannot reference Alice's file.
	if _, _, err := run(t, "-c", cfg, "chat", "--user", "bob", "--attach", id, "peek"); err == nil {
		t.Error("expected not found for a foreign attachment")
	}
}

func TestMemoryAddSearchForget(t *testing.T) {
	cfg := writeConfig(t)

	id, _, err := run(t, "-c", cfg, "memory", "add", "--user", "alice", "-t", "food,health", "--meta", "source=cli", "no", "peanuts")
	if err != nil {
		t.Fatalf("memory add: %v", err)
	}
	id = strings.TrimSpace(id)
	if _, _, err := run(t, "-c", cfg, "memory", "add", "--user", "alice", "-t", "travel", "visit Kyoto"); err != nil {
		t.Fatalf("memory add: %v", err)
	}

	out, _, err := run(t, "-c", cfg, "-f", "json", "memory", "search", "--user", "alice", "-t", "health", "PEANUT")
	if err != nil {
		t.Fatalf("memory search: %v", err)
	}
	var found []map[string]any
	if err := json.Unmarshal([]byte(out), &found); err != nil {
		t.Fatalf("decode: %v (%s)", err, out)
	}
	if len(found) != 1 || found[0]["id"] != id || found[0]["content"] != "no peanuts" {
		t.Fatalf("found = %v", found)
	}
	if meta := found[0]["metadata"].(map[string]any); meta["source"] != "cli" {
		t.Errorf("metadata = %v", meta)
	}

	out, _, err = run(t, "-c", cfg, "memory", "list", "--user", "alice")
	if err != nil {
		t.Fatalf("memory list: %v", err)
	}
	if !strings.Contains(out, "2 of 2") || strings.Index(out, "visit Kyoto") > strings.Index(out, "no peanuts") {
		t.Errorf("list = %s", out)
	}

	// Another user sees nothing and cannot delete.
	if _, _, err := run(t, "-c", cfg, "memory", "forget", "--user", "bob", id); err == nil {
		t.Error("expected not found for another user's memory")
	}
	if _, _, err := run(t, "-c", cfg, "memory", "forget", "--user", "alice", id); err != nil {
		t.Fatalf("memory forget: %v", err)
	}
	if _, _, err := run(t, "-c", cfg, "memory", "show", "--user", "alice", id); err == nil {
		t.Error("forgotten memory is still readable")
	}
}

func TestConfigShow(t *testing.T) {
	cfg := writeConfig(t)
	t.Setenv("KIOKU_PROVIDER_MODEL", "test-model")

	out, _, err := run(t, "-c", cfg, "-f", "json", "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	provider := m["provider"].(map[string]any)
	if provider["model"] != "test-model" {
		t.Errorf("provider = %v", provider)
	}

	if _, _, err := run(t, "config", "validate", cfg); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestChatRequiresIdentity(t *testing.T) {
	cfg := writeConfig(t)
	t.Setenv("KIOKU_TOKEN", "")
	if _, _, err := run(t, "-c", cfg, "chat", "hi"); err == nil || !strings.Contains(err.Error(), "API key") {
		t.Fatalf("err = %v", err)
	}
}
