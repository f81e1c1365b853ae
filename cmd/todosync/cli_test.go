package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperengineering/todosync/internal/api"
	"github.com/hyperengineering/todosync/internal/config"
	"github.com/hyperengineering/todosync/internal/taskdb"
	"github.com/hyperengineering/todosync/internal/types"
)

const testAPIKey = "cli-test-key"

// executeCmd executes a command with captured output.
func executeCmd(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	// Reset package-level flag variables to their defaults.
	// Cobra parses into these variables, so stale values from previous tests
	// would leak if not reset.
	configPath = ""
	jsonOutput = false
	offline = false
	addDescription = ""
	listFilter = "all"
	listSearch = ""
	listRefresh = false
	editTitle = ""
	editDescription = ""
	outboxClearForce = false

	oldDefault := slog.Default()
	defer slog.SetDefault(oldDefault)

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetArgs(args)

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)

	return outBuf.String(), errBuf.String(), err
}

// setupEnv points the CLI at a fresh cache and the given remote URL.
func setupEnv(t *testing.T, remoteURL string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TODOSYNC_CONFIG_PATH", filepath.Join(dir, "absent.yaml"))
	t.Setenv("TODOSYNC_LOCAL_PATH", filepath.Join(dir, "todo.db"))
	t.Setenv("TODOSYNC_REMOTE_URL", remoteURL)
	t.Setenv("TODOSYNC_TOKEN", testAPIKey)
	t.Setenv("TODOSYNC_REMOTE_MAX_RETRIES", "0")
	t.Setenv("TODOSYNC_LOG_LEVEL", "error")
	t.Setenv("TODOSYNC_LOG_FILE", "")
	t.Setenv("TODOSYNC_DEV_MODE", "")
	t.Setenv("TODOSYNC_API_KEY", "")
}

func newTestRemote(t *testing.T) (*httptest.Server, *taskdb.DB) {
	t.Helper()
	db, err := taskdb.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("taskdb.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	srv := httptest.NewServer(api.NewRouter(api.NewHandler(db, testAPIKey, "test")))
	t.Cleanup(srv.Close)
	return srv, db
}

type listOutput struct {
	Items []types.Task `json:"items"`
	Total int          `json:"total"`
}

func listJSON(t *testing.T, extra ...string) listOutput {
	t.Helper()
	stdout, stderr, err := executeCmd(t, append([]string{"list", "--json"}, extra...)...)
	if err != nil {
		t.Fatalf("list error = %v, stderr = %s", err, stderr)
	}
	var out listOutput
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("invalid list JSON: %v\n%s", err, stdout)
	}
	return out
}

func TestCLI_OfflineAddThenSync(t *testing.T) {
	srv, db := newTestRemote(t)
	setupEnv(t, srv.URL+"/api")

	stdout, _, err := executeCmd(t, "add", "--offline", "Buy", "milk")
	if err != nil {
		t.Fatalf("add error = %v", err)
	}
	if !strings.Contains(stdout, `"Buy milk"`) || !strings.Contains(stdout, "pending") {
		t.Errorf("add output = %q", stdout)
	}

	stdout, _, err = executeCmd(t, "outbox", "--offline")
	if err != nil {
		t.Fatalf("outbox error = %v", err)
	}
	if !strings.Contains(stdout, "create") {
		t.Errorf("outbox output = %q, want a create operation", stdout)
	}

	stdout, _, err = executeCmd(t, "sync")
	if err != nil {
		t.Fatalf("sync error = %v", err)
	}
	if !strings.Contains(stdout, "succeeded") {
		t.Errorf("sync output = %q", stdout)
	}

	out := listJSON(t)
	if out.Total != 1 {
		t.Fatalf("total = %d, want 1", out.Total)
	}
	if task := out.Items[0]; !types.IsServerID(task.ID) || task.Pending {
		t.Errorf("task = %+v, want synced", task)
	}
	if n, _ := db.Count(context.Background()); n != 1 {
		t.Errorf("server count = %d, want 1", n)
	}
}

func TestCLI_StatusAndFilter(t *testing.T) {
	srv, _ := newTestRemote(t)
	setupEnv(t, srv.URL+"/api")

	stdout, _, err := executeCmd(t, "add", "--json", "Pay rent")
	if err != nil {
		t.Fatalf("add error = %v", err)
	}
	var task types.Task
	if err := json.Unmarshal([]byte(stdout), &task); err != nil {
		t.Fatalf("invalid add JSON: %v\n%s", err, stdout)
	}
	if _, _, err := executeCmd(t, "add", "Water plants"); err != nil {
		t.Fatal(err)
	}

	if _, _, err := executeCmd(t, "status", task.ID, "done"); err != nil {
		t.Fatalf("status error = %v", err)
	}

	if out := listJSON(t, "--filter", "completed"); out.Total != 1 || out.Items[0].ID != task.ID {
		t.Errorf("completed = %+v", out)
	}
	if out := listJSON(t, "--filter", "active"); out.Total != 1 {
		t.Errorf("active total = %d, want 1", out.Total)
	}
	if out := listJSON(t, "--search", "PLANTS"); out.Total != 1 {
		t.Errorf("search total = %d, want 1", out.Total)
	}

	if _, _, err := executeCmd(t, "list", "--filter", "bogus"); err == nil {
		t.Error("expected error for invalid filter")
	}
	if _, _, err := executeCmd(t, "status", task.ID, "someday"); err == nil {
		t.Error("expected error for invalid status")
	}
}

func TestCLI_RemoveUnsynced(t *testing.T) {
	srv, _ := newTestRemote(t)
	setupEnv(t, srv.URL+"/api")

	stdout, _, err := executeCmd(t, "add", "--offline", "--json", "Draft")
	if err != nil {
		t.Fatal(err)
	}
	var task types.Task
	if err := json.Unmarshal([]byte(stdout), &task); err != nil {
		t.Fatal(err)
	}

	if _, _, err := executeCmd(t, "rm", task.ID); err != nil {
		t.Fatalf("rm error = %v", err)
	}

	stdout, _, err = executeCmd(t, "outbox", "--offline")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "Outbox is empty.") {
		t.Errorf("outbox output = %q", stdout)
	}
	if out := listJSON(t, "--offline"); out.Total != 0 {
		t.Errorf("total = %d, want 0", out.Total)
	}
}

func TestCLI_EditRequiresFlag(t *testing.T) {
	srv, _ := newTestRemote(t)
	setupEnv(t, srv.URL+"/api")

	_, _, err := executeCmd(t, "edit", "some-id")
	if err == nil || !strings.Contains(err.Error(), "nothing to change") {
		t.Errorf("error = %v, want nothing to change", err)
	}
}

func TestCLI_OutboxClearRequiresForce(t *testing.T) {
	srv, _ := newTestRemote(t)
	setupEnv(t, srv.URL+"/api")

	if _, _, err := executeCmd(t, "add", "--offline", "Keep me queued"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := executeCmd(t, "outbox", "clear"); err == nil {
		t.Error("expected error without --force")
	}

	stdout, _, err := executeCmd(t, "outbox", "clear", "--force", "--offline")
	if err != nil {
		t.Fatalf("clear error = %v", err)
	}
	if !strings.Contains(stdout, "Outbox cleared.") {
		t.Errorf("output = %q", stdout)
	}
}

func TestCLI_SyncWhileUnreachable(t *testing.T) {
	srv, _ := newTestRemote(t)
	setupEnv(t, srv.URL+"/api")
	srv.Close()

	if _, _, err := executeCmd(t, "add", "Later"); err != nil {
		t.Fatalf("add error = %v", err)
	}
	stdout, _, err := executeCmd(t, "sync")
	if err != nil {
		t.Fatalf("sync error = %v", err)
	}
	if !strings.Contains(stdout, "unreachable") {
		t.Errorf("sync output = %q", stdout)
	}

	stdout, _, err = executeCmd(t, "stats", "--json", "--offline")
	if err != nil {
		t.Fatal(err)
	}
	var st types.Stats
	if err := json.Unmarshal([]byte(stdout), &st); err != nil {
		t.Fatal(err)
	}
	if st.Total != 1 || st.Unsynced != 1 || st.PendingOps != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCLI_ServeRequiresAPIKey(t *testing.T) {
	setupEnv(t, "http://127.0.0.1:1/api")

	_, _, err := executeCmd(t, "serve")
	if err == nil || !strings.Contains(err.Error(), "TODOSYNC_API_KEY") {
		t.Errorf("error = %v, want missing API key", err)
	}
}

func TestNewLogHandler(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newLogHandler(&buf, config.LogConfig{Level: "warn", Format: "json"}))

	log.Info("hidden")
	log.Warn("shown", "component", "test")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info record written at warn level")
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON record: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "shown" || entry["component"] != "test" {
		t.Errorf("entry = %v", entry)
	}

	buf.Reset()
	slog.New(newLogHandler(&buf, config.LogConfig{Level: "info", Format: "text"})).Info("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Errorf("text output = %q", buf.String())
	}
}
