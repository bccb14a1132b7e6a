package e2e

import (
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

func TestGracefulShutdown(t *testing.T) {
	sp := startServer(t)

	if err := sp.signalAndWait(syscall.SIGTERM); err != nil {
		t.Fatalf("server exit after SIGTERM: %v\nstdout:\n%s", err, sp.stdout.String())
	}
	if !strings.Contains(sp.stdout.String(), `"msg":"server stopped"`) {
		t.Errorf("no shutdown log line\nstdout:\n%s", sp.stdout.String())
	}
}

func TestFinishedJobsSurviveRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "anvil.db")

	sp := startServerWithDB(t, dbPath)
	created := submitTask(t, sp, "mock", "echo persistent")
	id := created["id"].(string)
	finished := waitForState(t, sp, id, "done")
	extID := finished["external_id"]

	if err := sp.signalAndWait(syscall.SIGTERM); err != nil {
		t.Fatalf("server exit after SIGTERM: %v", err)
	}

	// A fresh process has no controller for the job; the response comes
	// from the database.
	sp2 := startServerWithDB(t, dbPath)
	job, status := getJob(t, sp2, id)
	if status != 200 {
		t.Fatalf("GET job after restart: status %d", status)
	}
	if job["state"] != "done" {
		t.Errorf("state after restart = %v, want done", job["state"])
	}
	if job["external_id"] != extID {
		t.Errorf("external_id after restart = %v, want %v", job["external_id"], extID)
	}
	if job["finished_at"] == nil {
		t.Error("finished_at lost across restart")
	}
}
