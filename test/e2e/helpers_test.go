package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 50 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
	dbPath string
}

var (
	buildMu  sync.Mutex
	binaries = map[string]string{}
	buildDir string
)

// getBinary builds the command at ./cmd/<name> once per test run.
func getBinary(t *testing.T, name string) string {
	t.Helper()
	buildMu.Lock()
	defer buildMu.Unlock()

	if bin, ok := binaries[name]; ok {
		return bin
	}
	if buildDir == "" {
		dir, err := os.MkdirTemp("", "meetbot-e2e-*")
		if err != nil {
			t.Fatalf("create build dir: %v", err)
		}
		buildDir = dir
	}

	binary := filepath.Join(buildDir, name)
	cmd := exec.Command("go", "build", "-o", binary, "./cmd/"+name)
	cmd.Dir = findRepoRoot(t)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build %s failed: %v\n%s", name, err, out)
	}
	binaries[name] = binary
	return binary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

// startServer runs binary on a free port and waits for /healthz. env entries
// are appended to the inherited environment.
func startServer(t *testing.T, binary string, env ...string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	dbPath := filepath.Join(t.TempDir(), "meetbot.db")

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"MEETBOT_LISTEN_ADDR="+addr,
		"MEETBOT_DB_PATH="+dbPath,
		"MEETBOT_LOG_LEVEL=info",
		"MEETBOT_BACKOFF_UNIT=20ms",
		"MEETBOT_DRAIN_INTERVAL=20ms",
	)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
		dbPath: dbPath,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

// postBot submits a bot request and returns the status code and decoded body.
func (sp *serverProc) postBot(t *testing.T, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(sp.url+"/v1/bots", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/bots: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode POST /v1/bots response: %v", err)
	}
	return resp.StatusCode, out
}

func (sp *serverProc) getRun(t *testing.T, id string) map[string]any {
	t.Helper()
	resp, err := http.Get(sp.url + "/v1/bots/" + id)
	if err != nil {
		t.Fatalf("GET /v1/bots/%s: %v", id, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	return out
}

// waitForStatus polls the run until it reaches a terminal status and checks
// it is the expected one.
func (sp *serverProc) waitForStatus(t *testing.T, id, expected string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var run map[string]any
	for time.Now().Before(deadline) {
		run = sp.getRun(t, id)
		if s, _ := run["status"].(string); s == "completed" || s == "failed" {
			if s != expected {
				t.Fatalf("run %s finished %s, want %s: %v", id, s, expected, run)
			}
			return run
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("run %s did not finish within %v (last %v)\nstdout:\n%s", id, timeout, run, sp.stdout.String())
	return nil
}

func mustID(t *testing.T, body map[string]any) string {
	t.Helper()
	id, ok := body["id"].(string)
	if !ok || id == "" {
		t.Fatalf("response has no id: %v", body)
	}
	return id
}

func meetingBody(url string) string {
	return fmt.Sprintf(`{"meeting_url":%q,"bot_name":"Notetaker"}`, url)
}

// execServer prepares binary with env appended, without waiting for it.
func execServer(binary string, env ...string) *exec.Cmd {
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(), env...)
	return cmd
}
