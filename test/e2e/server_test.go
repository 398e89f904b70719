// Package e2e exercises the built server binary over its public surface:
// HTTP endpoints and the websocket RPC protocol.
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

	"github.com/gorilla/websocket"

	"github.com/strandlabs/strand/internal/rpc"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
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
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "strand-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "strandd")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/strandd")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
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

func startServer(t *testing.T, binary, dbPath string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"STRAND_LISTEN_ADDR="+addr,
		"STRAND_DB_PATH="+dbPath,
		"STRAND_LOG_LEVEL=info",
	)
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

func (sp *serverProc) stop(t *testing.T) {
	t.Helper()
	sp.cmd.Process.Kill()
	sp.cmd.Wait()
}

func dialRPC(t *testing.T, sp *serverProc) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(sp.url, "http") + "/v1/rpc"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func rpcCall(t *testing.T, conn *websocket.Conn, msg rpc.Message) rpc.Response {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write message: %v", err)
	}
	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp rpc.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestBinaryBuildsAndStarts(t *testing.T) {
	binary := getBinary(t)
	if _, err := os.Stat(binary); os.IsNotExist(err) {
		t.Fatal("binary does not exist after build")
	}

	sp := startServer(t, binary, filepath.Join(t.TempDir(), "strand.db"))
	if sp == nil {
		t.Fatal("server did not start")
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, filepath.Join(t.TempDir(), "strand.db"))

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}

	mresp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer mresp.Body.Close()
	if mresp.StatusCode != 200 {
		t.Errorf("metrics status = %d, want 200", mresp.StatusCode)
	}
}

func TestRPCEchoPing(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, filepath.Join(t.TempDir(), "strand.db"))
	conn := dialRPC(t, sp)

	resp := rpcCall(t, conn, rpc.Message{CallbackID: "1", Class: "CollectionTask", Method: "ping"})
	if resp.Result != "pong" || resp.Err != nil {
		t.Errorf("response = %+v, want pong", resp)
	}
}

func TestAppendSurvivesRestart(t *testing.T) {
	binary := getBinary(t)
	dbPath := filepath.Join(t.TempDir(), "strand.db")

	sp := startServer(t, binary, dbPath)
	conn := dialRPC(t, sp)

	resp := rpcCall(t, conn, rpc.Message{
		CallbackID: "1",
		Class:      "CollectionTask",
		Method:     "append",
		Args:       []any{"todos", map[string]any{"name": "durable"}},
	})
	if resp.Err != nil {
		t.Fatalf("append Err = %+v", resp.Err)
	}
	conn.Close()
	sp.stop(t)

	// A fresh process over the same database must load the record back.
	sp2 := startServer(t, binary, dbPath)
	conn2 := dialRPC(t, sp2)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		all := rpcCall(t, conn2, rpc.Message{CallbackID: "2", Class: "CollectionTask", Method: "all", Args: []any{"todos"}})
		if all.Err != nil {
			t.Fatalf("all Err = %+v", all.Err)
		}
		recs, _ := all.Result.([]any)
		if len(recs) == 1 {
			rec, _ := recs[0].(map[string]any)
			attrs, _ := rec["attrs"].(map[string]any)
			if attrs["name"] != "durable" {
				t.Fatalf("reloaded record attrs = %v", attrs)
			}
			return
		}
		time.Sleep(pollInterval)
	}
	t.Fatal("appended record did not survive a restart")
}

func TestUnsafeMethodRefusedOverWire(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, filepath.Join(t.TempDir(), "strand.db"))
	conn := dialRPC(t, sp)

	resp := rpcCall(t, conn, rpc.Message{CallbackID: "3", Class: "CollectionTask", Method: "send"})
	if resp.Err == nil || resp.Err.Kind != rpc.ErrKindUnsafeMethod {
		t.Errorf("Err = %+v, want unsafe_method", resp.Err)
	}
}

func TestCollectionsEndpointReflectsRPCWrites(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, filepath.Join(t.TempDir(), "strand.db"))
	conn := dialRPC(t, sp)

	resp := rpcCall(t, conn, rpc.Message{
		CallbackID: "4",
		Class:      "CollectionTask",
		Method:     "append",
		Args:       []any{"notes", map[string]any{"name": "visible"}},
	})
	if resp.Err != nil {
		t.Fatalf("append Err = %+v", resp.Err)
	}

	hresp, err := http.Get(sp.url + "/v1/collections/notes")
	if err != nil {
		t.Fatalf("GET collection: %v", err)
	}
	defer hresp.Body.Close()
	var body struct {
		State   string `json:"state"`
		Total   int    `json:"total"`
		Records []struct {
			Attrs map[string]any `json:"attrs"`
		} `json:"records"`
	}
	if err := json.NewDecoder(hresp.Body).Decode(&body); err != nil {
		t.Fatalf("decode collection: %v", err)
	}
	if body.State != "loaded" || body.Total != 1 || body.Records[0].Attrs["name"] != "visible" {
		t.Errorf("collection = %+v, want the appended record", body)
	}
}
