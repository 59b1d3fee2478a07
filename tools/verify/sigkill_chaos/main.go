//go:build ignore

// sigkill_chaos verifies that acknowledged pushes survive a crash. It builds
// the daemon, starts it, posts pushes through the HTTP API, SIGKILLs the
// daemon, restarts it, and verifies that:
//   - The database is not corrupted (opens and passes integrity_check)
//   - Every push answered with persisted=true is still in the offline queue
//   - The restarted daemon reports the same backlog on /healthz
//
// Usage:
//
//	go run ./tools/verify/sigkill_chaos/
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/pushkeeper/internal/persistence"
)

const (
	authToken = "chaos-test-token"
	pushCount = 5
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (sigkill_chaos)")
}

func run() error {
	ctx := context.Background()

	// 1. Build the pushkeeper binary.
	root := moduleRoot()
	binDir, err := os.MkdirTemp("", "sigkill-chaos-bin-*")
	if err != nil {
		return fmt.Errorf("mktemp bin: %w", err)
	}
	defer os.RemoveAll(binDir)
	binPath := filepath.Join(binDir, "pushkeeper")

	fmt.Println("BUILD pushkeeper binary...")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/pushkeeper")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("build binary: %w", err)
	}

	// 2. Create a temp PUSHKEEPER_HOME with minimal config.
	home, err := os.MkdirTemp("", "sigkill-chaos-home-*")
	if err != nil {
		return fmt.Errorf("mktemp home: %w", err)
	}
	defer os.RemoveAll(home)

	addr := pickFreeAddr()
	configYAML := fmt.Sprintf("bind_addr: %q\nmaintenance_schedule: \"@hourly\"\n", addr)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(home, "auth.token"), []byte(authToken+"\n"), 0o600); err != nil {
		return fmt.Errorf("write auth token: %w", err)
	}
	daemonEnv := append(os.Environ(), "PUSHKEEPER_HOME="+home)

	// 3. Start the daemon.
	fmt.Println("START daemon (first run)...")
	daemon := exec.Command(binPath, "daemon")
	daemon.Env = daemonEnv
	daemon.Stdout = os.Stdout
	daemon.Stderr = os.Stderr
	if err := daemon.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	kill := func() {
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
	}

	// 4. Wait for healthy.
	fmt.Println("WAIT for /healthz...")
	if _, err := waitHealthy(addr, 10*time.Second); err != nil {
		kill()
		return fmt.Errorf("daemon not healthy: %w", err)
	}
	fmt.Println("HEALTHY")

	// 5. Push messages while no page is connected; each must be queued.
	for i := 0; i < pushCount; i++ {
		payload := fmt.Sprintf(`{"title":"chaos %d","data":{"chatId":"chaos","message":{"seq":%d}}}`, i, i)
		persisted, err := push(addr, payload)
		if err != nil {
			kill()
			return fmt.Errorf("push %d: %w", i, err)
		}
		if !persisted {
			kill()
			return fmt.Errorf("push %d acknowledged without being persisted", i)
		}
		fmt.Printf("PUSHED %d\n", i)
	}

	// 6. SIGKILL the daemon.
	fmt.Println("SIGKILL daemon...")
	if err := daemon.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill: %w", err)
	}
	_ = daemon.Wait()
	fmt.Println("DAEMON killed")

	// 7. Verify DB integrity and the backlog while the daemon is down.
	dbPath := filepath.Join(home, "pushkeeper.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return fmt.Errorf("reopen store after kill: %w", err)
	}
	var integrityResult string
	if err := store.DB().QueryRowContext(ctx, "PRAGMA integrity_check;").Scan(&integrityResult); err != nil {
		store.Close()
		return fmt.Errorf("integrity check: %w", err)
	}
	fmt.Printf("INTEGRITY_CHECK=%s\n", integrityResult)
	if integrityResult != "ok" {
		store.Close()
		return fmt.Errorf("DB integrity check failed: %s", integrityResult)
	}
	msgs, err := store.PeekOffline(ctx, pushCount+1)
	store.Close()
	if err != nil {
		return fmt.Errorf("peek backlog: %w", err)
	}
	if len(msgs) != pushCount {
		return fmt.Errorf("backlog after kill = %d, want %d", len(msgs), pushCount)
	}
	for i, m := range msgs {
		if string(m.Message) != fmt.Sprintf(`{"seq":%d}`, i) {
			return fmt.Errorf("backlog entry %d = %s, out of order", i, m.Message)
		}
	}
	fmt.Printf("BACKLOG intact (%d messages)\n", len(msgs))

	// Brief pause to ensure port is released.
	time.Sleep(500 * time.Millisecond)

	// 8. Restart and check the daemon sees the same backlog.
	fmt.Println("RESTART daemon (second run)...")
	daemon2 := exec.Command(binPath, "daemon")
	daemon2.Env = daemonEnv
	daemon2.Stdout = os.Stdout
	daemon2.Stderr = os.Stderr
	if err := daemon2.Start(); err != nil {
		return fmt.Errorf("restart daemon: %w", err)
	}
	defer func() {
		_ = daemon2.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _ = daemon2.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = daemon2.Process.Kill()
			_ = daemon2.Wait()
		}
	}()

	health, err := waitHealthy(addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("restarted daemon not healthy: %w", err)
	}
	fmt.Printf("HEALTHY (after restart) pending_offline=%d\n", health.PendingOffline)
	if health.PendingOffline != pushCount {
		return fmt.Errorf("pending_offline after restart = %d, want %d", health.PendingOffline, pushCount)
	}

	fmt.Println("ALL CHECKS PASSED")
	return nil
}

func push(addr, payload string) (bool, error) {
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/push", bytes.NewBufferString(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+authToken)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("status %d", resp.StatusCode)
	}
	var res struct {
		Persisted bool `json:"persisted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return false, err
	}
	return res.Persisted, nil
}

func moduleRoot() string {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go env GOMOD: %v\n", err)
		os.Exit(1)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		fmt.Fprintln(os.Stderr, "go env GOMOD returned empty; expected path to go.mod")
		os.Exit(1)
	}
	return filepath.Dir(gomod)
}

func pickFreeAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "pick free addr: %v\n", err)
		os.Exit(1)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

type healthz struct {
	Healthy        bool `json:"healthy"`
	PendingOffline int  `json:"pending_offline"`
}

func waitHealthy(addr string, timeout time.Duration) (healthz, error) {
	url := fmt.Sprintf("http://%s/healthz", addr)
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			var h healthz
			decodeErr := json.NewDecoder(resp.Body).Decode(&h)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK && decodeErr == nil {
				return h, nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return healthz{}, fmt.Errorf("healthz at %s not OK after %v", addr, timeout)
}
