package client

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/kzhdev/websocket-proxy/internal/shmring"
)

// spawnBroker launches the broker executable detached from this process's
// session, per spec.md section 6's "client launches the broker if it isn't
// already running" behavior. It does not wait for the broker to finish
// starting; waitForSegments does that.
func spawnBroker(ctx context.Context, cfg Config) error {
	if cfg.BrokerExecutable == "" {
		return fmt.Errorf("client: no broker executable configured and rings are not already present")
	}
	args := []string{"-prefix", cfg.Prefix}
	if cfg.BrokerConfigPath != "" {
		args = append(args, "-config", cfg.BrokerConfigPath)
	}
	cmd := exec.Command(cfg.BrokerExecutable, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("client: start broker: %w", err)
	}
	// The broker runs in its own session (Setsid above); waiting on it in
	// the background reaps it if it exits while this process is alive, so
	// no zombie is left behind.
	go cmd.Wait()
	return nil
}

// waitForSegments polls for both ring segments to appear, up to timeout.
func waitForSegments(ctx context.Context, csName, scName string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if shmring.SegmentExists(csName) && shmring.SegmentExists(scName) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("client: broker did not create ring segments within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}
