package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/matheus3301/souq/internal/instance"
	"github.com/matheus3301/souq/internal/tui"
	"github.com/matheus3301/souq/internal/tui/client"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	asFlag := flag.Int64("as", 0, "operator user id to act as (required)")
	flag.Parse()

	instanceName := instance.Resolve(*instanceFlag)
	if err := instance.ValidateName(instanceName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *asFlag <= 0 {
		fmt.Fprintln(os.Stderr, "usage: souqtui [--instance <name>] --as <operatorId>")
		os.Exit(1)
	}

	socketPath := instance.SocketPath(instanceName)
	c, err := client.New(socketPath, instance.ListenAddr())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to daemon: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	// Probe daemon health; auto-start if needed.
	if !probeDaemon(c) {
		fmt.Fprintf(os.Stderr, "daemon not running for instance %q, starting...\n", instanceName)
		if err := startDaemon(instanceName); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start daemon: %v\n", err)
			os.Exit(1)
		}
		if !waitForDaemon(c, 10*time.Second) {
			fmt.Fprintf(os.Stderr, "daemon did not become ready\n")
			os.Exit(1)
		}
	}

	name, err := operatorName(c, *asFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := tui.NewApp(c, instanceName, *asFlag, name)
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// probeDaemon reports whether the daemon answers a health check with SERVING.
func probeDaemon(c *client.Client) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	st, err := c.Status(ctx)
	return err == nil && st == healthpb.HealthCheckResponse_SERVING
}

func startDaemon(instanceName string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	souqd := filepath.Join(filepath.Dir(executable), "souqd")

	if _, err := os.Stat(souqd); err != nil {
		souqd = "souqd"
	}

	cmd := exec.Command(souqd, "--instance", instanceName)
	// Inherit stderr so daemon startup errors are visible.
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

// waitForDaemon polls the health service until it reports SERVING.
func waitForDaemon(c *client.Client, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if probeDaemon(c) {
			return true
		}
		time.Sleep(300 * time.Millisecond)
	}
	return false
}

// operatorName checks the operator exists and returns its display name. The
// daemon decides whether it is privileged when the inbox loads.
func operatorName(c *client.Client, id int64) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	users, err := c.Users(ctx, "")
	if err != nil {
		return "", err
	}
	for _, u := range users {
		if u.ID == id {
			return u.Name, nil
		}
	}
	return "", fmt.Errorf("no user with id %d", id)
}
