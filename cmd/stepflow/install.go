package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// runInstall writes settings.json from flags, then reloads a running server
// via SIGHUP or starts a new one.
func runInstall(args []string) {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	listenAddr := fs.String("listen-addr", ":4200", "TCP listen address for the HTTP side")
	dbPath := fs.String("db-path", "", "database path (default: ~/.stepflow/stepflow.db)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	poolSize := fs.Int("pool-size", 8, "concurrent step dispatch limit")
	stepTimeout := fs.Int("step-timeout", 300, "default per-step timeout in seconds")
	approvalPoll := fs.Int("approval-poll", 2, "durable approval poll interval in seconds")
	historyLimit := fs.Int("history-limit", 200, "settled runs kept in engine memory (0 = all)")
	panelFlag := fs.Bool("panel", false, "enable the web panel")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dir := stepflowDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	cfg := Config{
		ListenAddr:           *listenAddr,
		LogLevel:             *logLevel,
		PoolSize:             *poolSize,
		DefaultStepTimeout:   *stepTimeout,
		ApprovalPollInterval: *approvalPoll,
		RunHistoryLimit:      *historyLimit,
		Panel:                *panelFlag,
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	} else {
		cfg.DBPath = filepath.Join(dir, "stepflow.db")
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot write %s: %v\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", path)

	// Signal running server to reload, or start a new one.
	if signalRunningServer() {
		return
	}
	runServe()
}

// signalRunningServer sends SIGHUP to a running stepflow server (via pidfile).
// Returns true if the server was signaled (caller should NOT start a new one).
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}
