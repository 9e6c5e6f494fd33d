package main

import (
	"testing"

	"github.com/spf13/cobra"

	"github.com/rowsync/rowsync/internal/config"
	"github.com/rowsync/rowsync/internal/orchestrator"
)

func TestDisplayAddr(t *testing.T) {
	tests := map[string]string{
		":8080":          "localhost:8080",
		"0.0.0.0:9000":   "0.0.0.0:9000",
		"sync.local:443": "sync.local:443",
	}
	for in, want := range tests {
		if got := displayAddr(in); got != want {
			t.Errorf("displayAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChainProgressSkipsNil(t *testing.T) {
	var calls int
	count := func(orchestrator.ProgressEvent) { calls++ }
	chainProgress(nil, count, count)(orchestrator.ProgressEvent{Step: orchestrator.StepBeginSession})
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestApplyClientFlags(t *testing.T) {
	cfg = config.Default()
	cmd := &cobra.Command{Use: "test"}
	addClientFlags(cmd)
	if err := cmd.ParseFlags([]string{"--url", "http://sync.local", "--param", "region=west", "--policy", "client_wins"}); err != nil {
		t.Fatal(err)
	}
	applyClientFlags(cmd)

	if cfg.Client.URL != "http://sync.local" {
		t.Errorf("url = %q", cfg.Client.URL)
	}
	if cfg.Client.Parameters["region"] != "west" {
		t.Errorf("parameters = %v", cfg.Client.Parameters)
	}
	if cfg.Conflict.Policy != "client_wins" {
		t.Errorf("policy = %q", cfg.Conflict.Policy)
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"serve", "sync", "watch", "provision", "deprovision", "status", "cleanup", "loadtest", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd == rootCmd {
			t.Errorf("command %s not registered", name)
		}
	}
}
