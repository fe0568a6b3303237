package main

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func TestResolveGenesisPathPrecedence(t *testing.T) {
	lookup := func(values map[string]string) envLookupFunc {
		return func(key string) (string, bool) {
			value, ok := values[key]
			return value, ok
		}
	}

	if got := resolveGenesisPath(" cli.json ", "cfg.json", lookup(map[string]string{genesisPathEnv: "env.json"})); got != "cli.json" {
		t.Fatalf("CLI flag should win, got %q", got)
	}
	if got := resolveGenesisPath("", "cfg.json", lookup(map[string]string{genesisPathEnv: "env.json"})); got != "env.json" {
		t.Fatalf("environment should beat config, got %q", got)
	}
	if got := resolveGenesisPath("", " cfg.json ", lookup(nil)); got != "cfg.json" {
		t.Fatalf("config should be the fallback, got %q", got)
	}
	if got := resolveGenesisPath("", "", lookup(map[string]string{genesisPathEnv: "  "})); got != "" {
		t.Fatalf("blank sources should resolve to empty, got %q", got)
	}
}

func TestWaitForRPCStartupSucceeds(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	errCh := make(chan error, 1)
	if err := waitForRPCStartup(listener.Addr().String(), errCh, 2*time.Second); err != nil {
		t.Fatalf("expected startup confirmation, got %v", err)
	}
}

func TestWaitForRPCStartupPropagatesServerError(t *testing.T) {
	errCh := make(chan error, 1)
	bootErr := errors.New("listen tcp: address already in use")
	errCh <- bootErr
	close(errCh)

	err := waitForRPCStartup("127.0.0.1:1", errCh, 2*time.Second)
	if !errors.Is(err, bootErr) {
		t.Fatalf("expected boot error to propagate, got %v", err)
	}
}

func TestWaitForRPCStartupTimesOut(t *testing.T) {
	errCh := make(chan error, 1)
	err := waitForRPCStartup("127.0.0.1:1", errCh, 250*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}
