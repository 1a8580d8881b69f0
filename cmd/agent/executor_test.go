package main

import (
	"testing"

	"github.com/beadforge/fleetctl/internal/logging"
)

func TestExecutorRunSuccess(t *testing.T) {
	ex := newExecutor(logging.NewNop())
	result := ex.run("t1", []byte("echo hello"))
	if !result.Success {
		t.Fatalf("expected success, got failure: %+v", result.Evidence)
	}
	if result.Evidence["stdout"] != "hello\n" {
		t.Fatalf("expected stdout 'hello\\n', got %q", result.Evidence["stdout"])
	}
	if result.Evidence["exit_code"] != 0 {
		t.Fatalf("expected exit_code 0, got %v", result.Evidence["exit_code"])
	}
}

func TestExecutorRunFailureCapturesExitCode(t *testing.T) {
	ex := newExecutor(logging.NewNop())
	result := ex.run("t1", []byte("exit 3"))
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Evidence["exit_code"] != 3 {
		t.Fatalf("expected exit_code 3, got %v", result.Evidence["exit_code"])
	}
}

func TestExecutorRunCapturesStderrAsErrMsg(t *testing.T) {
	ex := newExecutor(logging.NewNop())
	result := ex.run("t1", []byte("echo oops 1>&2; exit 1"))
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ErrMsg != "oops\n" {
		t.Fatalf("expected ErrMsg 'oops\\n', got %q", result.ErrMsg)
	}
}
