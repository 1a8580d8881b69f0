package main

import (
	"bytes"
	"os/exec"
	"syscall"

	"go.uber.org/zap"
)

// executor runs a claimed task's payload and turns the result into the
// evidence map reportOutcome sends back. Evidence carries
// stdout/stderr/exit_code directly rather than being shipped to a
// separate results route — reportOutcome is the only sink.
type executor struct {
	log *zap.SugaredLogger
}

func newExecutor(log *zap.SugaredLogger) *executor {
	return &executor{log: log}
}

type execResult struct {
	Success  bool
	Evidence map[string]interface{}
	ErrMsg   string
}

// run executes the task's payload as a shell command. Targets Unix-like
// systems only — the exit-code extraction below assumes a POSIX
// WaitStatus.
func (e *executor) run(taskID string, payload []byte) execResult {
	command := string(payload)
	e.log.Infow("executing task", "task_id", taskID, "command", command)

	cmd := exec.Command("sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	err := cmd.Run()
	success := err == nil
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if waitStatus, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				exitCode = waitStatus.ExitStatus()
			} else {
				exitCode = 1
			}
		} else {
			exitCode = 1
		}
	}

	result := execResult{
		Success: success,
		Evidence: map[string]interface{}{
			"stdout":    stdout.String(),
			"stderr":    stderr.String(),
			"exit_code": exitCode,
		},
	}
	if !success {
		result.ErrMsg = stderr.String()
		if result.ErrMsg == "" {
			result.ErrMsg = err.Error()
		}
	}
	return result
}
