package testutil

import (
	"context"
	"os"
	"sync"

	"github.com/onnwee/live-tender/procexec"
)

// FakeRunner stands in for streamlink/ffmpeg. Handler decides what the "process" does; output
// existence is then observed from disk the same way the real runner does it.
type FakeRunner struct {
	Handler func(ctx context.Context, cmd procexec.Command) (procexec.Result, error)

	mu    sync.Mutex
	calls []procexec.Command
}

// Run records the call and delegates to Handler.
func (f *FakeRunner) Run(ctx context.Context, cmd procexec.Command) (procexec.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	var res procexec.Result
	var err error
	if f.Handler != nil {
		res, err = f.Handler(ctx, cmd)
	}
	if err != nil {
		return res, err
	}
	if cmd.Output != "" {
		if fi, statErr := os.Stat(cmd.Output); statErr == nil {
			res.OutputExists, res.OutputSize = true, fi.Size()
		}
	}
	res.Interrupted = res.Interrupted || ctx.Err() != nil
	return res, nil
}

// Calls returns a copy of the recorded invocations.
func (f *FakeRunner) Calls() []procexec.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]procexec.Command(nil), f.calls...)
}

// WriteOutput returns a handler that writes data to the command's output and exits with code.
func WriteOutput(data string, code int) func(context.Context, procexec.Command) (procexec.Result, error) {
	return func(_ context.Context, cmd procexec.Command) (procexec.Result, error) {
		if data != "" {
			if err := os.WriteFile(cmd.Output, []byte(data), 0o644); err != nil {
				return procexec.Result{ExitCode: -1}, err
			}
		}
		return procexec.Result{ExitCode: code}, nil
	}
}

// Exit returns a handler that produces no output and exits with code and stderr.
func Exit(code int, stderr string) func(context.Context, procexec.Command) (procexec.Result, error) {
	return func(context.Context, procexec.Command) (procexec.Result, error) {
		return procexec.Result{ExitCode: code, Stderr: stderr}, nil
	}
}
