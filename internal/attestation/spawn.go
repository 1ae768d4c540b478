package attestation

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/majorcontext/guestpull/internal/log"
)

// Spawner launches a long-lived helper process.
type Spawner interface {
	// Spawn starts binary with args, detached from the caller, and returns
	// its pid. The caller does not wait on the process.
	Spawn(binary string, args []string, logPath string) (int, error)
}

// ProcessSpawner starts the process in its own session with stdin on
// /dev/null and stdout/stderr appended to logPath. A background goroutine
// reaps the process and logs its exit.
type ProcessSpawner struct{}

func (ProcessSpawner) Spawn(binary string, args []string, logPath string) (int, error) {
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, fmt.Errorf("opening /dev/null: %w", err)
	}
	defer devNull.Close()

	out := devNull
	if logPath != "" {
		f, err := openLog(logPath)
		if err != nil {
			log.Warn("attestation agent output will be discarded", "path", logPath, "error", err)
		} else {
			out = f
			defer f.Close()
		}
	}

	attr := &os.ProcAttr{
		Dir:   "/",
		Env:   os.Environ(),
		Files: []*os.File{devNull, out, out},
		Sys: &syscall.SysProcAttr{
			Setsid: true,
		},
	}

	proc, err := os.StartProcess(binary, append([]string{binary}, args...), attr)
	if err != nil {
		return 0, fmt.Errorf("starting %s: %w", binary, err)
	}
	go reap(proc, binary)
	return proc.Pid, nil
}

func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

func reap(proc *os.Process, binary string) {
	state, err := proc.Wait()
	if err != nil {
		log.Warn("waiting for attestation agent", "pid", proc.Pid, "error", err)
		return
	}
	log.Warn("attestation agent exited", "binary", binary, "pid", proc.Pid, "status", state.String())
}
