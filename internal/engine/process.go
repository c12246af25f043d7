package engine

import (
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ProcessSpec describes a model server binary the HTTP backend spawns during
// Load (e.g. `vllm serve ...` or `llama-server ...`).
type ProcessSpec struct {
	Bin  string
	Args []string
	// StopTimeout bounds the graceful SIGTERM wait before SIGKILL.
	StopTimeout time.Duration
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append([]byte(nil), t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// managedProcess is a spawned model server.
type managedProcess struct {
	cmd     *exec.Cmd
	stderr  *tailBuffer
	exited  chan struct{}
	waitErr error
	spec    ProcessSpec
	log     zerolog.Logger
}

func startProcess(spec ProcessSpec, log zerolog.Logger) (*managedProcess, error) {
	if spec.Bin == "" {
		return nil, fmt.Errorf("process: empty binary")
	}
	cmd := exec.Command(spec.Bin, spec.Args...)
	tail := &tailBuffer{max: 4096}
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Bin, err)
	}
	p := &managedProcess{cmd: cmd, stderr: tail, exited: make(chan struct{}), spec: spec, log: log}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	log.Info().Str("bin", spec.Bin).Strs("args", spec.Args).Int("pid", cmd.Process.Pid).Msg("backend process started")
	return p, nil
}

// Exited is closed once the process has terminated.
func (p *managedProcess) Exited() <-chan struct{} { return p.exited }

// exitError describes an exit observed before readiness. Only valid after Exited is closed.
func (p *managedProcess) exitError() error {
	if p.waitErr != nil {
		return fmt.Errorf("backend process exited before ready: %v; stderr tail: %s", p.waitErr, p.stderr.String())
	}
	return fmt.Errorf("backend process exited before ready; stderr tail: %s", p.stderr.String())
}

// Stop sends SIGTERM, then SIGKILL after the stop timeout.
func (p *managedProcess) Stop() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	timeout := p.spec.StopTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-p.exited:
	case <-time.After(timeout):
		p.log.Warn().Int("pid", p.cmd.Process.Pid).Msg("backend process ignored SIGTERM, killing")
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	p.log.Info().Int("pid", p.cmd.Process.Pid).Msg("backend process stopped")
	return nil
}
