// Package shell provides a persistent bash session and the bash tool built on it.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds a single command.
const DefaultTimeout = 120 * time.Second

// waitDelay is how long to wait for output pipes after bash exits.
const waitDelay = 500 * time.Millisecond

var (
	// ErrProcessDead indicates the shell process has exited.
	ErrProcessDead = errors.New("shell session has exited")

	// ErrTimeout indicates a command did not finish in time. The session keeps running.
	ErrTimeout = errors.New("shell command timed out")

	// ErrClosed indicates the session was closed.
	ErrClosed = errors.New("shell session is closed")
)

// Result is the outcome of one command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Session is a long-lived bash process. Commands run one at a time and
// share working directory, environment and shell state.
type Session struct {
	shell  string
	logger *slog.Logger

	runMu sync.Mutex

	mu     sync.Mutex
	proc   *process
	stale  []string
	closed bool
}

// NewSession creates a session. The process starts on first use.
func NewSession(shellPath string, logger *slog.Logger) *Session {
	if shellPath == "" {
		shellPath = "/bin/bash"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{shell: shellPath, logger: logger.With("component", "shell_session")}
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	notify chan struct{}
	exited chan struct{}

	mu     sync.Mutex
	stdout bytes.Buffer
	stderr bytes.Buffer
}

type streamWriter struct {
	p   *process
	buf *bytes.Buffer
}

func (w streamWriter) Write(b []byte) (int, error) {
	w.p.mu.Lock()
	w.buf.Write(b)
	w.p.mu.Unlock()
	w.p.signal()
	return len(b), nil
}

func (p *process) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *process) dead() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (s *Session) start() (*process, error) {
	cmd := exec.Command(s.shell)
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	p := &process{
		cmd:    cmd,
		notify: make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	cmd.Stdout = streamWriter{p: p, buf: &p.stdout}
	cmd.Stderr = streamWriter{p: p, buf: &p.stderr}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	p.stdin = stdin

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.shell, err)
	}
	s.logger.Debug("shell started", "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		s.logger.Debug("shell exited", "pid", cmd.Process.Pid, "error", err)
		close(p.exited)
		p.signal()
	}()
	return p, nil
}

// current returns the running process, starting one if needed.
func (s *Session) current() (*process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.proc == nil {
		p, err := s.start()
		if err != nil {
			return nil, err
		}
		s.proc = p
	}
	return s.proc, nil
}

// Dead reports whether the session was started and its process has exited.
func (s *Session) Dead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil && s.proc.dead()
}

// Run sends command to bash and waits for it to finish.
//
// Output is delimited by a sentinel echoed after the command on both
// streams. On timeout or cancellation the command keeps running; whatever
// it prints later shows up in the next command's output.
func (s *Session) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	p, err := s.current()
	if err != nil {
		return Result{}, err
	}
	if p.dead() {
		return Result{}, ErrProcessDead
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	sentinel := "__operative_" + uuid.NewString() + "__"
	script := fmt.Sprintf("%s\necho \"%s:$?\"\necho \"%s\" >&2\n", command, sentinel, sentinel)
	if _, err := io.WriteString(p.stdin, script); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrProcessDead, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	stale := s.staleSentinels()
	for {
		if res, ok := p.collect(sentinel, stale); ok {
			return res, nil
		}
		select {
		case <-p.notify:
		case <-p.exited:
			if res, ok := p.collect(sentinel, stale); ok {
				return res, nil
			}
			return p.drain(stale), ErrProcessDead
		case <-timer.C:
			s.markStale(sentinel)
			return Result{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case <-ctx.Done():
			s.markStale(sentinel)
			return Result{}, ctx.Err()
		}
	}
}

func (s *Session) staleSentinels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stale...)
}

func (s *Session) markStale(sentinel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale = append(s.stale, sentinel)
}

// collect consumes the output of the command marked by sentinel once both
// streams have reached it.
func (p *process) collect(sentinel string, stale []string) (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.stdout.String()
	marker := sentinel + ":"
	i := strings.Index(out, marker)
	if i < 0 {
		return Result{}, false
	}
	rest := out[i+len(marker):]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return Result{}, false
	}

	errOut := p.stderr.String()
	j := strings.Index(errOut, sentinel+"\n")
	if j < 0 {
		return Result{}, false
	}

	code, err := strconv.Atoi(strings.TrimSpace(rest[:nl]))
	if err != nil {
		code = -1
	}
	res := Result{
		Stdout:   clean(out[:i], stale),
		Stderr:   clean(errOut[:j], stale),
		ExitCode: code,
	}

	p.stdout.Reset()
	p.stdout.WriteString(rest[nl+1:])
	p.stderr.Reset()
	p.stderr.WriteString(errOut[j+len(sentinel)+1:])
	return res, true
}

// drain consumes everything buffered.
func (p *process) drain(stale []string) Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := Result{
		Stdout:   clean(p.stdout.String(), stale),
		Stderr:   clean(p.stderr.String(), stale),
		ExitCode: -1,
	}
	if p.cmd.ProcessState != nil {
		res.ExitCode = p.cmd.ProcessState.ExitCode()
	}
	p.stdout.Reset()
	p.stderr.Reset()
	return res
}

// clean drops sentinel lines of commands that timed out earlier and the
// final newline.
func clean(text string, stale []string) string {
	if len(stale) > 0 {
		lines := strings.SplitAfter(text, "\n")
		kept := lines[:0]
		for _, line := range lines {
			if !containsAny(line, stale) {
				kept = append(kept, line)
			}
		}
		text = strings.Join(kept, "")
	}
	return strings.TrimSuffix(text, "\n")
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Restart kills the process group and starts a fresh shell.
func (s *Session) Restart() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.stopLocked()
	p, err := s.start()
	if err != nil {
		return err
	}
	s.proc = p
	return nil
}

// Close kills the shell. The session cannot be used afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopLocked()
	return nil
}

func (s *Session) stopLocked() {
	p := s.proc
	s.proc = nil
	s.stale = nil
	if p == nil {
		return
	}
	_ = p.stdin.Close()
	if err := killProcessGroup(p.cmd); err != nil {
		s.logger.Warn("failed to kill shell", "error", err)
	}
	select {
	case <-p.exited:
	case <-time.After(2 * time.Second):
		s.logger.Warn("shell did not exit after kill", "pid", p.cmd.Process.Pid)
	}
}
