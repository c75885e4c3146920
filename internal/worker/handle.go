package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/openmc/dropwatch/internal/log"
)

const (
	eventBuffer = 256
	maxLine     = 1 << 20
	waitDelay   = 500 * time.Millisecond
)

// Handle is a running worker process. Its Events channel must be drained
// until it is closed.
type Handle struct {
	kind    Kind
	path    string
	args    []string
	pid     int
	started time.Time

	ctx    context.Context
	cmd    *exec.Cmd
	runCtx context.Context
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}

	mx     sync.Mutex
	reason ExitReason
	exit   Exit
}

func (h *Handle) Kind() Kind         { return h.kind }
func (h *Handle) PID() int           { return h.pid }
func (h *Handle) Args() []string     { return append([]string(nil), h.args...) }
func (h *Handle) Started() time.Time { return h.started }

// Events delivers parsed stdout lines in emission order followed by a
// single Exit event. The channel is closed afterwards.
func (h *Handle) Events() <-chan Event { return h.events }

// Done is closed once the process exited and its Exit event was queued.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exit returns the exit description. Valid after Done is closed.
func (h *Handle) Exit() Exit {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.exit
}

// spawn starts the process described by proto with args appended. The
// process outlives ctx cancellation; it ends on exit, terminate or
// proto.Timeout.
func spawn(ctx context.Context, kind Kind, proto Command, args []string) (*Handle, error) {
	argv := append(append([]string(nil), proto.Args...), args...)

	runCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if proto.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, proto.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	cmd := exec.CommandContext(runCtx, proto.Path, argv...)
	cmd.Env = proto.Env
	cmd.WaitDelay = waitDelay

	logCtx := log.ContextAttrs(ctx, slog.String("worker", string(kind)))
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = &stderrLogger{ctx: logCtx}

	started := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		cancel()
		_ = pw.Close()
		return nil, err
	}

	h := &Handle{
		kind:    kind,
		path:    proto.Path,
		args:    argv,
		pid:     cmd.Process.Pid,
		started: started,
		ctx:     logCtx,
		cmd:     cmd,
		runCtx:  runCtx,
		cancel:  cancel,
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
	}
	slog.DebugContext(logCtx, "worker started", "path", proto.Path, "pid", h.pid)
	go h.run(pr, pw)
	return h, nil
}

func (h *Handle) run(pr *io.PipeReader, pw *io.PipeWriter) {
	waitCh := make(chan error, 1)
	go func() {
		err := h.cmd.Wait()
		_ = pw.Close()
		waitCh <- err
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	seq := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		seq++
		m := parseLine(seq, line)
		if m.Err != nil {
			slog.WarnContext(h.ctx, "unparsable worker output", "line", line, "error", m.Err)
		}
		h.events <- Event{Message: &m}
	}
	if err := scanner.Err(); err != nil {
		slog.ErrorContext(h.ctx, "reading worker output", "error", err)
		seq++
		m := parseLine(seq, "")
		m.Err = errors.Join(ErrMalformedOutput, err)
		h.events <- Event{Message: &m}
		_, _ = io.Copy(io.Discard, pr)
	}

	waitErr := <-waitCh
	timedOut := errors.Is(h.runCtx.Err(), context.DeadlineExceeded)
	h.cancel()

	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}

	h.mx.Lock()
	reason := h.reason
	if reason == "" {
		reason = ExitNormal
		if timedOut {
			reason = ExitTimeout
		}
	}
	h.exit = Exit{
		Code:    code,
		Reason:  reason,
		Err:     waitErr,
		Started: h.started,
		Stopped: time.Now().UTC(),
	}
	exit := h.exit
	h.mx.Unlock()

	slog.DebugContext(h.ctx, "worker exited", "pid", h.pid, "code", code, "reason", reason)
	h.events <- Event{Exit: &exit}
	close(h.events)
	close(h.done)
}

// terminate kills the process and waits up to grace for it to be reaped.
// Terminating an exited worker is a no-op.
func (h *Handle) terminate(reason ExitReason, grace time.Duration) {
	h.mx.Lock()
	if h.reason == "" {
		h.reason = reason
	}
	h.mx.Unlock()
	h.cancel()

	if grace <= 0 {
		return
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		slog.WarnContext(h.ctx, "worker not reaped within grace period", "pid", h.pid, "grace", grace)
	}
}

type stderrLogger struct {
	ctx context.Context
	buf []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.log(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLine {
		w.log(w.buf)
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func (w *stderrLogger) log(line []byte) {
	s := strings.TrimSpace(string(line))
	if s != "" {
		slog.DebugContext(w.ctx, "worker stderr", "line", s)
	}
}
