package worker

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// Supervisor keeps at most one live worker per Kind.
type Supervisor struct {
	mx       sync.Mutex
	commands map[Kind]Command
	slots    map[Kind]*Handle
	starts   map[Kind]*sync.Mutex
	grace    time.Duration
	closed   bool
}

// NewSupervisor returns a supervisor launching the given commands. grace
// bounds the wait for a terminated worker before its replacement starts.
func NewSupervisor(commands map[Kind]Command, grace time.Duration) *Supervisor {
	return &Supervisor{
		commands: maps.Clone(commands),
		slots:    make(map[Kind]*Handle),
		starts:   make(map[Kind]*sync.Mutex),
		grace:    grace,
	}
}

// SetCommands replaces the commands used by subsequent starts. Running
// workers are not affected.
func (s *Supervisor) SetCommands(commands map[Kind]Command) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.commands = maps.Clone(commands)
}

func (s *Supervisor) command(kind Kind) (Command, error) {
	cmd, ok := s.commands[kind]
	if !ok || cmd.Path == "" {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return cmd, nil
}

// Start launches a worker of kind, terminating the live one first. The
// previous handle reports ExitSuperseded. A spawn failure is returned
// and leaves the slot empty. Starts of one kind are serialized; the wait
// for the previous worker does not block other calls.
func (s *Supervisor) Start(ctx context.Context, kind Kind, args ...string) (*Handle, error) {
	lock := s.startLock(kind)
	lock.Lock()
	defer lock.Unlock()

	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return nil, ErrClosed
	}
	proto, err := s.command(kind)
	if err != nil {
		s.mx.Unlock()
		return nil, err
	}
	prev := s.slots[kind]
	delete(s.slots, kind)
	s.mx.Unlock()

	if prev != nil {
		slog.DebugContext(ctx, "superseding worker", "worker", kind, "pid", prev.PID())
		prev.terminate(ExitSuperseded, s.grace)
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	h, err := spawn(ctx, kind, proto, args)
	if err != nil {
		return nil, fmt.Errorf("starting %s worker: %w", kind, err)
	}
	s.slots[kind] = h
	go s.release(h)
	return h, nil
}

func (s *Supervisor) startLock(kind Kind) *sync.Mutex {
	s.mx.Lock()
	defer s.mx.Unlock()
	lock, ok := s.starts[kind]
	if !ok {
		lock = &sync.Mutex{}
		s.starts[kind] = lock
	}
	return lock
}

func (s *Supervisor) release(h *Handle) {
	<-h.Done()
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.slots[h.kind] == h {
		delete(s.slots, h.kind)
	}
}

// Stop terminates the live worker of kind. It reports whether there was one.
func (s *Supervisor) Stop(kind Kind) bool {
	s.mx.Lock()
	h := s.slots[kind]
	delete(s.slots, kind)
	s.mx.Unlock()
	if h == nil {
		return false
	}
	h.terminate(ExitStopped, s.grace)
	return true
}

// Active returns the live worker of kind or nil.
func (s *Supervisor) Active(kind Kind) *Handle {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.slots[kind]
}

// Close stops every live worker and rejects further starts.
func (s *Supervisor) Close() {
	s.mx.Lock()
	s.closed = true
	handles := make([]*Handle, 0, len(s.slots))
	for kind, h := range s.slots {
		handles = append(handles, h)
		delete(s.slots, kind)
	}
	s.mx.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.terminate(ExitStopped, s.grace)
		}()
	}
	wg.Wait()
}

// RunOnce runs an unsupervised worker of kind and returns its first
// output line. Workers of one-shot kinds are not subject to slots.
func (s *Supervisor) RunOnce(ctx context.Context, kind Kind, args ...string) (Message, error) {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return Message{}, ErrClosed
	}
	proto, err := s.command(kind)
	s.mx.Unlock()
	if err != nil {
		return Message{}, err
	}

	h, err := spawn(ctx, kind, proto, args)
	if err != nil {
		return Message{}, fmt.Errorf("starting %s worker: %w", kind, err)
	}

	var first *Message
	var exit *Exit
	events := h.Events()
	ctxDone := ctx.Done()
	for events != nil {
		select {
		case ev, ok := <-events:
			switch {
			case !ok:
				events = nil
			case ev.Exit != nil:
				exit = ev.Exit
			case first == nil:
				first = ev.Message
			}
		case <-ctxDone:
			ctxDone = nil
			h.terminate(ExitStopped, 0)
		}
	}

	switch {
	case ctx.Err() != nil && first == nil:
		return Message{}, ctx.Err()
	case first != nil && first.Err != nil:
		return *first, first.Err
	case first != nil:
		return *first, nil
	case exit != nil && !exit.Clean():
		return Message{}, &ExitError{Kind: kind, Code: exit.Code, Reason: exit.Reason}
	default:
		return Message{}, ErrNoOutput
	}
}
