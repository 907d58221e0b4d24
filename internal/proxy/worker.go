package proxy

import (
	"context"
	"log/slog"
)

// CommandKind selects the deferred action a Command performs.
type CommandKind uint8

const (
	CmdDisconnect CommandKind = iota
	CmdSendBeacons
)

func (k CommandKind) String() string {
	switch k {
	case CmdDisconnect:
		return "disconnect"
	case CmdSendBeacons:
		return "send-beacons"
	default:
		return "unknown"
	}
}

// Command is work deferred out of callback context.
type Command struct {
	Kind   CommandKind
	Conn   ConnIndex
	Reason uint8
}

// Worker runs Commands off the GATT callback path. Submit never blocks.
type Worker struct {
	queue  chan Command
	exec   func(Command)
	logger *slog.Logger
}

// NewWorker creates a worker with room for size pending commands.
func NewWorker(size int, logger *slog.Logger) *Worker {
	if size <= 0 {
		size = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:  make(chan Command, size),
		exec:   func(Command) {},
		logger: logger,
	}
}

// SetExecutor installs the function that carries out commands. It must be
// called before Run.
func (w *Worker) SetExecutor(fn func(Command)) {
	w.exec = fn
}

// Submit queues cmd, returning ErrQueueFull when the queue is full.
func (w *Worker) Submit(cmd Command) error {
	select {
	case w.queue <- cmd:
		return nil
	default:
		w.logger.Warn("[PROXY] worker queue full", "command", cmd.Kind, "conn", cmd.Conn)
		return ErrQueueFull
	}
}

// Run executes commands until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-w.queue:
			w.exec(cmd)
		}
	}
}

// Drain executes every queued command on the calling goroutine and returns
// how many ran.
func (w *Worker) Drain() int {
	n := 0
	for {
		select {
		case cmd := <-w.queue:
			w.exec(cmd)
			n++
		default:
			return n
		}
	}
}

// Len returns the number of queued commands.
func (w *Worker) Len() int { return len(w.queue) }
