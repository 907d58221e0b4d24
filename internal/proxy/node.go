package proxy

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options configures a Node.
type Options struct {
	MaxConnections int
	FilterSize     int
	MsgLen         int
	SARTimeout     time.Duration
	Tick           time.Duration
	QueueSize      int
	PBTimeout      time.Duration
	ConnectTimeout time.Duration
	AllowAny       bool
	Scheduler      SchedulerOptions

	Clock  Clock
	Events Publisher
	Logger *slog.Logger
}

// Node wires the bearer together: one role table shared by the server and
// client sides, the worker that runs deferred commands, the PB-GATT bridge
// and the advertising scheduler.
type Node struct {
	Registry  *Registry
	Worker    *Worker
	Server    *Server
	Client    *Client
	PB        *PBGATT
	Scheduler *Scheduler

	ops    *PendingOps
	clock  Clock
	tick   time.Duration
	logger *slog.Logger
}

// NewNode builds a node. radio is nil when the node does not advertise and
// central is nil when it never connects out as a Proxy Client.
func NewNode(opts Options, net Network, subnets SubnetSource, bearer ProvisioningBearer, radio Advertiser, central Central) *Node {
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Events == nil {
		opts.Events = nopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tick <= 0 {
		opts.Tick = 250 * time.Millisecond
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 3
	}
	logger := opts.Logger

	n := &Node{
		ops:    &PendingOps{},
		clock:  opts.Clock,
		tick:   opts.Tick,
		logger: logger,
	}
	n.Worker = NewWorker(opts.QueueSize, logger)
	n.Registry = NewRegistry(RegistryOptions{
		MaxConnections: opts.MaxConnections,
		MsgLen:         opts.MsgLen,
		SARTimeout:     opts.SARTimeout,
		Clock:          opts.Clock,
		Worker:         n.Worker,
		Events:         opts.Events,
		Logger:         logger,
	})
	n.PB = NewPBGATT(PBGATTOptions{
		Timeout:  opts.PBTimeout,
		Registry: n.Registry,
		Bearer:   bearer,
		Clock:    opts.Clock,
		Events:   opts.Events,
		Logger:   logger,
	})

	sched := opts.Scheduler
	sched.MaxConnections = opts.MaxConnections
	sched.Clock = opts.Clock
	sched.Events = opts.Events
	sched.Logger = logger
	n.Scheduler = NewScheduler(sched, subnets, radio, n.Registry.Count, n.PB.Active)
	n.PB.OnAccept(n.Scheduler.SetPBGATT)

	n.Server = NewServer(ServerOptions{
		FilterSize: opts.FilterSize,
		Registry:   n.Registry,
		Worker:     n.Worker,
		Network:    net,
		PB:         n.PB,
		Waker:      n.Scheduler,
		Events:     opts.Events,
		Logger:     logger,
	}, n.ops)

	if central != nil {
		n.Client = NewClient(central, ClientOptions{
			ConnectTimeout: opts.ConnectTimeout,
			AllowAny:       opts.AllowAny,
			Registry:       n.Registry,
			Network:        net,
			Subnets:        subnets,
			PB:             n.PB,
			Events:         opts.Events,
			Logger:         logger,
		}, n.ops)
	}

	n.Worker.SetExecutor(n.execute)
	return n
}

func (n *Node) execute(cmd Command) {
	switch cmd.Kind {
	case CmdDisconnect:
		n.Registry.disconnect(cmd.Conn, cmd.Reason)
	case CmdSendBeacons:
		n.Server.sendBeacons(cmd.Conn)
	default:
		n.logger.Warn("[PROXY] unknown command", "command", cmd.Kind)
	}
}

// Tick fires every deadline due at now.
func (n *Node) Tick(now time.Time) {
	n.Registry.Tick(now)
	n.PB.Tick(now)
}

// WaitIdle blocks until no GATT write or notification is in flight.
func (n *Node) WaitIdle(ctx context.Context) error {
	return n.ops.Wait(ctx)
}

// Run drives the worker, the deadline ticker and, with a radio, the
// advertising scheduler until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Worker.Run(ctx) })
	g.Go(func() error {
		t := time.NewTicker(n.tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				n.Tick(n.clock.Now())
			}
		}
	})
	if n.Scheduler.radio != nil {
		g.Go(func() error { return n.Scheduler.Run(ctx) })
	}
	n.logger.Info("[PROXY] node running", "max_connections", n.Registry.Cap())
	return g.Wait()
}
