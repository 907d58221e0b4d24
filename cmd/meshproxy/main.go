package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/meshproxy/internal/ble"
	"github.com/chaz8081/meshproxy/internal/config"
	"github.com/chaz8081/meshproxy/internal/events"
	"github.com/chaz8081/meshproxy/internal/logging"
	"github.com/chaz8081/meshproxy/internal/mqttbridge"
	"github.com/chaz8081/meshproxy/internal/proxy"
	"github.com/chaz8081/meshproxy/internal/proxy/crypto"
)

var (
	flgConfig       = cli.StringFlag{Name: "config, c", Usage: "path to config file (default: ~/.config/meshproxy/config.yaml)"}
	flgNodeIdentity = cli.BoolFlag{Name: "node-identity", Usage: "advertise Node Identity on every subnet at startup"}
	flgProvision    = cli.StringFlag{Name: "provision, p", Usage: "device UUID to open a PB-GATT link to"}
	flgNetKey       = cli.StringFlag{Name: "net-key, k", Usage: "NetKey as 32 hex digits"}
	flgDuration     = cli.DurationFlag{Name: "duration, d", Value: 5 * time.Second, Usage: "scan duration"}
)

func main() {
	app := cli.NewApp()

	app.Name = "meshproxy"
	app.Usage = "Bluetooth Mesh GATT proxy and PB-GATT bearer"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{flgConfig}

	app.Commands = []cli.Command{
		{
			Name:   "server",
			Usage:  "Run the Proxy Server and PB-GATT server",
			Action: cmdServer,
			Flags:  []cli.Flag{flgNodeIdentity},
		},
		{
			Name:   "client",
			Usage:  "Connect to proxy servers of the configured subnets",
			Action: cmdClient,
			Flags:  []cli.Flag{flgProvision},
		},
		{
			Name:   "keys",
			Usage:  "Print the Network ID and Identity Key of a NetKey",
			Action: cmdKeys,
			Flags:  []cli.Flag{flgNetKey},
		},
		{
			Name:   "scan",
			Usage:  "List unprovisioned devices advertising Mesh Provisioning",
			Action: cmdScan,
			Flags:  []cli.Flag{flgDuration},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// stack holds what every bearer command builds from the config.
type stack struct {
	cfg     *config.Config
	logger  *slog.Logger
	bus     *events.Bus
	adapter *ble.BlueZAdapter
	bridge  *mqttbridge.Bridge
	broker  *mqttbridge.PahoBroker
	subnets *proxy.SubnetTable
}

func setup(c *cli.Context) (*stack, error) {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	subnets, err := cfg.SubnetTable()
	if err != nil {
		return nil, fmt.Errorf("subnets: %w", err)
	}

	rt := &stack{
		cfg:     cfg,
		logger:  logger,
		bus:     events.New(0, logger.With("component", "events")),
		adapter: ble.NewBlueZAdapter(cfg.Adapter),
		subnets: subnets,
	}

	var broker mqttbridge.Broker = mqttbridge.LogBroker{Logger: logger.With("component", "mqtt")}
	if cfg.MQTT.Broker != "" {
		rt.broker = mqttbridge.NewPahoBroker(cfg.MQTT.Broker, cfg.MQTT.ClientID, logger.With("component", "mqtt"))
		broker = rt.broker
	}
	rt.bridge = mqttbridge.New(broker, cfg.MQTT.TopicPrefix, logger.With("component", "bridge"))

	if err := rt.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	return rt, nil
}

func (rt *stack) nodeOptions() proxy.Options {
	opts := rt.cfg.NodeOptions()
	opts.Events = rt.bus
	opts.Logger = rt.logger.With("component", "proxy")
	return opts
}

// run starts the broker, the event log and fn under one errgroup until a
// signal arrives or something fails.
func (rt *stack) run(node *proxy.Node, fn func(ctx context.Context, g *errgroup.Group)) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if rt.broker != nil {
		if err := rt.broker.Connect(sigCtx); err != nil {
			return err
		}
		defer rt.broker.Close()
	}
	if err := rt.bridge.Start(); err != nil {
		return err
	}

	sub := rt.bus.Subscribe(events.AllTopics()...)
	go events.Log(sub, rt.logger)
	defer rt.bus.Close()

	g, ctx := errgroup.WithContext(sigCtx)
	g.Go(func() error { return node.Run(ctx) })
	if fn != nil {
		fn(ctx, g)
	}

	err := g.Wait()
	if sigCtx.Err() != nil {
		rt.logger.Info("shutting down")
		return nil
	}
	return err
}

func cmdServer(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}

	radio := ble.NewRadio(rt.adapter.Raw())
	node := proxy.NewNode(rt.nodeOptions(), rt.bridge, rt.subnets, rt.bridge, radio, nil)
	rt.bridge.Attach(node.Server, nil)
	rt.bridge.AttachProvisioner(node.PB)

	peripheral := ble.NewPeripheral(node.Server, 0, rt.logger.With("component", "ble"))
	if err := ble.RegisterServices(rt.adapter.Raw(), peripheral); err != nil {
		return err
	}
	rt.adapter.OnPeerDisconnect(func(addr string) {
		rt.logger.Info("[BLE] central disconnected", "addr", addr)
		peripheral.DropAll()
	})

	if rt.cfg.Server.PBGATT && len(rt.cfg.Subnets) == 0 {
		if err := node.PB.LinkAccept(); err != nil {
			return err
		}
	}
	if c.Bool("node-identity") {
		node.Scheduler.StartNodeIdentityAll()
	}

	printBanner(rt.cfg, "server")
	return rt.run(node, nil)
}

func cmdClient(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}

	node := proxy.NewNode(rt.nodeOptions(), rt.bridge, rt.subnets, rt.bridge, nil, ble.NewCentral(rt.adapter))
	rt.bridge.Attach(nil, node.Client)
	rt.bridge.AttachProvisioner(node.PB)

	for _, netIdx := range rt.cfg.Client.NetIdx {
		if err := node.Client.Connect(netIdx); err != nil {
			return fmt.Errorf("client: net_idx %d: %w", netIdx, err)
		}
	}
	if dev := c.String("provision"); dev != "" {
		id, err := uuid.Parse(dev)
		if err != nil {
			return fmt.Errorf("provision: %w", err)
		}
		if err := node.Client.Provision(id); err != nil {
			return fmt.Errorf("provision: %w", err)
		}
	}

	printBanner(rt.cfg, "client")
	return rt.run(node, func(ctx context.Context, g *errgroup.Group) {
		g.Go(func() error {
			return ble.ScanLoop(ctx, rt.adapter, node.Client, ble.ScanOptions{})
		})
	})
}

func cmdKeys(c *cli.Context) error {
	key, err := hex.DecodeString(c.String("net-key"))
	if err != nil || len(key) != crypto.KeySize {
		return fmt.Errorf("keys: --net-key must be %d bytes of hex", crypto.KeySize)
	}
	netID, err := crypto.NetworkID(key)
	if err != nil {
		return err
	}
	identity, err := crypto.IdentityKey(key)
	if err != nil {
		return err
	}
	fmt.Printf("Network ID:   %x\n", netID)
	fmt.Printf("Identity Key: %x\n", identity)
	return nil
}

func cmdScan(c *cli.Context) error {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	devices, err := ble.ScanUnprovisioned(ble.NewBlueZAdapter(cfg.Adapter), c.Duration("duration"))
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No unprovisioned devices found.")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%-20s %-36s oob=0x%04x rssi=%d %s\n", d.Addr, d.UUID, d.OOBInfo, d.RSSI, d.Name)
	}
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default path, then to built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, mode string) {
	fmt.Println("=== meshproxy ===")
	fmt.Printf("  Mode:        %s\n", mode)
	fmt.Printf("  Adapter:     %s\n", cfg.Adapter)
	fmt.Printf("  Subnets:     %d\n", len(cfg.Subnets))
	fmt.Printf("  Connections: %d\n", cfg.Proxy.MaxConnections)
	if cfg.MQTT.Broker != "" {
		fmt.Printf("  MQTT:        %s (%s/...)\n", cfg.MQTT.Broker, cfg.MQTT.TopicPrefix)
	}
	fmt.Println()
}
