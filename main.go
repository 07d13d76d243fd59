package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sowback/sowback/internal/client"
	"github.com/sowback/sowback/internal/config"
	"github.com/sowback/sowback/internal/logging"
	"github.com/sowback/sowback/internal/server"
)

var help = `
  Usage: sowback [command] [--help]

  Commands:
    listen  - run the public server
    connect - run the client and expose local services

`

var listenHelp = `
  Usage: sowback listen [address] [options]

  [address] is the control listen address (default 0.0.0.0:7000).

  Options:

    --bind, Host that proxy listeners bind on (default 0.0.0.0).

    --token, Shared authentication token (required here or in the
    config file).

    --name, Server name announced to clients.

    --max-clients, Maximum number of concurrent clients (default 100).

    -c, Path to a TOML configuration file with a [server] table.
    Command line options override file values.

    --log, Also write logs to this file.

    -v, Enable verbose logging.

`

var connectHelp = `
  Usage: sowback connect [server...] [options]

  Each [server] is a host:port to maintain a tunnel to.

  Options:

    --token, Shared authentication token (required here or in the
    config file).

    --service, A forwarding rule local_ip:local_port:remote_port.
    May be repeated.

    --name, Client name announced to servers.

    --proxy, Optional socks5:// URL to reach the servers through.

    -c, Path to a TOML configuration file with a [client] table.
    Command line options override file values.

    --log, Also write logs to this file.

    -v, Enable verbose logging.

`

// stringList collects a repeatable string flag.
type stringList []string

func (s *stringList) String() string {
	return fmt.Sprint([]string(*s))
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	args := os.Args[1:]
	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "listen":
		go sigHandler(ctx, cancel)
		listen(ctx, args)
	case "connect":
		go sigHandler(ctx, cancel)
		connect(ctx, args)
	default:
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
}

func sigHandler(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	signal.Stop(sig)
	cancel()
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "sowback: %s: %v\n", msg, err)
	os.Exit(1)
}

func listen(ctx context.Context, args []string) {
	flags := flag.NewFlagSet("listen", flag.ExitOnError)
	bind := flags.String("bind", "", "")
	token := flags.String("token", "", "")
	name := flags.String("name", "", "")
	maxClients := flags.Int("max-clients", 0, "")
	cfgPath := flags.String("c", "", "")
	logFile := flags.String("log", "", "")
	verbose := flags.Bool("v", false, "")
	flags.Usage = func() {
		fmt.Print(listenHelp)
		os.Exit(1)
	}
	flags.Parse(args)

	cfg := config.DefaultServer()
	if *cfgPath != "" {
		f, err := config.Load(*cfgPath)
		if err != nil {
			fatal("loading config", err)
		}
		if f.Server != nil {
			merged := *f.Server
			if merged.ListenAddr == "" {
				merged.ListenAddr = cfg.ListenAddr
			}
			if merged.BindHost == "" {
				merged.BindHost = cfg.BindHost
			}
			if merged.MaxClients == 0 {
				merged.MaxClients = cfg.MaxClients
			}
			cfg = merged
		}
	}
	if rest := flags.Args(); len(rest) > 0 {
		cfg.ListenAddr = rest[0]
	}
	if *bind != "" {
		cfg.BindHost = *bind
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *name != "" {
		cfg.Name = *name
	}
	if *maxClients > 0 {
		cfg.MaxClients = *maxClients
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	if cfg.Token == "" {
		fatal("configuration", fmt.Errorf("a token is required, pass --token or set it in the config file"))
	}

	logger, err := logging.Setup(cfg.LogFile, *verbose)
	if err != nil {
		fatal("logging", err)
	}

	srv := server.New(server.Config{
		Name:       cfg.Name,
		ListenAddr: cfg.ListenAddr,
		BindHost:   cfg.BindHost,
		Token:      cfg.Token,
		MaxClients: cfg.MaxClients,
	}, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Crit("server exited", "err", err)
		os.Exit(1)
	}
}

func connect(ctx context.Context, args []string) {
	flags := flag.NewFlagSet("connect", flag.ExitOnError)
	token := flags.String("token", "", "")
	name := flags.String("name", "", "")
	proxyURL := flags.String("proxy", "", "")
	cfgPath := flags.String("c", "", "")
	logFile := flags.String("log", "", "")
	verbose := flags.Bool("v", false, "")
	var services stringList
	flags.Var(&services, "service", "")
	flags.Usage = func() {
		fmt.Print(connectHelp)
		os.Exit(1)
	}
	flags.Parse(args)

	cfg := config.DefaultClient()
	if *cfgPath != "" {
		f, err := config.Load(*cfgPath)
		if err != nil {
			fatal("loading config", err)
		}
		if f.Client != nil {
			merged := *f.Client
			if merged.ReconnectInterval == 0 {
				merged.ReconnectInterval = cfg.ReconnectInterval
			}
			if merged.HeartbeatInterval == 0 {
				merged.HeartbeatInterval = cfg.HeartbeatInterval
			}
			cfg = merged
		}
	}
	if rest := flags.Args(); len(rest) > 0 {
		cfg.Servers = rest
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *name != "" {
		cfg.Name = *name
	}
	if *proxyURL != "" {
		cfg.Proxy = *proxyURL
	}
	if len(services) > 0 {
		cfg.Services = services
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	if cfg.Token == "" {
		fatal("configuration", fmt.Errorf("a token is required, pass --token or set it in the config file"))
	}
	if len(cfg.Servers) == 0 {
		fatal("configuration", fmt.Errorf("at least one server address is required"))
	}

	svcs, err := config.ParseServices(cfg.Services)
	if err != nil {
		fatal("configuration", err)
	}

	logger, err := logging.Setup(cfg.LogFile, *verbose)
	if err != nil {
		fatal("logging", err)
	}

	cl, err := client.New(client.Config{
		Name:              cfg.Name,
		Servers:           cfg.Servers,
		Token:             cfg.Token,
		Services:          svcs,
		ReconnectInterval: time.Duration(cfg.ReconnectInterval) * time.Second,
		HeartbeatInterval: time.Duration(cfg.HeartbeatInterval) * time.Second,
		Proxy:             cfg.Proxy,
	}, logger)
	if err != nil {
		fatal("configuration", err)
	}
	if err := cl.Run(ctx); err != nil && err != context.Canceled {
		logger.Crit("client exited", "err", err)
		os.Exit(1)
	}
}
