package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ovpn-node/pkg/auth"
	"ovpn-node/pkg/config"
	"ovpn-node/pkg/coord"
	"ovpn-node/pkg/db"
	"ovpn-node/pkg/events"
	"ovpn-node/pkg/firewall"
	"ovpn-node/pkg/hooks"
	"ovpn-node/pkg/lease"
	"ovpn-node/pkg/logging"
	"ovpn-node/pkg/model"
	"ovpn-node/pkg/openvpn"
	"ovpn-node/pkg/orchestrator"
	"ovpn-node/pkg/telemetry"
	"ovpn-node/pkg/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run wires the agent and returns the exit code, so deferred cleanup runs
// before the process exits.
func run(args []string) int {
	configPath := configFromArgs(args, os.Getenv("OVPN_CONFIG"))
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	// Flags override the file, so the file is read before the flag set is built.
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	fs.String("config", configPath, "YAML config file (env OVPN_CONFIG)")
	cfg.BindFlags(fs)
	showVersion := fs.Bool("v", false, "print version and exit")
	serverID := fs.String("server", "", "start one instance of this server and exit when it stops")
	adoptPID := fs.Int("adopt-pid", 0, "adopt a running openvpn process (with -server and -adopt-iface)")
	adoptIface := fs.String("adopt-iface", "", "tun interface used by the adopted process")
	adoptStatus := fs.String("adopt-status", "", "status file written by the adopted process")
	adoptInstance := fs.String("adopt-instance", "", "instance id the adopted process was registered under")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version.String("agent"))
		return 0
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return 1
	}
	log = log.With().Str("host", cfg.HostID).Logger()
	log.Info().Str("build", version.Build).Msg("agent starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli, err := coord.NewClient(cfg.Consul.Addr, cfg.Consul.Token)
	if err != nil {
		log.Error().Err(err).Msg("consul client")
		return 1
	}
	bus := coord.NewConsulBus(cli, log)

	journal, err := firewall.OpenJournal(cfg.JournalPath, log)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.JournalPath).Msg("open rule journal")
		return 1
	}
	defer journal.Close()
	rules := firewall.NewEngine(firewall.IPTables{}, journal, log)
	if n, err := rules.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("recover stale rules")
		return 1
	} else if n > 0 {
		log.Warn().Int("removed", n).Msg("removed rules left by a previous run")
	}

	tokens, err := auth.NewHookTokens(cfg.Hooks.MasterSecret)
	if err != nil {
		log.Error().Err(err).Msg("hook tokens")
		return 1
	}

	var (
		acct  telemetry.Accountant
		users hooks.UserAuthenticator
	)
	if cfg.Accounting.DSN != "" {
		gdb, err := db.Open(cfg.Accounting.Driver, cfg.Accounting.DSN)
		if err != nil {
			log.Error().Err(err).Msg("open accounting database")
			return 1
		}
		acct = &db.Accountant{DB: gdb, HostID: cfg.HostID}
		users = &db.Users{DB: gdb}
	}

	callouts := hooks.NewServer(tokens, users, log.With().Str("component", "hooks").Logger())
	go func() {
		if err := callouts.Run(ctx, cfg.Hooks.Listen); err != nil {
			log.Error().Err(err).Str("addr", cfg.Hooks.Listen).Msg("hook server")
			stop()
		}
	}()

	pub := events.Fanout{
		events.LogPublisher{Log: log.With().Str("component", "events").Logger()},
		events.KindFilter{
			Kinds: []model.EventKind{model.EventState, model.EventAlert},
			Next:  events.BusPublisher{Bus: bus, Channel: events.Channel},
		},
	}
	if cfg.Events.URL != "" {
		ws, err := events.NewWSPublisher(cfg.Events.URL, cfg.HostID, cfg.Events.Token, log)
		if err != nil {
			log.Error().Err(err).Msg("events publisher")
			return 1
		}
		tlsCfg, err := events.ClientTLSConfig(cfg.Events.CAFile, cfg.Events.CertFile, cfg.Events.KeyFile, cfg.Events.Insecure)
		if err != nil {
			log.Error().Err(err).Msg("events tls")
			return 1
		}
		ws.SetTLS(tlsCfg)
		ws.On("control", func(raw json.RawMessage) {
			var msg model.ControlMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				log.Warn().Err(err).Msg("bad control frame")
				return
			}
			if err := coord.PublishControl(ctx, bus, msg); err != nil {
				log.Warn().Err(err).Msg("relay control frame")
			}
		})
		go ws.Run(ctx)
		pub = append(pub, ws)
	}

	specs := coord.NewConsulSpecs(cli)
	orch, err := orchestrator.New(orchestrator.Params{
		HostID:    cfg.HostID,
		Resources: lease.NewHostResourceManager(lease.Names(cfg.Interfaces.Prefix, cfg.Interfaces.PoolSize), firewall.ReadRoutes),
		Store:     coord.NewConsulStore(cli),
		Bus:       bus,
		Specs:     specs,
		Composer: &openvpn.Composer{
			WorkRoot: cfg.OpenVPN.WorkDir,
			HookURL:  hookURL(cfg.Hooks.Listen),
			Tokens:   tokens,
			Options: openvpn.RenderOptions{
				Verbosity:      cfg.OpenVPN.Verbosity,
				StatusInterval: int(cfg.Timing.StatusRefresh / time.Second),
			},
			Log: log,
		},
		Rules:      rules,
		Callouts:   callouts,
		Accountant: acct,
		Events:     pub,
		Timing:     cfg.Timing,
		Binary:     cfg.OpenVPN.Binary,
		Logger:     log,
	})
	if err != nil {
		log.Error().Err(err).Msg("orchestrator")
		return 1
	}

	callouts.SetStatus(orch.Instances)

	if *serverID != "" {
		return runOne(ctx, orch, specs, log, *serverID, orchestrator.AdoptRequest{
			PID: *adoptPID, Iface: *adoptIface, StatusPath: *adoptStatus, InstanceID: *adoptInstance,
		})
	}

	if err := serve(ctx, orch, bus, cfg.HostID, log); err != nil {
		log.Error().Err(err).Msg("run request subscription")
	}
	shutdown(orch, log)
	return 0
}

// runOne starts or adopts a single instance and blocks until it finalizes.
func runOne(ctx context.Context, orch *orchestrator.Orchestrator, specs coord.SpecSource, log zerolog.Logger, serverID string, adopt orchestrator.AdoptRequest) int {
	var (
		lc  *orchestrator.Lifecycle
		err error
	)
	if adopt.PID > 0 {
		adopt.Spec, err = specs.Spec(ctx, serverID)
		if err == nil {
			lc, err = orch.Adopt(ctx, adopt)
		}
	} else {
		lc, err = orch.Run(ctx, serverID)
	}
	if err != nil {
		log.Error().Err(err).Str("server", serverID).Msg("start failed")
		return 1
	}
	select {
	case <-lc.Done():
	case <-ctx.Done():
		lc.Stop()
	}
	out := lc.Wait()
	if !out.Clean {
		return 2
	}
	return 0
}

// serve starts one instance per run request addressed to hostID until ctx is
// done.
func serve(ctx context.Context, orch *orchestrator.Orchestrator, bus coord.Bus, hostID string, log zerolog.Logger) error {
	reqs, err := bus.Subscribe(ctx, model.RunChannel)
	if err != nil {
		return err
	}
	log.Info().Str("channel", model.RunChannel).Msg("waiting for run requests")
	for payload := range reqs {
		var req model.RunRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			log.Debug().Err(err).Msg("drop malformed run request")
			continue
		}
		if req.HostID != hostID || req.ServerID == "" {
			continue
		}
		go func() {
			if _, err := orch.Run(ctx, req.ServerID); err != nil {
				lvl := log.Warn()
				if !errors.Is(err, model.ErrAdmissionDenied) && !errors.Is(err, model.ErrResourceExhausted) {
					lvl = log.Error()
				}
				lvl.Err(err).Str("server", req.ServerID).Msg("run request failed")
			}
		}()
	}
	return nil
}

func shutdown(orch *orchestrator.Orchestrator, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
		return
	}
	log.Info().Msg("agent stopped")
}

func configFromArgs(args []string, def string) string {
	for i, a := range args {
		if !strings.HasPrefix(a, "-") {
			continue
		}
		name, val, ok := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if name != "config" {
			continue
		}
		if ok {
			return val
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return def
}

func hookURL(listen string) string {
	u := url.URL{Scheme: "http", Host: listen}
	return u.String()
}
