package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"gopkg.in/yaml.v3"

	"ovpn-node/pkg/coord"
	"ovpn-node/pkg/db"
	"ovpn-node/pkg/logging"
	"ovpn-node/pkg/model"
	"ovpn-node/pkg/version"
)

const usage = `usage: vpnctl <command> [flags]

commands:
  put-spec -f spec.yaml            store a server spec
  put-credentials -server id -f creds.yaml
  run -server id -host host        ask a host to start one replica
  stop -server id                  graceful stop of every instance
  force-stop -server id            immediate kill of every instance
  status -server id                print the instance record
  add-user -user name -password pw [-server id]
  version
`

func main() {
	log := logging.New(os.Getenv("OVPN_LOG_LEVEL"), "console", os.Stderr)
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "version" {
		fmt.Println(version.String("vpnctl"))
		return
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	consulAddr := fs.String("consul", envOr("CONSUL_HTTP_ADDR", "127.0.0.1:8500"), "consul address")
	consulToken := fs.String("consul-token", os.Getenv("CONSUL_HTTP_TOKEN"), "consul ACL token")
	serverID := fs.String("server", "", "server id")
	hostID := fs.String("host", "", "target host id")
	file := fs.String("f", "", "YAML input file")
	dsn := fs.String("dsn", "", "accounting database DSN (default from MYSQL_* env)")
	user := fs.String("user", "", "username")
	password := fs.String("password", "", "password")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var err error
	switch cmd {
	case "put-spec", "put-credentials", "run", "stop", "force-stop", "status":
		var cli *consulapi.Client
		cli, err = coord.NewClient(*consulAddr, *consulToken)
		if err == nil {
			err = consulCommand(ctx, cli, cmd, *serverID, *hostID, *file)
		}
	case "add-user":
		err = addUser(ctx, *dsn, *user, *password, *serverID)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("vpnctl failed")
	}
}

func consulCommand(ctx context.Context, cli *consulapi.Client, cmd, serverID, hostID, file string) error {
	specs := coord.NewConsulSpecs(cli)
	switch cmd {
	case "put-spec":
		var spec model.ServerSpec
		if err := readYAML(file, &spec); err != nil {
			return err
		}
		if err := spec.Validate(); err != nil {
			return err
		}
		return specs.PutSpec(ctx, spec)
	case "put-credentials":
		if serverID == "" {
			return errors.New("-server is required")
		}
		var creds model.Credentials
		if err := readYAML(file, &creds); err != nil {
			return err
		}
		if !creds.Complete() {
			return errors.New("credential bundle needs ca, cert, key and dh")
		}
		return specs.PutCredentials(ctx, serverID, creds)
	}

	if serverID == "" {
		return errors.New("-server is required")
	}
	bus := coord.NewConsulBus(cli, logging.New("warn", "console", os.Stderr))
	switch cmd {
	case "run":
		if hostID == "" {
			return errors.New("-host is required")
		}
		b, err := json.Marshal(model.RunRequest{ServerID: serverID, HostID: hostID})
		if err != nil {
			return err
		}
		return bus.Publish(ctx, model.RunChannel, b)
	case "stop":
		return coord.PublishControl(ctx, bus, model.ControlMessage{ServerID: serverID, Message: model.ControlStop.String()})
	case "force-stop":
		return coord.PublishControl(ctx, bus, model.ControlMessage{ServerID: serverID, Message: model.ControlForceStop.String()})
	case "status":
		rec, ok, err := coord.NewConsulStore(cli).Get(ctx, serverID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("server %s has no instance record", serverID)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func addUser(ctx context.Context, dsn, user, password, serverID string) error {
	if user == "" || password == "" {
		return errors.New("-user and -password are required")
	}
	if dsn == "" {
		dsn = db.MySQLDSN()
	}
	gdb, err := db.Open(db.DriverMySQL, dsn)
	if err != nil {
		return err
	}
	return (&db.Users{DB: gdb}).Add(ctx, user, password, serverID)
}

func readYAML(path string, v any) error {
	if path == "" {
		return errors.New("-f is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
