// Program nrepld serves a network REPL for the built-in S-expression
// runtime. It exists as a demonstration host for the nrepl packages and as
// a target for the nrepl command-line client.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"gopkg.in/yaml.v3"

	nrepl "github.com/aaronc/tools.nrepl"
	"github.com/aaronc/tools.nrepl/history"
	"github.com/aaronc/tools.nrepl/runtime/sexpr"
	"github.com/aaronc/tools.nrepl/transport"
)

// config is the daemon configuration, populated from the config file and
// overridden by flags.
type config struct {
	Listen  string `yaml:"listen"`  // service address, e.g. "localhost:7888"
	Ack     string `yaml:"ack"`     // ack address for tooling bootstrap
	History string `yaml:"history"` // path of the eval history database
}

var flags struct {
	Config  string `flag:"config,Path of a YAML configuration file"`
	Listen  string `flag:"listen,Service address (host:port)"`
	Ack     string `flag:"ack,Address to send a listening-port ack to"`
	History string `flag:"history,Path of the eval history database"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Serve a network REPL for the built-in S-expression runtime.",
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &flags) },
		Run:      runServe,
		Commands: []*command.C{
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func loadConfig() (config, error) {
	cfg := config{Listen: flags.Listen}
	if flags.Config != "" {
		data, err := os.ReadFile(flags.Config)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	// Flags given explicitly override the file.
	if flags.Listen != "" {
		cfg.Listen = flags.Listen
	}
	if flags.Ack != "" {
		cfg.Ack = flags.Ack
	}
	if flags.History != "" {
		cfg.History = flags.History
	}
	if cfg.Listen == "" {
		cfg.Listen = "localhost:7888"
	}
	return cfg, nil
}

func runServe(env *command.Env) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts := &nrepl.ServerOptions{Logf: log.Printf}
	if cfg.History != "" {
		store, err := history.Open(cfg.History)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer store.Close()
		opts.History = store
	}

	srv, err := nrepl.NewServer(sexpr.New(), opts)
	if err != nil {
		return err
	}

	lst, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	log.Printf("Listening at %v", lst.Addr())

	if cfg.Ack != "" {
		port := lst.Addr().(*net.TCPAddr).Port
		if err := nrepl.AckPort(cfg.Ack, port); err != nil {
			log.Printf("WARNING: ack to %s failed: %v", cfg.Ack, err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		log.Print("Shutting down")
		lst.Close()
	}()

	return srv.Serve(ctx, transport.NetAccepter(lst))
}
