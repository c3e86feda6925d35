// Command tunnelagent runs the tunnel agent: it registers a control
// session against the configured API, then forwards TCP and UDP traffic
// between the tunnel server and local origin services for every endpoint
// the lookup table names.
//
// Grounded on the teacher's cmd/awg-split-tunnel main: flag-parsed config
// path, a construct-then-run-until-signal shape, and a timed graceful
// shutdown. Unlike the teacher, nothing here is a Windows service and
// there is no core.Log global — the logger this command builds is passed
// by parameter into agent.New, per this module's ambient-stack design.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/playit-oss/tunnelagent/internal/agent"
	"github.com/playit-oss/tunnelagent/internal/apiclient"
	"github.com/playit-oss/tunnelagent/internal/core"
)

// Build info, injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the agent's configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tunnelagent %s (commit=%s)\n", version, commit)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "tunnelagent: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	log := core.NewLogger(cfg.Log)
	defer log.Close()

	api := apiclient.NewHTTPClient(cfg.APIURL, cfg.AccountID, cfg.SecretKey)

	a, err := agent.New(cfg.agentConfig(), api, log)
	if err != nil {
		return fmt.Errorf("construct agent: %w", err)
	}

	a.Events().Subscribe(core.EventControlStateChanged, func(e core.Event) {
		p := e.Payload.(core.ControlStatePayload)
		log.Infof("agent", "control state %s -> %s", p.Old, p.New)
	})

	log.Infof("agent", "tunnelagent %s starting, agent_id=%d", version, cfg.AgentID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Infof("agent", "shutdown signal received, stopping")
	case err := <-runErr:
		if err != nil {
			log.Errorf("agent", "agent exited: %v", err)
			return err
		}
		return nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		log.Errorf("agent", "shutdown did not complete cleanly: %v", err)
	}

	<-runErr
	log.Infof("agent", "shutdown complete")
	return nil
}
