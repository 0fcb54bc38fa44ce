package cli

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ptywarden/internal/config"
	"ptywarden/internal/output"
	"ptywarden/internal/permission"
	"ptywarden/internal/realtime"
	"ptywarden/internal/router"
	"ptywarden/internal/session"
	"ptywarden/internal/storage"
	"ptywarden/internal/watcher"

	"github.com/spf13/cobra"
)

const (
	historyCapacity = 1000
	sweepInterval   = time.Second
)

// app holds the wired component graph.
type app struct {
	cfg       config.Config
	registry  *session.Registry
	broker    *permission.Broker
	server    *realtime.Server
	fileWatch *watcher.Watcher
}

// buildApp constructs and wires every component. The operator server is
// both the outbound messaging port and the inbound dispatcher, so it is
// created first and bound last.
func buildApp(cfg config.Config) (*app, error) {
	dlog, err := storage.Open(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	history := output.NewHistory(historyCapacity)

	var srv *realtime.Server
	fileWatch := watcher.New(func(sessionID string, fileCount int) {
		srv.OnFileUpdate(sessionID, fileCount)
	})
	srv = realtime.New(cfg, history, fileWatch)

	var registry *session.Registry
	broker := permission.NewBroker(srv, func(sessionID, line string) error {
		return registry.WriteLine(sessionID, line)
	}, dlog, cfg.PermissionTimeout)

	agg := output.New(srv, broker.Inspect, history, cfg.StripANSI, cfg.OutputMaxChars, cfg.OutputFlush)
	registry = session.NewRegistry(agg, srv, dlog, cfg.PollTimeout, cfg.MaxSessions)
	routes := router.New(registry)
	srv.Bind(registry, broker, routes)

	// Settle anything left over from a previous run.
	stale, err := dlog.LoadSessions()
	if err != nil {
		log.Printf("load sessions: %v", err)
	}
	registry.Rehydrate(stale)

	if n, err := dlog.CountAuditEvents(); err == nil && n > 0 {
		log.Printf("audit log holds %d events", n)
	}

	broker.StartSweeper(sweepInterval)

	return &app{
		cfg:       cfg,
		registry:  registry,
		broker:    broker,
		server:    srv,
		fileWatch: fileWatch,
	}, nil
}

// serve runs the operator channel until a termination signal arrives.
func (a *app) serve() error {
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Port),
		Handler: a.server.Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		a.fileWatch.Shutdown()
		a.registry.Shutdown()
		a.broker.Stop()
		httpServer.Close()
	}()

	log.Printf("warden listening on http://localhost:%d", a.cfg.Port)
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func newServeCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the operator channel and wait for sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			return a.serve()
		},
	}
}

func newRunCmd(cfg config.Config) *cobra.Command {
	var cwd string

	cmd := &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Start the operator channel and immediately supervise one command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}

			dir := cwd
			if dir == "" {
				if dir, err = os.Getwd(); err != nil {
					return fmt.Errorf("resolve working directory: %w", err)
				}
			}

			command := strings.Join(args, " ")
			sess := a.registry.Create(command, dir, nil)
			if err := a.registry.Start(sess.ID); err != nil {
				return err
			}
			if err := a.fileWatch.Watch(sess.ID, dir); err != nil {
				log.Printf("session %s: watch workdir: %v", sess.ID, err)
			}
			log.Printf("supervising %q as session %s", command, sess.ID)

			return a.serve()
		},
	}

	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory for the supervised command")
	return cmd
}
