// Command memoryd is the local memory/observation daemon for coding-assistant
// sessions: a single binary with start/stop/restart/status subcommands and a
// --daemon in-process entrypoint, matching the integration-friendly CLI
// surface documented in the external interfaces.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/localmem/memoryd/internal/config"
	"github.com/localmem/memoryd/internal/generator"
	"github.com/localmem/memoryd/internal/httpapi"
	"github.com/localmem/memoryd/internal/hub"
	"github.com/localmem/memoryd/internal/logging"
	"github.com/localmem/memoryd/internal/pidfile"
	"github.com/localmem/memoryd/internal/provider"
	"github.com/localmem/memoryd/internal/queue"
	"github.com/localmem/memoryd/internal/session"
	"github.com/localmem/memoryd/internal/shutdown"
	"github.com/localmem/memoryd/internal/storage"
	"github.com/localmem/memoryd/internal/subprocess"
)

func main() {
	root := &cobra.Command{
		Use:   "memoryd",
		Short: "Local memory and observation daemon for coding-assistant sessions",
	}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: $MEMORYD_DATA_DIR/config.yaml)")

	root.AddCommand(newStartCmd(&configPath))
	root.AddCommand(newStopCmd(&configPath))
	root.AddCommand(newRestartCmd(&configPath))
	root.AddCommand(newStatusCmd(&configPath))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type startStatus struct {
	Continue       bool   `json:"continue"`
	SuppressOutput bool   `json:"suppressOutput"`
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
}

func printStatus(s startStatus) {
	body, _ := json.Marshal(s)
	fmt.Println(string(body))
}

func newStartCmd(configPath *string) *cobra.Command {
	var daemon bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the worker (spawns daemon if the port is free; idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := config.NewLoader(*configPath)
			if err != nil {
				printStatus(startStatus{Continue: true, SuppressOutput: true, Status: "error", Message: err.Error()})
				return nil
			}
			settings := loader.Current()

			if existing, _ := pidfile.Read(settings.DataDir); existing != nil && processAlive(existing.PID) {
				printStatus(startStatus{Continue: true, SuppressOutput: true, Status: "ready", Message: "already running"})
				return nil
			}
			if conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", settings.Host, settings.Port), time.Second); err == nil {
				_ = conn.Close()
				printStatus(startStatus{Continue: true, SuppressOutput: true, Status: "ready", Message: "port already in use"})
				return nil
			}

			if !daemon {
				// Re-exec ourselves with --daemon so the caller's terminal is freed.
				exe, err := os.Executable()
				if err != nil {
					printStatus(startStatus{Continue: true, SuppressOutput: true, Status: "error", Message: err.Error()})
					return nil
				}
				attr := &os.ProcAttr{
					Dir:   ".",
					Env:   os.Environ(),
					Files: []*os.File{nil, nil, nil},
					Sys:   &syscall.SysProcAttr{Setsid: true},
				}
				args := []string{exe, "start", "--daemon"}
				if *configPath != "" {
					args = append(args, "--config", *configPath)
				}
				proc, err := os.StartProcess(exe, args, attr)
				if err != nil {
					printStatus(startStatus{Continue: true, SuppressOutput: true, Status: "error", Message: err.Error()})
					return nil
				}
				_ = proc.Release()

				printStatus(startStatus{Continue: true, SuppressOutput: true, Status: "ready"})
				return nil
			}

			return runDaemon(loader)
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "run the in-process daemon entrypoint")
	return cmd
}

func newStopCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := config.NewLoader(*configPath)
			if err != nil {
				return err
			}
			settings := loader.Current()

			info, err := pidfile.Read(settings.DataDir)
			if err != nil || info == nil {
				color.Yellow("not running")
				return nil
			}
			url := fmt.Sprintf("http://%s:%d/api/admin/shutdown", settings.Host, settings.Port)
			client := &http.Client{Timeout: 5 * time.Second}
			if _, err := client.Post(url, "application/json", nil); err != nil {
				fmt.Printf("shutdown request failed, sending signal: %v\n", err)
				if proc, err := os.FindProcess(info.PID); err == nil {
					_ = proc.Signal(syscall.SIGTERM)
				}
			}
			return nil
		},
	}
}

func newRestartCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop then start the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			stop := newStopCmd(configPath)
			if err := stop.RunE(stop, nil); err != nil {
				return err
			}
			time.Sleep(time.Second)
			start := newStartCmd(configPath)
			return start.RunE(start, nil)
		},
	}
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the worker is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := config.NewLoader(*configPath)
			if err != nil {
				return err
			}
			settings := loader.Current()

			info, err := pidfile.Read(settings.DataDir)
			if err != nil || info == nil || !processAlive(info.PID) {
				color.Red("stopped")
				return nil
			}
			color.Green("running pid=%d port=%d startedAt=%s", info.PID, info.Port, info.StartedAt)
			return nil
		},
	}
}

func processAlive(pid int) bool {
	return subprocess.IsAlive(pid)
}

// runDaemon is the in-process daemon entrypoint: wire every collaborator,
// serve HTTP, and block until a shutdown signal arrives.
func runDaemon(loader *config.Loader) error {
	settings := loader.Current()
	log := logging.New(settings.LogLevel, settings.Daemon)

	store, err := storage.Open(settings.DataDir)
	if err != nil {
		log.Error("open storage", "error", err)
		return nil // fatal startup errors exit 0 so integrations are never blocked
	}

	pidHandle, err := pidfile.Acquire(settings.DataDir, pidfile.Info{
		PID:       os.Getpid(),
		Port:      settings.Port,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
	})
	if err != nil {
		log.Error("acquire pid file", "error", err)
		_ = store.Close()
		return nil
	}

	q := queue.New(store)
	if _, err := q.ResetStale(0); err != nil {
		log.Warn("reset stale pending messages at startup", "error", err)
	}

	h := hub.New()
	sessions := session.New(store, q, log)

	registry := subprocess.NewRegistry()

	providers := generator.Providers{
		Primary:    provider.NewAnthropic(settings.AnthropicAPIKey, settings.AnthropicModel),
		AlternateA: provider.NewOpenAI(settings.OpenAIAPIKey, settings.OpenAIModel),
		AlternateB: provider.NewCLI(settings.CLIProviderBinary, settings.CLIProviderArgs, registry),
	}
	engine := generator.New(sessions, store, q, h, providers, registry, loader, log)

	server := httpapi.New(loader, store, q, sessions, engine, h, log, config.Version)
	engine.OnInteraction = server.RecordInteraction
	sessions.OnDeleted = func(sessionDbID int64) {
		h.Publish(hub.EventSessionCompleted, &sessionDbID, nil)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", settings.Host, settings.Port))
	if err != nil {
		log.Error("listen", "error", err)
		_ = pidHandle.Release()
		_ = store.Close()
		return nil
	}

	httpServer := &http.Server{Handler: server.Router()}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http serve", "error", err)
		}
	}()

	reaperCtx, stopReapers := context.WithCancel(context.Background())
	orphanReaper := subprocess.NewOrphanReaper(registry, sessions.IsActive, log)
	staleReaper := subprocess.NewStaleSessionReaper(sessions.ReapStaleSessions)
	go orphanReaper.Run(reaperCtx)
	go staleReaper.Run(reaperCtx)
	go runStaleActiveSessionSweep(reaperCtx, store, q, log)

	coordinator := shutdown.New(log, listener, httpServer, sessions, registry, store, pidHandle, stopReapers)
	server.OnShutdownRequested = func() { coordinator.Shutdown(context.Background()) }

	server.MarkInitialized()
	log.Info("memoryd ready", "host", settings.Host, "port", settings.Port, "version", config.Version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	if settings.Daemon {
		signal.Ignore(syscall.SIGHUP)
	} else {
		signal.Notify(sigCh, syscall.SIGHUP)
	}

	<-sigCh
	log.Info("shutdown signal received")
	coordinator.Shutdown(context.Background())
	return nil
}

const staleActiveSessionInterval = 10 * time.Minute
const staleActiveSessionAge = 6 * time.Hour

// runStaleActiveSessionSweep periodically fails sessions that have been
// status=active in storage far longer than any in-memory session should
// live, covering the case where the daemon restarted mid-session and the
// in-memory reaper never saw them. Any pending messages still queued for
// that session are marked failed alongside the session row itself.
func runStaleActiveSessionSweep(ctx context.Context, store *storage.Store, q *queue.Queue, log interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}) {
	ticker := time.NewTicker(staleActiveSessionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := store.ListStaleActiveSessions(time.Now().Add(-staleActiveSessionAge))
			if err != nil {
				log.Error("list stale active sessions", "error", err)
				continue
			}
			for _, s := range stale {
				if err := store.MarkSessionFailed(s.ID); err != nil {
					log.Warn("mark stale active session failed", "sessionDbId", s.ID, "error", err)
				}
				if _, err := store.Conn().Exec(
					`UPDATE pending_messages SET status = 'failed', failed_at_epoch = ? WHERE session_db_id = ? AND status IN ('pending', 'processing')`,
					time.Now().Unix(), s.ID,
				); err != nil {
					log.Warn("mark stale active session's pending messages failed", "sessionDbId", s.ID, "error", err)
				}
			}
		}
	}
}
