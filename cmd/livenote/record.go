package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"livenote/internal/bootstrap"
	"livenote/internal/config"
	"livenote/internal/domain"
)

func newRecordCmd(configPath *string) *cobra.Command {
	var template string

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a live session",
		Long: "Starts a live session and reads operator commands from stdin, one per line. " +
			"Events are written to stdout as JSON lines. Type 'help' for the command list.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, *configPath, template)
		},
	}
	cmd.Flags().StringVarP(&template, "template", "t", "", "note template (SOAP, DAP, BIRP, GIRP); defaults to config")
	return cmd
}

func runRecord(cmd *cobra.Command, configPath, templateName string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Backend.URL == "" {
		return errors.New("backend URL is required (backend.url or LIVENOTE_BACKEND_URL)")
	}
	template := cfg.TemplateKind()
	if templateName != "" {
		if template, err = domain.ParseTemplateKind(templateName); err != nil {
			return err
		}
	}

	logger := initLogger(cfg.Logging, cmd.ErrOrStderr())
	out := newEventWriter(cmd.OutOrStdout(), logger)

	services, err := bootstrap.Build(configPath, out, logger)
	if err != nil {
		return err
	}
	defer services.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Listen != "" {
		shutdown := serveMetrics(cfg.Metrics.Listen, services.Registry, logger)
		defer shutdown()
	}

	status, err := services.Controller.Start(ctx, template)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	logger.Info("session started", "session_id", status.SessionID, "template", status.Template)

	return runCommandLoop(ctx, services.Controller, cmd.InOrStdin(), out, logger)
}

// runCommandLoop feeds stdin commands to the session until it ends, stdin closes,
// or ctx is cancelled. The session is always ended before returning.
func runCommandLoop(ctx context.Context, driver sessionDriver, in io.Reader, out *eventWriter, logger *slog.Logger) error {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-readCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return endSession(driver, out)
		case line, ok := <-lines:
			if !ok {
				return endSession(driver, out)
			}
			if len(line) == 0 {
				continue
			}
			parsed, err := parseCommand(line)
			if err != nil {
				out.reply("invalid", err.Error())
				continue
			}
			done, err := dispatch(ctx, driver, parsed, out)
			if errors.Is(err, errGateClosed) {
				out.reply("gate_closed", err.Error())
				continue
			}
			if err != nil {
				logger.Warn("command failed", "command", parsed.name, "error", err)
				out.reply("command_failed", err.Error())
				continue
			}
			if done {
				return nil
			}
		}
	}
}

func endSession(driver sessionDriver, out *eventWriter) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	export, err := driver.End(ctx)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	out.reply("export", export)
	return nil
}

func serveMetrics(addr string, gatherer prometheus.Gatherer, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
