package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/scheduler"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

const shutdownTimeout = 30 * time.Second

func serveCmd(opts *rootOptions) *cobra.Command {
	var recoverRuns bool
	cmd := &cobra.Command{
		Use:   "serve [definition]...",
		Short: "Start scheduled workflows and serve metrics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			sched := scheduler.NewScheduler(a.runner, a.logger, a.cfg.Scheduler.Interval)
			for _, path := range args {
				def, result, err := a.load(path)
				if err != nil {
					printIssues(cmd.ErrOrStderr(), result)
					return fmt.Errorf("%s: %w", path, err)
				}
				if def.Schedule == nil {
					a.logger.Warn("definition has no schedule, skipping", slog.String("path", path))
					continue
				}
				if _, err := sched.Add(def, nil); err != nil {
					return err
				}
			}

			if recoverRuns {
				a.recoverInterrupted(ctx)
			}

			srv := a.httpServer(sched)
			if srv != nil {
				go func() {
					a.logger.Info("http server listening", slog.String("addr", srv.Addr))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("http server failed", slog.String("error", err.Error()))
						stop()
					}
				}()
			}

			if err := sched.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			a.logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := sched.Stop(); err != nil {
				a.logger.Error("scheduler stop failed", slog.String("error", err.Error()))
			}
			if srv != nil {
				_ = srv.Shutdown(shutdownCtx)
			}
			return a.close(shutdownCtx)
		},
	}
	cmd.Flags().BoolVar(&recoverRuns, "recover", true, "resume instances left running by a previous process")
	return cmd
}

// recoverInterrupted resumes instances persisted as running, which only
// happens when a previous process exited without suspending them.
func (a *app) recoverInterrupted(ctx context.Context) {
	insts, err := a.store.ListWorkflowInstances(ctx, store.InstanceFilter{Status: schema.WorkflowStatusRunning})
	if err != nil {
		a.logger.Error("list interrupted instances", slog.String("error", err.Error()))
		return
	}
	for _, inst := range insts {
		if err := a.runner.ResumeAsync(ctx, inst.ID); err != nil {
			a.logger.Error("resume interrupted instance failed",
				slog.String("workflow_instance_id", inst.ID),
				slog.String("error", err.Error()))
			continue
		}
		a.logger.Info("resumed interrupted instance", slog.String("workflow_instance_id", inst.ID))
	}
}

type healthReport struct {
	Pool   engine.PoolStats `json:"pool"`
	Active []string         `json:"active"`
	Jobs   []scheduler.Job  `json:"jobs"`
}

func (a *app) httpServer(sched *scheduler.Scheduler) *http.Server {
	if a.cfg.Telemetry.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.telemetry.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = printJSON(w, healthReport{
			Pool:   a.runner.PoolStats(),
			Active: a.runner.Active(),
			Jobs:   sched.Jobs(),
		})
	})
	return &http.Server{
		Addr:              a.cfg.Telemetry.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
