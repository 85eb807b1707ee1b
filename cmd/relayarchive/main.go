package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relayarchive/internal/config"
	"github.com/agentworkforce/relayarchive/internal/engine"
	"github.com/agentworkforce/relayarchive/internal/httpapi"
	"github.com/agentworkforce/relayarchive/internal/inbox"
	"github.com/agentworkforce/relayarchive/internal/jobs"
	"github.com/agentworkforce/relayarchive/internal/push"
	"github.com/agentworkforce/relayarchive/internal/remote"
	"github.com/agentworkforce/relayarchive/internal/vault"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stderr).Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "relayarchive: %v\n", err)
		os.Exit(1)
	}
}

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "path to a .env file",
		Value: ".env",
	}
}

func newApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "relayarchive",
		Usage:     "archive social-media links through the remote archive service",
		Writer:    stdout,
		ErrWriter: stderr,
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the reconcile loop with push events, the inbox, and the local API",
				Flags: []cli.Flag{
					envFlag(),
					&cli.BoolFlag{Name: "no-api", Usage: "do not start the local control API"},
					&cli.BoolFlag{Name: "no-push", Usage: "do not subscribe to push events"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runAction(ctx, cmd, stderr)
				},
			},
			{
				Name:      "enqueue",
				Usage:     "queue one or more URLs for archiving",
				ArgsUsage: "<url> [url...]",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{Name: "platform", Usage: "platform hint for every URL"},
					&cli.BoolFlag{Name: "reconcile", Usage: "run one reconcile cycle after queueing"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return enqueueAction(ctx, cmd, stdout, stderr)
				},
			},
			{
				Name:  "list",
				Usage: "list queued jobs",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{Name: "status", Usage: "comma separated status filter"},
					&cli.BoolFlag{Name: "json", Usage: "print jobs as JSON"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return listAction(ctx, cmd, stdout, stderr)
				},
			},
			{
				Name:  "reconcile",
				Usage: "reconcile queued jobs against the archive service",
				Flags: []cli.Flag{
					envFlag(),
					&cli.BoolFlag{Name: "once", Usage: "run one cycle and exit"},
					&cli.DurationFlag{Name: "timeout", Usage: "per-cycle timeout with --once", Value: 2 * time.Minute},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return reconcileAction(ctx, cmd, stdout, stderr)
				},
			},
		},
	}
}

type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *jobs.Store
	client  *remote.HTTPClient
	notices *engine.RecordingNotifier
	engine  *engine.Engine
}

func newRuntime(cmd *cli.Command, logOut io.Writer) (*runtime, error) {
	cfg, err := config.Load(cmd.String("env"))
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger(logOut)

	backend, err := jobs.BuildBackendForClient(cfg.StoreDSN, cfg.ClientID)
	if err != nil {
		return nil, fmt.Errorf("job store: %w", err)
	}
	store, err := jobs.NewStore(jobs.StoreOptions{Backend: backend})
	if err != nil {
		if errors.Is(err, jobs.ErrLocked) {
			return nil, fmt.Errorf("job store %s is in use by another process: %w", cfg.StoreDSN, err)
		}
		return nil, fmt.Errorf("job store: %w", err)
	}
	sink, err := vault.New(cfg.VaultDir, nil)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	client := remote.NewHTTPClient(cfg.BaseURL, cfg.Token, &http.Client{Timeout: 30 * time.Second}, remote.HTTPClientOptions{
		RequestsPerSecond: cfg.RequestsPerSecond,
	})
	notices := engine.NewRecordingNotifier(200, engine.NewLogNotifier(logger))
	eng, err := engine.New(engine.Options{
		Store:             store,
		Archive:           client,
		Sync:              client,
		Sink:              sink,
		Notifier:          notices,
		Logger:            logger,
		ClientID:          cfg.ClientID,
		Interval:          cfg.Interval,
		IntervalJitter:    cfg.IntervalJitter,
		GracePeriod:       cfg.GracePeriod,
		TransientTimeout:  cfg.TransientTimeout,
		RecheckDelay:      cfg.RecheckDelay,
		MaxRetries:        cfg.MaxRetries,
		RetryStrategy:     cfg.RetryPolicyStrategy(),
		RecentTTL:         cfg.RecentTTL,
		SyncFetchAttempts: cfg.SyncFetchAttempts,
		SyncFetchBackoff:  cfg.SyncFetchBackoff,
		SyncRetryDelay:    cfg.SyncRetryDelay,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &runtime{cfg: cfg, logger: logger, store: store, client: client, notices: notices, engine: eng}, nil
}

func (rt *runtime) Close() error {
	return errors.Join(rt.engine.Close(), rt.store.Close())
}

func runAction(ctx context.Context, cmd *cli.Command, logOut io.Writer) error {
	rt, err := newRuntime(cmd, logOut)
	if err != nil {
		return err
	}
	defer rt.Close()

	var listener *push.Listener
	if rt.cfg.PushURL != "" && !cmd.Bool("no-push") {
		listener, err = push.NewListener(push.ListenerOptions{
			URL:      rt.cfg.PushURL,
			Token:    rt.cfg.Token,
			ClientID: rt.cfg.ClientID,
			Logger:   rt.logger,
		})
		if err != nil {
			return err
		}
	}
	var watcher *inbox.Watcher
	if rt.cfg.InboxDir != "" {
		watcher, err = inbox.New(rt.engine, inbox.Options{Dir: rt.cfg.InboxDir, Logger: rt.logger})
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(rt.engine.Run(gctx))
	})
	if listener != nil {
		g.Go(func() error {
			return ignoreCanceled(listener.Run(gctx, rt.engine.Events()))
		})
	}
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	if rt.cfg.ListenAddr != "" && !cmd.Bool("no-api") {
		server := &http.Server{
			Addr: rt.cfg.ListenAddr,
			Handler: httpapi.NewServerWithConfig(rt.engine, httpapi.ServerConfig{
				RequestsPerSecond: 20,
				ControlToken:      rt.cfg.ControlToken,
				Notices:           rt.notices,
				Logger:            rt.logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			rt.logger.Info("control api listening", "addr", rt.cfg.ListenAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("control api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	rt.logger.Info("relayarchive started", "client_id", rt.cfg.ClientID, "base_url", rt.cfg.BaseURL, "vault", rt.cfg.VaultDir)
	return g.Wait()
}

func enqueueAction(ctx context.Context, cmd *cli.Command, stdout, logOut io.Writer) error {
	urls := cmd.Args().Slice()
	if len(urls) == 0 {
		return errors.New("at least one url is required")
	}
	rt, err := newRuntime(cmd, logOut)
	if err != nil {
		return err
	}
	defer rt.Close()

	platform := strings.TrimSpace(cmd.String("platform"))
	for _, rawURL := range urls {
		job, err := rt.engine.Enqueue(rawURL, platform, nil)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", rawURL, err)
		}
		fmt.Fprintf(stdout, "%s\t%s\n", job.ID, job.URL)
	}
	if cmd.Bool("reconcile") {
		return rt.engine.Reconcile(ctx)
	}
	return nil
}

func listAction(ctx context.Context, cmd *cli.Command, stdout, logOut io.Writer) error {
	rt, err := newRuntime(cmd, logOut)
	if err != nil {
		return err
	}
	defer rt.Close()

	var statuses []jobs.Status
	if raw := strings.TrimSpace(cmd.String("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := jobs.Status(strings.TrimSpace(part))
			if !status.Valid() {
				return fmt.Errorf("%w: unknown status %q", jobs.ErrInvalidInput, part)
			}
			statuses = append(statuses, status)
		}
	}
	list := rt.store.List(statuses...)
	if cmd.Bool("json") {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tRETRIES\tURL\tLAST ERROR")
	for _, job := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", job.ID, job.Status, job.RetryCount, job.URL, job.Metadata.LastError)
	}
	return tw.Flush()
}

func reconcileAction(ctx context.Context, cmd *cli.Command, stdout, logOut io.Writer) error {
	rt, err := newRuntime(cmd, logOut)
	if err != nil {
		return err
	}
	defer rt.Close()

	if !cmd.Bool("once") {
		return ignoreCanceled(rt.engine.Run(ctx))
	}
	cycleCtx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()
	cycleErr := rt.engine.Reconcile(cycleCtx)
	syncErr := rt.engine.CatchUp(cycleCtx)
	fmt.Fprintf(stdout, "%d job(s) remaining\n", rt.store.Len())
	return errors.Join(cycleErr, syncErr)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
