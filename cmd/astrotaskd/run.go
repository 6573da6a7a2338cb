package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nasa-jpl/astrotask/config"
	"github.com/nasa-jpl/astrotask/devices"
	"github.com/nasa-jpl/astrotask/generichttp/motion"
	"github.com/nasa-jpl/astrotask/generichttp/tasks"
	"github.com/nasa-jpl/astrotask/imgrec"
	"github.com/nasa-jpl/astrotask/logging"
	"github.com/nasa-jpl/astrotask/notify"
	"github.com/nasa-jpl/astrotask/observability"
	"github.com/nasa-jpl/astrotask/server"
	"github.com/nasa-jpl/astrotask/store"
	"github.com/nasa-jpl/astrotask/task"
	"github.com/nasa-jpl/astrotask/work"
)

// shutdownGrace bounds the cancellation of running tasks on exit.
const shutdownGrace = 30 * time.Second

// daemon is everything run wires together.  close releases it in reverse
// order of construction.
type daemon struct {
	log     *zap.Logger
	repo    *devices.Repository
	queue   *task.Queue
	mux     chi.Router
	closers []func() error
}

func (d *daemon) close(ctx context.Context) error {
	var errs []error
	if d.queue != nil {
		errs = append(errs, d.queue.Close(ctx))
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, c config.Store, log *zap.Logger) (task.Store, func() error, error) {
	switch c.Driver {
	case "postgres":
		pg, err := store.NewPostgres(ctx, c.URL, log.Named("store"))
		if err != nil {
			return nil, nil, err
		}
		return pg, func() error { pg.Close(); return nil }, nil
	default:
		return task.NewMemoryStore(), nil, nil
	}
}

// notifyBuffer is how many notifications a slow broker may fall behind.
const notifyBuffer = 1024

// notifiers builds the sinks enabled in the configuration.  Log is always
// on.
func notifiers(c config.Notify, log *zap.Logger) (notify.Multi, []func() error, error) {
	sinks := notify.Multi{notify.Log{L: log.Named("tasks")}}
	var closers []func() error
	if c.NATS.URL != "" {
		n, err := notify.DialNATS(c.NATS.URL, c.NATS.Subject, log.Named("nats"))
		if err != nil {
			return nil, closers, fmt.Errorf("nats: %w", err)
		}
		sinks = append(sinks, n)
		closers = append(closers, n.Close)
	}
	if c.MQTT.Broker != "" {
		m, err := notify.DialMQTT(c.MQTT.Broker, c.MQTT.ClientID, c.MQTT.Topic, c.MQTT.QoS, log.Named("mqtt"))
		if err != nil {
			return nil, closers, fmt.Errorf("mqtt: %w", err)
		}
		// the queue notifies with its lock held, publish off that path
		async := notify.NewAsync(m, notifyBuffer, log.Named("mqtt"))
		sinks = append(sinks, async)
		closers = append(closers, m.Close, async.Close)
	}
	return sinks, closers, nil
}

// newDaemon builds the daemon described by c.  On error everything built so
// far is released.
func newDaemon(ctx context.Context, c config.Config, log *zap.Logger, reg *prometheus.Registry) (d *daemon, err error) {
	d = &daemon{log: log}
	defer func() {
		if err != nil {
			d.close(ctx)
			d = nil
		}
	}()

	if err := c.Validate(); err != nil {
		return d, err
	}

	st, closeStore, err := openStore(ctx, c.Store, log)
	if err != nil {
		return d, fmt.Errorf("store: %w", err)
	}
	if closeStore != nil {
		d.closers = append(d.closers, closeStore)
	}

	d.repo, err = devices.Build(c.Devices, c.Mock, log.Named("devices"))
	if err != nil {
		return d, err
	}
	d.closers = append(d.closers, d.repo.Close)

	rec := imgrec.NewRecorder(c.Recorder.Root, c.Recorder.Prefix)
	if err := rec.SetRoot(c.Recorder.Root); err != nil {
		return d, fmt.Errorf("recorder: %w", err)
	}

	sinks, closers, err := notifiers(c.Notify, log)
	d.closers = append(d.closers, closers...)
	if err != nil {
		return d, err
	}

	works := task.NewRegistry()
	work.Register(works, &work.Env{Devices: d.repo, Recorder: rec, Log: log.Named("work")})
	d.queue, err = task.New(st, works,
		task.WithLogger(log.Named("queue")),
		task.WithNotifier(sinks),
		task.WithMetrics(task.NewMetrics(reg)),
	)
	if err != nil {
		return d, err
	}

	hq := tasks.NewHTTPQueue(d.queue, log.Named("http"))
	imgrec.NewHTTPWrapper(rec).Inject(hq)
	s := &server.Server{Log: log.Named("http"), Registry: reg}
	d.mux = s.BuildMux([]server.Node{
		{Stem: "/", HTTPer: hq, Lock: true},
		{Stem: "/focusers", HTTPer: motion.NewHTTPFocusers(d.repo)},
	})
	return d, nil
}

func run(ctx context.Context, c config.Config) error {
	log, err := logging.New(logging.Config{Level: c.LogLevel})
	if err != nil {
		return err
	}
	defer log.Sync()

	shutdownTracing, err := observability.InitTracing(ctx, observability.OTelConfig{
		ServiceName: c.Tracing.ServiceName,
		Endpoint:    c.Tracing.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	d, err := newDaemon(ctx, c, log, reg)
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: c.Addr, Handler: d.mux, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info("now listening for requests", zap.String("addr", c.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err = <-errc:
	case <-ctx.Done():
		log.Info("shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	srv.Shutdown(sctx)
	if cerr := d.close(sctx); cerr != nil {
		log.Error("shutdown", zap.Error(cerr))
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := config.Load(ConfigFileName)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, c)
		},
	}
}
