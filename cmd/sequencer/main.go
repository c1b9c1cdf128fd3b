// Command sequencer runs one experiment station: it connects to the control
// servers over MQTT, executes runs and serves the run control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AaronLay10/SentientSequencer/internal/api"
	"github.com/AaronLay10/SentientSequencer/internal/arbiter"
	"github.com/AaronLay10/SentientSequencer/internal/camera"
	"github.com/AaronLay10/SentientSequencer/internal/clock"
	"github.com/AaronLay10/SentientSequencer/internal/config"
	"github.com/AaronLay10/SentientSequencer/internal/events"
	"github.com/AaronLay10/SentientSequencer/internal/logging"
	"github.com/AaronLay10/SentientSequencer/internal/metrics"
	"github.com/AaronLay10/SentientSequencer/internal/mqtt"
	"github.com/AaronLay10/SentientSequencer/internal/runlog"
	"github.com/AaronLay10/SentientSequencer/internal/runner"
	"github.com/AaronLay10/SentientSequencer/internal/sequence"
	"github.com/AaronLay10/SentientSequencer/internal/servers"
	"github.com/AaronLay10/SentientSequencer/internal/storage/mysql"
	"github.com/AaronLay10/SentientSequencer/internal/storage/postgres"
	"github.com/AaronLay10/SentientSequencer/internal/storage/redis"
	"github.com/AaronLay10/SentientSequencer/internal/telemetry"
	"github.com/AaronLay10/SentientSequencer/internal/version"
)

const (
	monitorInterval = time.Second
	alertInterval   = 5 * time.Second
)

func main() {
	configPath := flag.String("config", config.EnvOr("SEQUENCER_CONFIG", "config.yaml"), "path to config.yaml")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if err := run(*configPath); err != nil {
		logging.Error("sequencer failed", zap.Error(err))
		_ = logging.Sync()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	_ = logging.Sync()
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", configPath, err)
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		Dir:        cfg.Logging.Dir,
		Filename:   cfg.Logging.Filename,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger.With(zap.String("station", cfg.Station.ID)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hostname, _ := os.Hostname()
	logging.Info("sequencer starting",
		zap.String("version", version.String()),
		zap.String("hostname", hostname),
		zap.Int("pid", os.Getpid()))

	tracer, err := telemetry.NewTracer(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version.Version,
		Exporter:       telemetry.Exporter(cfg.Telemetry.Exporter),
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
		Attributes:     map[string]string{"station": cfg.Station.ID},
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutCtx)
	}()

	m := metrics.New(cfg.Station.ID)
	bus := events.NewBus()
	readiness := api.NewReadiness(false, !cfg.RunLog.Postgres.Enabled)

	pg := openPostgres(ctx, cfg, bus, m, readiness)
	if pg != nil {
		defer pg.Close()
	}

	emit(bus, "info", "system.startup", "sequencer starting", map[string]interface{}{
		"version":  version.Version,
		"hostname": hostname,
	})

	// MQTT plumbing.
	topics := mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix}
	registry := mqtt.NewServerRegistry(topics)
	monitor := mqtt.NewMonitor(serverSpecs(cfg), registry, bus, cfg.MQTT.HeartbeatTolerance)
	monitor.OnChange(func(n int) {
		m.SetConnectedServers(n)
		readiness.SetMissingServers(monitor.UnconnectedRequired())
	})
	readiness.SetMissingServers(cfg.RequiredServers())

	// The broker drops subscriptions with the session, so every (re)connect
	// subscribes again. paho keeps retrying when the first connect times out.
	var subscriber *mqtt.Subscriber
	client := mqtt.NewClient(mqtt.Options{
		URL:      cfg.MQTT.URL,
		ClientID: cfg.MQTT.ClientID,
		OnConnectionChange: func(ok bool) {
			m.SetMQTTConnected(ok)
			readiness.SetMQTTConnected(ok)
			if !ok {
				return
			}
			go func() {
				subscriber.ClearSubscriptions()
				if err := subscriber.SubscribeAll(); err != nil {
					logging.Warn("mqtt resubscribe failed", zap.Error(err))
				}
			}()
		},
	})
	requester := mqtt.NewRequester(client, registry, cfg.MQTT.RequestTimeout)
	feed := mqtt.NewClockFeed()
	subscriber = mqtt.NewSubscriber(client, topics, monitor, requester, feed)
	gateway := mqtt.NewGateway(requester, monitor, bus)
	gateway.AllowEmpty = len(cfg.Servers) == 0

	if client.StartWithRetry(subscriber.SubscribeAll) {
		readiness.SetMQTTConnected(true)
		m.SetMQTTConnected(true)
	}
	defer client.Disconnect()
	monitor.Start(monitorInterval)
	defer monitor.Stop()

	// Sequence and lists.
	seq, err := sequence.Load(cfg.Run.SequenceFile)
	if err != nil {
		return fmt.Errorf("load sequence: %w", err)
	}
	var calSeq *sequence.Sequence
	if cfg.Run.CalibrationFile != "" {
		if calSeq, err = sequence.Load(cfg.Run.CalibrationFile); err != nil {
			return fmt.Errorf("load calibration sequence: %w", err)
		}
	}
	if !seq.TryLock() {
		logging.Warn("iteration lists not locked", zap.String("reason", seq.LockError()))
	} else if pg != nil {
		restoreCursor(ctx, pg, seq, bus)
	}
	readiness.SetSequenceLoaded(true)

	// Run log destinations.
	sinks, closeSinks := openSinks(ctx, cfg, pg)
	defer closeSinks()

	notifiers := openCameras(cfg, bus)
	listeners := make([]runner.IterationListener, 0, len(notifiers))
	for _, n := range notifiers {
		listeners = append(listeners, n)
		defer n.Close()
	}

	arb := arbiter.New(cfg.Run.BackgroundPoll)
	arb.OnChange(func(b arbiter.Background) {
		m.SetBackgroundActive(b != nil)
	})

	prompt := api.NewPromptConfirmer(cfg.Run.ConfirmTimeout, bus)
	var confirmer servers.Confirmer = prompt
	if cfg.Run.AutoConfirmAnalogCheck {
		confirmer = servers.StaticConfirmer(true)
	}

	deps := runner.Deps{
		Sequence:    seq,
		Calibration: calSeq,
		Gateway:     gateway,
		Confirmer:   confirmer,
		Dwell:       gateway,
		ClockFeed:   feed,
		Writer:      runlog.NewFileWriter(cfg.RunLog.Dir),
		Sinks:       sinks,
		Arbiter:     arb,
		Listeners:   listeners,
		Events:      bus,
		Metrics:     m,
		Tracer:      tracer,
		Settings: runner.Settings{
			Station:            cfg.Station.ID,
			SavePath:           cfg.Run.SavePath,
			ServerSettingsPath: cfg.Run.ServerSettingsPath,
			SequenceFile:       cfg.Run.SequenceFile,
			Permanent:          cfg.Run.PermanentVariables,
			TurnOff: servers.ChannelSet{
				Analog:  cfg.Run.ChannelsToTurnOff.Analog,
				GPIB:    cfg.Run.ChannelsToTurnOff.GPIB,
				Digital: cfg.Run.ChannelsToTurnOff.Digital,
			},
			Overridden: cfg.Run.OverriddenChannels,
			Clock: clock.Config{
				AlwaysUseNetworkClock: cfg.Clock.AlwaysUseNetworkClock,
				LocalResolution:       cfg.Clock.LocalResolution,
				Grace:                 cfg.Clock.Grace,
				PollInterval:          cfg.Clock.PollInterval,
			},
			CollectHost: true,
		},
	}
	foreground := runner.New(deps)
	background := runner.New(deps)

	auth, err := api.LoadAuth()
	if err != nil {
		return err
	}
	server := api.NewServer(api.Options{
		Station:    cfg.Station.ID,
		Foreground: foreground,
		Background: background,
		Events:     bus,
		Arbiter:    arb,
		Metrics:    m,
		Confirmer:  prompt,
		Readiness:  readiness,
		Auth:       auth,
		TLS:        api.TLSFromEnv(),
	})
	alerter := api.NewAlerter(api.AlertConfigFromEnv(), cfg.Station.ID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.APIPort())
	})
	g.Go(func() error {
		alerter.Watch(gctx, readiness, alertInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		foreground.Abort()
		background.Abort()
		return nil
	})

	err = g.Wait()
	emit(bus, "info", "system.shutdown", "sequencer stopping", nil)
	logging.Info("sequencer stopped")
	return err
}

func openPostgres(ctx context.Context, cfg *config.Config, bus *events.Bus, m *metrics.Metrics, r *api.Readiness) *postgres.Client {
	if !cfg.RunLog.Postgres.Enabled {
		return nil
	}
	pg, err := postgres.New(ctx, cfg.Station.ID)
	if err != nil {
		logging.Warn("postgres unavailable, events not persisted", zap.Error(err))
		m.SetPostgresConnected(false)
		r.SetPostgresConnected(false)
		return nil
	}
	bus.SetStore(pg)
	m.SetPostgresConnected(true)
	r.SetPostgresConnected(true)
	return pg
}

func restoreCursor(ctx context.Context, pg *postgres.Client, seq *sequence.Sequence, bus *events.Bus) {
	restored, err := runner.RestoreCursor(ctx, pg, seq, runner.DefaultRestoreLimit)
	if err != nil {
		logging.Warn("cursor restore failed", zap.Error(err))
		return
	}
	if restored == nil {
		return
	}
	logging.Info("cursor restored",
		zap.Int("last_completed", restored.LastCompleted),
		zap.Int("cursor", restored.Cursor),
		zap.String("run_id", restored.RunID))
	emit(bus, "info", "system.startup_restore", "", map[string]interface{}{
		"last_completed": restored.LastCompleted,
		"cursor":         restored.Cursor,
		"run_id":         restored.RunID,
		"scanned":        restored.Scanned,
	})
}

// openSinks connects every enabled run log sink. A sink that cannot connect
// is skipped so the station still runs.
func openSinks(ctx context.Context, cfg *config.Config, pg *postgres.Client) ([]runlog.Sink, func()) {
	var sinks []runlog.Sink
	var closers []func() error

	if pg != nil {
		sinks = append(sinks, postgres.NewRunLogSink(pg))
	}
	for _, mc := range cfg.RunLog.MySQL {
		if !mc.Enabled {
			continue
		}
		s, err := mysql.Open(ctx, mysql.Config{Name: mc.Name, DSN: mc.DSN, Verbose: mc.Verbose})
		if err != nil {
			logging.Warn("mysql run log unavailable", zap.String("name", mc.Name), zap.Error(err))
			continue
		}
		sinks = append(sinks, s)
		closers = append(closers, s.Close)
	}
	if rc := cfg.RunLog.Redis; rc.Enabled {
		s, err := redis.Open(ctx, redis.Config{
			Addrs:    rc.Addrs,
			Password: rc.Password,
			Key:      rc.Key,
			Channel:  rc.Channel,
			Verbose:  rc.Verbose,
		})
		if err != nil {
			logging.Warn("redis run log unavailable", zap.Error(err))
		} else {
			sinks = append(sinks, s)
			closers = append(closers, s.Close)
		}
	}

	return sinks, func() {
		for _, c := range closers {
			_ = c()
		}
	}
}

func openCameras(cfg *config.Config, bus *events.Bus) []*camera.Notifier {
	var targets []camera.Target
	for _, c := range cfg.Cameras {
		if !c.InUse {
			continue
		}
		targets = append(targets, camera.Target{
			Address: c.Address,
			Port:    c.Port,
			UseFW:   c.UseFWCamera,
			UseUSB:  c.UseUSBCamera,
		})
	}
	if len(targets) == 0 {
		return nil
	}
	return []*camera.Notifier{camera.NewNotifier(targets, cfg.Run.SavePath != "", bus)}
}

func serverSpecs(cfg *config.Config) map[string]mqtt.ServerSpec {
	specs := make(map[string]mqtt.ServerSpec, len(cfg.Servers))
	for _, s := range cfg.Servers {
		specs[s.ID] = mqtt.ServerSpec{Name: s.Name, Required: s.Required}
	}
	return specs
}

func emit(bus *events.Bus, level, name, msg string, fields map[string]interface{}) {
	if err := bus.Emit(level, name, msg, fields); err != nil {
		logging.Warn("event rejected", zap.Error(err))
	}
}
