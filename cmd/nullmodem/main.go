// Command nullmodem runs one null-modem bridge: it dials two remote LIB
// lines and cross-forwards their data and signal byte streams verbatim,
// with no SDLC framing or DLSw tunnelling applied in either direction
// (spec §4.6, §6 "CLI (Null Modem)").
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"gopkg.in/natefinch/lumberjack.v2"

	"sdlcbridge/config"
	"sdlcbridge/monitoring"
	"sdlcbridge/nullmodem"
	"sdlcbridge/output"
)

const appVersion = "1.0.0"

func main() {
	cchn1 := flag.String("cchn1", "", "hostname of the first LIB line's host")
	ccip1 := flag.String("ccip1", "", "IPv4 of the first LIB line's host")
	line1 := flag.Int("line1", 0, "first LIB line number")
	cchn2 := flag.String("cchn2", "", "hostname of the second LIB line's host")
	ccip2 := flag.String("ccip2", "", "IPv4 of the second LIB line's host")
	line2 := flag.Int("line2", 0, "second LIB line number")
	trace := flag.Bool("d", false, "enable trace to trace_NullModem.log")
	configPath := flag.String("config", "", "optional configuration file for NATS/monitoring settings")
	name := flag.String("name", "", "null_modems entry name to load from -config")
	debug := flag.Bool("debug", false, "enable debug logging")
	version := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("nullmodem v%s\n", appVersion)
		os.Exit(0)
	}

	cfg, bridge := loadNullModemConfig(*configPath, *name)
	if *cchn1 != "" {
		bridge.CCHostname1, bridge.CCIP1 = *cchn1, ""
	}
	if *ccip1 != "" {
		bridge.CCIP1, bridge.CCHostname1 = *ccip1, ""
	}
	if *cchn2 != "" {
		bridge.CCHostname2, bridge.CCIP2 = *cchn2, ""
	}
	if *ccip2 != "" {
		bridge.CCIP2, bridge.CCHostname2 = *ccip2, ""
	}
	if *line1 != 0 {
		bridge.Line1 = *line1
	}
	if *line2 != 0 {
		bridge.Line2 = *line2
	}
	if *trace {
		bridge.Trace = true
	}
	if bridge.Name == "" {
		bridge.Name = fmt.Sprintf("%d-%d", bridge.Line1, bridge.Line2)
	}

	if bridge.CCHost1() == "" || bridge.CCHost2() == "" {
		log.Fatal("nullmodem: -cchn1/-ccip1 and -cchn2/-ccip2 are required")
	}

	logger := setupLogging(cfg, *debug)
	logger.Info("starting nullmodem", "version", appVersion, "bridge", bridge.Name,
		"side_a", fmt.Sprintf("%s/%d", bridge.CCHost1(), bridge.Line1),
		"side_b", fmt.Sprintf("%s/%d", bridge.CCHost2(), bridge.Line2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var tracer *output.TraceWriter
	if bridge.Trace {
		tracer = output.NewTraceWriter(&output.TraceWriterConfig{
			Name:          "NullModem",
			LogBasePath:   cfg.Logging.BasePath,
			LogMaxSizeMB:  cfg.Logging.MaxSizeMB,
			LogMaxBackups: cfg.Logging.MaxBackups,
			LogCompress:   cfg.Logging.Compress,
			Logger:        logger,
		})
		defer tracer.Close()
	}

	var natsConn *output.NATSConnection
	if cfg.NATS.Enabled {
		var err error
		natsConn, err = output.NewNATSConnection(cfg.NATS.URL, cfg.NATS.MaxReconnects, logger)
		if err != nil {
			logger.Warn("nats connection failed, continuing without telemetry", "error", err)
		} else {
			defer natsConn.Close()
		}
	}

	var rawConn *nats.Conn
	if natsConn != nil {
		rawConn = natsConn.Conn()
	}
	events := output.NewEventPublisher(&output.EventPublisherConfig{
		Conn:       rawConn,
		Subject:    output.BuildEventsSubject(cfg.NATS.SubjectPrefix, cfg.App.InstanceID),
		InstanceID: cfg.App.InstanceID,
		Logger:     logger,
	})
	events.CheckAndPublishUncleanShutdown()
	events.PublishServiceStart(appVersion)

	b := nullmodem.New(bridge.CCHost1(), bridge.Line1, bridge.CCHost2(), bridge.Line2, logger)
	b.SetEvents(events)
	b.Start(ctx)

	if tracer != nil {
		go traceBridge(ctx, b, tracer)
	}

	health := output.NewHealthPublisher(&output.HealthPublisherConfig{
		Conn:       natsConn,
		Subject:    output.BuildHealthSubject(cfg.NATS.SubjectPrefix, cfg.App.InstanceID),
		InstanceID: cfg.App.InstanceID,
		Logger:     logger,
		StatsFunc: func() output.HealthStats {
			st := b.Stats()
			state := "disconnected"
			if st.Ready {
				state = "ready"
			}
			return output.HealthStats{
				NATSConnected: natsConn != nil && natsConn.IsConnected(),
				Lines: []output.LineHealth{{
					Name:            bridge.Name,
					State:           state,
					FramesTunnelled: st.BytesRelayed,
					Reconnects:      st.Reconnects,
					LastFrameAgo:    -1,
				}},
			}
		},
	})
	health.Start()
	defer health.Stop()

	source := &nullmodemStatsSource{bridge: bridge, b: b, natsConn: natsConn, cfg: cfg}
	monServer := monitoring.NewServer(&cfg.Monitoring, cfg.App.InstanceID, source, cfg.Logging.BasePath, logger)
	if err := monServer.Start(); err != nil {
		logger.Error("failed to start monitoring server", "error", err)
	}

	logger.Info("nullmodem started", "monitoring_port", cfg.Monitoring.Port)

	sig := <-sigChan
	logger.Info("received shutdown signal", "signal", sig.String())
	events.PublishServiceStop("signal: " + sig.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := monServer.Stop(shutdownCtx); err != nil {
		logger.Warn("error stopping monitoring server", "error", err)
	}
	b.Stop()
	logger.Info("nullmodem stopped")
}

// nullmodemStatsSource adapts one nullmodem.Bridge to monitoring.StatsSource.
type nullmodemStatsSource struct {
	bridge   config.NullModemConfig
	b        *nullmodem.Bridge
	natsConn *output.NATSConnection
	cfg      *config.Config
}

func (s *nullmodemStatsSource) LineStatuses() []monitoring.LineStatus {
	st := s.b.Stats()
	state := "disconnected"
	if st.Ready {
		state = "ready"
	}
	return []monitoring.LineStatus{{
		Name:         s.bridge.Name,
		Kind:         "nullmodem",
		State:        state,
		BytesRelayed: st.BytesRelayed,
		Reconnects:   st.Reconnects,
	}}
}

func (s *nullmodemStatsSource) NATSConn() *output.NATSConnection { return s.natsConn }
func (s *nullmodemStatsSource) EventsSubject() string {
	return output.BuildEventsSubject(s.cfg.NATS.SubjectPrefix, s.cfg.App.InstanceID)
}

// loadNullModemConfig loads -config if given (selecting the null_modems
// entry named by -name, or the first enabled one) and returns a usable
// Config either way; flags passed on the command line override its fields.
func loadNullModemConfig(configPath, name string) (*config.Config, config.NullModemConfig) {
	if configPath == "" {
		cfg := &config.Config{}
		cfg.App.Name = "sdlcbridge"
		cfg.App.InstanceID = "default"
		cfg.Logging.BasePath = "/var/log/sdlcbridge"
		cfg.Logging.MaxSizeMB = 50
		cfg.Logging.MaxBackups = 10
		cfg.Logging.Level = "info"
		cfg.Monitoring.Port = 8081
		cfg.NATS.SubjectPrefix = "nullmodem"
		return cfg, config.NullModemConfig{}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	for _, nm := range cfg.NullModems {
		if (name != "" && nm.Name == name) || (name == "" && nm.Enabled) {
			return cfg, nm
		}
	}
	return cfg, config.NullModemConfig{}
}

// traceBridge writes a trace line to trace_NullModem.log each time the
// bridge's readiness or relay counters change (spec §6 "-d").
func traceBridge(ctx context.Context, b *nullmodem.Bridge, tracer *output.TraceWriter) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	var lastReady bool
	var lastBytes, lastReconnects int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := b.Stats()
			if st.Ready == lastReady && st.BytesRelayed == lastBytes && st.Reconnects == lastReconnects {
				continue
			}
			lastReady, lastBytes, lastReconnects = st.Ready, st.BytesRelayed, st.Reconnects
			tracer.WriteLine(fmt.Sprintf("%s ready=%v bytes=%d reconnects=%d",
				time.Now().UTC().Format(time.RFC3339Nano), st.Ready, st.BytesRelayed, st.Reconnects))
		}
	}
}

func setupLogging(cfg *config.Config, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	} else {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Logging.BasePath != "" {
		if err := os.MkdirAll(cfg.Logging.BasePath, 0755); err != nil {
			log.Printf("warning: failed to create log directory: %v", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			logPath := filepath.Join(cfg.Logging.BasePath, "nullmodem.log")
			writer := &lumberjack.Logger{
				Filename:   logPath,
				MaxSize:    cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				Compress:   cfg.Logging.Compress,
			}
			handler = slog.NewJSONHandler(writer, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
