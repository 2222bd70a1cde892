// Command scanner runs the 3705 side: it listens for LIB line connections
// and drives a cooperative PCF scanner over however many lines are
// configured (spec §3, §4.4, §5).
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
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"gopkg.in/natefinch/lumberjack.v2"

	"sdlcbridge/config"
	"sdlcbridge/line"
	"sdlcbridge/monitoring"
	"sdlcbridge/output"
	"sdlcbridge/scanner"
)

const appVersion = "1.0.0"

func main() {
	lines := flag.Int("lines", 1, "number of LIB lines to serve (indices 0..lines-1)")
	libBase := flag.Int("libbase", 0, "LIBLBASE port offset")
	lcd := flag.String("lcd", "8", "line-code definer applied to every line: 8/9=SDLC, C=BSC")
	configPath := flag.String("config", "", "optional configuration file for NATS/monitoring settings")
	debug := flag.Bool("debug", false, "enable debug logging")
	version := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("scanner v%s\n", appVersion)
		os.Exit(0)
	}

	cfg := loadScannerConfig(*configPath)

	count := *lines
	lcdByte := byte(scanner.LCDSdlc8)
	if v, err := strconv.ParseUint(*lcd, 16, 4); err == nil {
		lcdByte = byte(v)
	}
	base := cfg.Lines // configured per-line overrides, if any
	if len(base) > 0 {
		count = len(base)
	}

	logger := setupLogging(cfg, *debug)
	logger.Info("starting scanner", "version", appVersion, "lines", count)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

	manager := line.NewManager(*libBase, logger)
	manager.SetEvents(events)
	if err := manager.Start(ctx, count); err != nil {
		logger.Error("failed to start line manager", "error", err)
		os.Exit(1)
	}

	units := make([]*scanner.Unit, 0, count)
	for _, ln := range manager.Lines() {
		lc := lcdByte
		for _, lcfg := range base {
			if lcfg.Index == ln.Index && lcfg.LCD != "" {
				if v, err := strconv.ParseUint(lcfg.LCD, 16, 4); err == nil {
					lc = byte(v)
				}
			}
		}
		units = append(units, scanner.NewUnit(ln, lc))
	}

	sc := scanner.New(units, logger)
	go sc.Run(ctx)

	health := output.NewHealthPublisher(&output.HealthPublisherConfig{
		Conn:       natsConn,
		Subject:    output.BuildHealthSubject(cfg.NATS.SubjectPrefix, cfg.App.InstanceID),
		InstanceID: cfg.App.InstanceID,
		Logger:     logger,
		StatsFunc: func() output.HealthStats {
			lines := manager.Lines()
			hs := make([]output.LineHealth, len(lines))
			for i, ln := range lines {
				hs[i] = output.LineHealth{
					Name:            fmt.Sprintf("%d", ln.Index),
					State:           ln.State().String(),
					FramesTunnelled: ln.RX.BytesTotal(),
					LastFrameAgo:    -1,
				}
			}
			return output.HealthStats{
				NATSConnected: natsConn != nil && natsConn.IsConnected(),
				Lines:         hs,
			}
		},
	})
	health.Start()
	defer health.Stop()

	source := &scannerStatsSource{manager: manager, natsConn: natsConn, cfg: cfg}
	monServer := monitoring.NewServer(&cfg.Monitoring, cfg.App.InstanceID, source, cfg.Logging.BasePath, logger)
	if err := monServer.Start(); err != nil {
		logger.Error("failed to start monitoring server", "error", err)
	}

	logger.Info("scanner started", "monitoring_port", cfg.Monitoring.Port, "lines", count)

	sig := <-sigChan
	logger.Info("received shutdown signal", "signal", sig.String())
	events.PublishServiceStop("signal: " + sig.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := monServer.Stop(shutdownCtx); err != nil {
		logger.Warn("error stopping monitoring server", "error", err)
	}
	manager.Stop()
	logger.Info("scanner stopped")
}

// scannerStatsSource adapts one line.Manager to monitoring.StatsSource.
type scannerStatsSource struct {
	manager  *line.Manager
	natsConn *output.NATSConnection
	cfg      *config.Config
}

func (s *scannerStatsSource) LineStatuses() []monitoring.LineStatus {
	lines := s.manager.Lines()
	out := make([]monitoring.LineStatus, len(lines))
	for i, ln := range lines {
		out[i] = monitoring.LineStatus{
			Name:         fmt.Sprintf("%d", ln.Index),
			Kind:         "line",
			State:        ln.State().String(),
			BytesRelayed: ln.RX.BytesTotal() + ln.TX.BytesTotal(),
		}
	}
	return out
}

func (s *scannerStatsSource) NATSConn() *output.NATSConnection { return s.natsConn }
func (s *scannerStatsSource) EventsSubject() string {
	return output.BuildEventsSubject(s.cfg.NATS.SubjectPrefix, s.cfg.App.InstanceID)
}

// loadScannerConfig loads -config if given, or returns a usable
// default-populated Config when run standalone (spec §6: line count and
// LCD may be supplied purely via -lines/-lcd with no config file).
func loadScannerConfig(configPath string) *config.Config {
	if configPath == "" {
		cfg := &config.Config{}
		cfg.App.Name = "sdlcbridge"
		cfg.App.InstanceID = "default"
		cfg.Logging.BasePath = "/var/log/sdlcbridge"
		cfg.Logging.MaxSizeMB = 50
		cfg.Logging.MaxBackups = 10
		cfg.Logging.Level = "info"
		cfg.Monitoring.Port = 8082
		cfg.NATS.SubjectPrefix = "scanner"
		return cfg
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	return cfg
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
			logPath := filepath.Join(cfg.Logging.BasePath, "scanner.log")
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
