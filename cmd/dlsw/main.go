// Command dlsw runs one DLSw circuit: it dials a 3705 SDLC line on the
// host named by -cchn/-ccip, drives that line's scanner unit locally, and
// tunnels its I-frames to a remote DLSw peer over TCP 2065 (spec §4.5,
// §6 "CLI (DLSw)").
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
	"sdlcbridge/dlsw"
	"sdlcbridge/line"
	"sdlcbridge/monitoring"
	"sdlcbridge/output"
	"sdlcbridge/scanner"
)

const appVersion = "1.0.0"

// libPort mirrors line.basePort: LIB line N listens on 37500+base+N.
const libPort = 37500

func main() {
	peerhn := flag.String("peerhn", "", "remote DLSw peer hostname")
	peerip := flag.String("peerip", "", "remote DLSw peer IPv4 address")
	cchn := flag.String("cchn", "", "host running the 3705 SDLC line")
	ccip := flag.String("ccip", "", "IPv4 of the host running the 3705 SDLC line")
	lineN := flag.Int("line", 20, "SDLC line number on the 3705")
	libBase := flag.Int("libbase", 0, "LIBLBASE port offset")
	lcd := flag.String("lcd", "8", "line-code definer: 8/9=SDLC, C=BSC")
	trace := flag.Bool("d", false, "enable trace to trace_DLSw.log")
	configPath := flag.String("config", "", "optional configuration file for NATS/monitoring settings")
	name := flag.String("name", "", "dlsw_peers entry name to load from -config")
	debug := flag.Bool("debug", false, "enable debug logging")
	version := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("dlsw v%s\n", appVersion)
		os.Exit(0)
	}

	cfg, peer := loadDLSwConfig(*configPath, *name)
	if *peerhn != "" {
		peer.PeerHostname, peer.PeerIP = *peerhn, ""
	}
	if *peerip != "" {
		peer.PeerIP, peer.PeerHostname = *peerip, ""
	}
	if *cchn != "" {
		peer.CCHostname, peer.CCIP = *cchn, ""
	}
	if *ccip != "" {
		peer.CCIP, peer.CCHostname = *ccip, ""
	}
	if *lineN != 20 {
		peer.Line = *lineN
	}
	if *libBase != 0 {
		peer.LIBBase = *libBase
	}
	if *trace {
		peer.Trace = true
	}
	if peer.Name == "" {
		peer.Name = fmt.Sprintf("line%d", peer.Line)
	}

	if peer.PeerHost() == "" || peer.CCHost() == "" {
		log.Fatal("dlsw: -peerhn/-peerip and -cchn/-ccip are required")
	}

	logger := setupLogging(cfg, *debug)
	logger.Info("starting dlsw", "version", appVersion, "peer", peer.Name,
		"peer_host", peer.PeerHost(), "cc_host", peer.CCHost(), "line", peer.Line)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var tracer *output.TraceWriter
	if peer.Trace {
		tracer = output.NewTraceWriter(&output.TraceWriterConfig{
			Name:          "DLSw",
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

	// Local line endpoint: dials the 3705's LIB line and drives its own
	// scanner unit, the same way cmd/scanner drives lines it listens for.
	ln := line.New(0, peer.LIBBase, logger)
	ln.SetEvents(events)
	ccAddr := fmt.Sprintf("%s:%d", peer.CCHost(), libPort+peer.LIBBase+peer.Line)
	dialer := line.NewDialer(ln, ccAddr)
	go dialer.Serve(ctx)

	unit := scanner.NewUnit(ln, lineCodeByte(*lcd))
	sc := scanner.New([]*scanner.Unit{unit}, logger)
	go sc.Run(ctx)

	peerAddr := fmt.Sprintf("%s:%d", peer.PeerHost(), dlsw.DefaultPort)
	engine := dlsw.New(dlsw.Config{
		Name:       peer.Name,
		ListenAddr: fmt.Sprintf(":%d", dlsw.DefaultPort),
		PeerAddr:   peerAddr,
		Unit:       unit,
	}, logger)
	engine.SetEvents(events)
	if err := engine.Start(ctx); err != nil {
		logger.Error("failed to start dlsw engine", "error", err)
		os.Exit(1)
	}

	if tracer != nil {
		go traceEngine(ctx, engine, tracer)
	}

	health := output.NewHealthPublisher(&output.HealthPublisherConfig{
		Conn:       natsConn,
		Subject:    output.BuildHealthSubject(cfg.NATS.SubjectPrefix, cfg.App.InstanceID),
		InstanceID: cfg.App.InstanceID,
		Logger:     logger,
		StatsFunc: func() output.HealthStats {
			st := engine.Stats()
			return output.HealthStats{
				NATSConnected: natsConn != nil && natsConn.IsConnected(),
				Lines: []output.LineHealth{{
					Name:            peer.Name,
					State:           st.State,
					FramesTunnelled: st.FramesTunnelled,
					LastFrameAgo:    -1,
				}},
			}
		},
	})
	health.Start()
	defer health.Stop()

	source := &dlswStatsSource{peer: peer, engine: engine, natsConn: natsConn, cfg: cfg}
	monServer := monitoring.NewServer(&cfg.Monitoring, cfg.App.InstanceID, source, cfg.Logging.BasePath, logger)
	if err := monServer.Start(); err != nil {
		logger.Error("failed to start monitoring server", "error", err)
	}

	logger.Info("dlsw started", "monitoring_port", cfg.Monitoring.Port)

	sig := <-sigChan
	logger.Info("received shutdown signal", "signal", sig.String())
	events.PublishServiceStop("signal: " + sig.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := monServer.Stop(shutdownCtx); err != nil {
		logger.Warn("error stopping monitoring server", "error", err)
	}
	engine.Stop()
	logger.Info("dlsw stopped")
}

// dlswStatsSource adapts one dlsw.Engine to monitoring.StatsSource.
type dlswStatsSource struct {
	peer     config.DLSwPeerConfig
	engine   *dlsw.Engine
	natsConn *output.NATSConnection
	cfg      *config.Config
}

func (s *dlswStatsSource) LineStatuses() []monitoring.LineStatus {
	st := s.engine.Stats()
	return []monitoring.LineStatus{{
		Name:            s.peer.Name,
		Kind:            "dlsw",
		State:           st.State,
		FramesTunnelled: st.FramesTunnelled,
	}}
}

func (s *dlswStatsSource) NATSConn() *output.NATSConnection { return s.natsConn }
func (s *dlswStatsSource) EventsSubject() string {
	return output.BuildEventsSubject(s.cfg.NATS.SubjectPrefix, s.cfg.App.InstanceID)
}

// loadDLSwConfig loads -config if given (selecting the dlsw_peers entry
// named by -name, or the first enabled one) and returns a usable Config
// either way; flags passed on the command line override its fields.
func loadDLSwConfig(configPath, name string) (*config.Config, config.DLSwPeerConfig) {
	if configPath == "" {
		cfg := &config.Config{}
		cfg.App.Name = "sdlcbridge"
		cfg.App.InstanceID = "default"
		cfg.Logging.BasePath = "/var/log/sdlcbridge"
		cfg.Logging.MaxSizeMB = 50
		cfg.Logging.MaxBackups = 10
		cfg.Logging.Level = "info"
		cfg.Monitoring.Port = 8080
		cfg.NATS.SubjectPrefix = "dlsw"
		return cfg, config.DLSwPeerConfig{Line: 20}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	for _, p := range cfg.DLSwPeers {
		if (name != "" && p.Name == name) || (name == "" && p.Enabled) {
			return cfg, p
		}
	}
	return cfg, config.DLSwPeerConfig{Line: 20}
}

// traceEngine writes a trace line to the trace_DLSw.log file each time the
// circuit state changes or a frame/reply count advances, until ctx is
// cancelled (spec §6 "-d — enable trace to trace_DLSw.log").
func traceEngine(ctx context.Context, engine *dlsw.Engine, tracer *output.TraceWriter) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	var lastState string
	var lastFrames, lastReplies int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := engine.Stats()
			if st.State == lastState && st.FramesTunnelled == lastFrames && st.RepliesSent == lastReplies {
				continue
			}
			lastState, lastFrames, lastReplies = st.State, st.FramesTunnelled, st.RepliesSent
			tracer.WriteLine(fmt.Sprintf("%s state=%s frames=%d replies=%d",
				time.Now().UTC().Format(time.RFC3339Nano), st.State, st.FramesTunnelled, st.RepliesSent))
		}
	}
}

func lineCodeByte(lcd string) byte {
	v, err := strconv.ParseUint(lcd, 16, 4)
	if err != nil {
		return scanner.LCDSdlc8
	}
	return byte(v)
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
			logPath := filepath.Join(cfg.Logging.BasePath, "dlsw.log")
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
