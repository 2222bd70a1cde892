package monitoring

import (
	"bufio"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"sdlcbridge/config"
	"sdlcbridge/output"
)

// getInode extracts the inode number from file info (Unix only)
func getInode(info os.FileInfo) (uint64, bool) {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Ino, true
	}
	return 0, false
}

//go:embed dashboard.html
var dashboardHTML embed.FS

//go:embed logix.png
var logixLogo []byte

// LineStatus is the monitoring-facing snapshot of one running LIB line,
// DLSw circuit, or null-modem bridge.
type LineStatus struct {
	Name            string `json:"name"`
	Kind            string `json:"kind"` // "line", "dlsw", "nullmodem"
	State           string `json:"state"`
	FramesTunnelled int64  `json:"frames_tunnelled,omitempty"`
	BytesRelayed    int64  `json:"bytes_relayed,omitempty"`
	Reconnects      int64  `json:"reconnects,omitempty"`
	Errors          int64  `json:"errors,omitempty"`
}

// StatsSource supplies the monitoring server with a live snapshot of
// everything this process is running (one or more LIB lines, a DLSw
// circuit, or a null-modem bridge) plus the shared NATS connection for
// event-stream queries. Each `cmd/*` binary provides its own adapter over
// `line.Manager`/`dlsw.Engine`/`nullmodem.Bridge`.
type StatsSource interface {
	LineStatuses() []LineStatus
	NATSConn() *output.NATSConnection
	EventsSubject() string
}

// SSEClient represents a connected SSE client
type SSEClient struct {
	line string
	send chan string
	done chan struct{}
}

// SSEBroker manages SSE client connections and message broadcasting
type SSEBroker struct {
	clients    map[*SSEClient]bool
	register   chan *SSEClient
	unregister chan *SSEClient
	broadcast  chan BroadcastMessage
	mu         sync.RWMutex
}

// BroadcastMessage contains a trace line and the line/circuit it belongs to
type BroadcastMessage struct {
	Line string
	Text string
}

// NewSSEBroker creates a new SSE broker
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{
		clients:    make(map[*SSEClient]bool),
		register:   make(chan *SSEClient),
		unregister: make(chan *SSEClient),
		broadcast:  make(chan BroadcastMessage, 256),
	}
}

// Run starts the broker's main loop
func (b *SSEBroker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			for client := range b.clients {
				close(client.done)
				delete(b.clients, client)
			}
			b.mu.Unlock()
			return

		case client := <-b.register:
			b.mu.Lock()
			b.clients[client] = true
			b.mu.Unlock()

		case client := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[client]; ok {
				close(client.done)
				delete(b.clients, client)
			}
			b.mu.Unlock()

		case msg := <-b.broadcast:
			b.mu.RLock()
			for client := range b.clients {
				if client.line == msg.Line || client.line == "all" {
					select {
					case client.send <- msg.Text:
					default:
					}
				}
			}
			b.mu.RUnlock()
		}
	}
}

// Broadcast sends a trace line to all clients subscribed to line
func (b *SSEBroker) Broadcast(line, text string) {
	select {
	case b.broadcast <- BroadcastMessage{Line: line, Text: text}:
	default:
	}
}

// ClientCount returns the number of connected clients
func (b *SSEBroker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Server provides HTTP monitoring endpoints
type Server struct {
	config      *config.MonitoringConfig
	instanceID  string
	source      StatsSource
	logger      *slog.Logger
	server      *http.Server
	logBasePath string
	broker      *SSEBroker
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewServer creates a new monitoring server
func NewServer(cfg *config.MonitoringConfig, instanceID string, source StatsSource, logBasePath string, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	broker := NewSSEBroker()

	s := &Server{
		config:      cfg,
		instanceID:  instanceID,
		source:      source,
		logBasePath: logBasePath,
		logger:      logger,
		broker:      broker,
		ctx:         ctx,
		cancel:      cancel,
	}

	go broker.Run(ctx)
	go s.watchLogFiles(ctx)

	return s
}

// watchLogFiles monitors trace log files and broadcasts new lines
func (s *Server) watchLogFiles(ctx context.Context) {
	time.Sleep(2 * time.Second)

	if s.source == nil {
		return
	}
	for _, ls := range s.source.LineStatuses() {
		go s.tailLogFile(ctx, ls.Name)
	}
}

// tailLogFile tails one line's trace file (spec §6 output.TraceWriter
// naming: trace_<name>.log) and broadcasts new lines
func (s *Server) tailLogFile(ctx context.Context, name string) {
	logPath := filepath.Join(s.logBasePath, "trace_"+name+".log")

	s.logger.Debug("starting trace tail", "line", name, "path", logPath)

	var lastInode uint64
	var currentPos int64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		info, err := os.Stat(logPath)
		if err != nil {
			time.Sleep(time.Second)
			continue
		}

		stat, ok := getInode(info)
		if ok && lastInode != 0 && stat != lastInode {
			s.logger.Debug("trace file rotated", "line", name)
			currentPos = 0
		}
		lastInode = stat

		file, err := os.Open(logPath)
		if err != nil {
			time.Sleep(time.Second)
			continue
		}

		if currentPos == 0 {
			currentPos, _ = file.Seek(0, 2)
		} else {
			file.Seek(currentPos, 0)
		}

		reader := bufio.NewReader(file)

		for {
			select {
			case <-ctx.Done():
				file.Close()
				return
			default:
			}

			line, err := reader.ReadString('\n')
			if err != nil {
				currentPos, _ = file.Seek(0, 1)
				file.Close()
				time.Sleep(100 * time.Millisecond)
				break
			}

			line = strings.TrimRight(line, "\r\n")
			if line != "" {
				s.broker.Broadcast(name, line)
			}
		}
	}
}

// Start starts the monitoring HTTP server
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleDashboard)
	mux.HandleFunc("/media/logix.png", s.handleLogo)

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/lines", s.handleLines)
	mux.HandleFunc("/api/system", s.handleSystem)
	mux.HandleFunc("/api/feed", s.handleFeed)
	mux.HandleFunc("/api/stream", s.handleSSE)
	mux.HandleFunc("/api/events", s.handleEvents)

	var handler http.Handler = mux
	if s.config.Username != "" && s.config.Password != "" {
		handler = s.basicAuth(mux)
		s.logger.Info("basic auth enabled for monitoring dashboard")
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	s.logger.Info("starting monitoring server", "port", s.config.Port)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("monitoring server error", "error", err)
		}
	}()

	return nil
}

// basicAuth wraps a handler with HTTP Basic Authentication
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.config.Username || pass != s.config.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="sdlcbridge"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop gracefully stops the monitoring server
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server == nil {
		return nil
	}
	s.logger.Info("stopping monitoring server")
	return s.server.Shutdown(shutdownCtx)
}

// handleDashboard serves the monitoring dashboard
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data, err := dashboardHTML.ReadFile("dashboard.html")
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.Write(data)
}

// handleLogo serves the dashboard logo
func (s *Server) handleLogo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(logixLogo)
}

// handleHealth returns health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"sse_clients": s.broker.ClientCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleStats returns instance-level summary statistics
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var lines []LineStatus
	if s.source != nil {
		lines = s.source.LineStatuses()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"instance_id": s.instanceID,
		"line_count":  len(lines),
	})
}

// handleLines returns the status of every line/circuit/bridge this
// process is running
func (s *Server) handleLines(w http.ResponseWriter, r *http.Request) {
	var lines []LineStatus
	if s.source != nil {
		lines = s.source.LineStatuses()
	}
	if lines == nil {
		lines = []LineStatus{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"lines": lines,
	})
}

// SystemInfo contains system health metrics
type SystemInfo struct {
	Hostname   string        `json:"hostname"`
	Uptime     int64         `json:"uptime_seconds"`
	CPU        CPUInfo       `json:"cpu"`
	Memory     MemoryInfo    `json:"memory"`
	Storage    []StorageInfo `json:"storage"`
	Network    []NetInfo     `json:"network"`
	GoRoutines int           `json:"goroutines"`
}

// CPUInfo contains CPU usage information
type CPUInfo struct {
	UsagePercent float64 `json:"usage_percent"`
	LoadAvg1     float64 `json:"load_avg_1"`
	LoadAvg5     float64 `json:"load_avg_5"`
	LoadAvg15    float64 `json:"load_avg_15"`
	NumCPU       int     `json:"num_cpu"`
}

// MemoryInfo contains memory usage information
type MemoryInfo struct {
	TotalMB     uint64  `json:"total_mb"`
	UsedMB      uint64  `json:"used_mb"`
	FreeMB      uint64  `json:"free_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// StorageInfo contains disk usage information
type StorageInfo struct {
	Path        string  `json:"path"`
	TotalGB     float64 `json:"total_gb"`
	UsedGB      float64 `json:"used_gb"`
	FreeGB      float64 `json:"free_gb"`
	UsedPercent float64 `json:"used_percent"`
}

// NetInfo contains network interface information
type NetInfo struct {
	Name      string `json:"name"`
	MAC       string `json:"mac"`
	IP        string `json:"ip,omitempty"`
	LinkUp    bool   `json:"link_up"`
	Speed     string `json:"speed,omitempty"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
}

// handleSystem returns system health metrics
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	info := SystemInfo{
		GoRoutines: runtime.NumGoroutine(),
	}

	if h, err := os.Hostname(); err == nil {
		info.Hostname = h
	}

	if data, err := os.ReadFile("/proc/uptime"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 1 {
			if uptime, err := strconv.ParseFloat(fields[0], 64); err == nil {
				info.Uptime = int64(uptime)
			}
		}
	}

	info.CPU = getCPUInfo()
	info.Memory = getMemoryInfo()
	info.Storage = getStorageInfo()
	info.Network = getNetworkInfo()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// getCPUInfo reads CPU usage from /proc/loadavg
func getCPUInfo() CPUInfo {
	info := CPUInfo{
		NumCPU: runtime.NumCPU(),
	}

	if data, err := os.ReadFile("/proc/loadavg"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 3 {
			info.LoadAvg1, _ = strconv.ParseFloat(fields[0], 64)
			info.LoadAvg5, _ = strconv.ParseFloat(fields[1], 64)
			info.LoadAvg15, _ = strconv.ParseFloat(fields[2], 64)
		}
	}

	info.UsagePercent = (info.LoadAvg1 / float64(info.NumCPU)) * 100
	if info.UsagePercent > 100 {
		info.UsagePercent = 100
	}

	return info
}

// getMemoryInfo reads memory info from /proc/meminfo
func getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return info
	}

	memInfo := make(map[string]uint64)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			key := strings.TrimSuffix(fields[0], ":")
			val, _ := strconv.ParseUint(fields[1], 10, 64)
			memInfo[key] = val
		}
	}

	info.TotalMB = memInfo["MemTotal"] / 1024
	info.FreeMB = (memInfo["MemFree"] + memInfo["Buffers"] + memInfo["Cached"]) / 1024
	info.UsedMB = info.TotalMB - info.FreeMB

	if info.TotalMB > 0 {
		info.UsedPercent = float64(info.UsedMB) / float64(info.TotalMB) * 100
	}

	return info
}

// getStorageInfo returns disk usage for key mount points
func getStorageInfo() []StorageInfo {
	var result []StorageInfo

	var stat syscall.Statfs_t
	if err := syscall.Statfs("/", &stat); err != nil {
		return result
	}

	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	used := total - free

	info := StorageInfo{
		Path:    "/",
		TotalGB: float64(total) / (1024 * 1024 * 1024),
		UsedGB:  float64(used) / (1024 * 1024 * 1024),
		FreeGB:  float64(free) / (1024 * 1024 * 1024),
	}
	if total > 0 {
		info.UsedPercent = float64(used) / float64(total) * 100
	}

	result = append(result, info)
	return result
}

// getNetworkInfo returns info for physical ethernet interfaces
func getNetworkInfo() []NetInfo {
	var result []NetInfo

	interfaces, err := net.Interfaces()
	if err != nil {
		return result
	}

	netStats := make(map[string][]uint64)
	if data, err := os.ReadFile("/proc/net/dev"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if !strings.Contains(line, ":") {
				continue
			}
			parts := strings.SplitN(line, ":", 2)
			if len(parts) != 2 {
				continue
			}
			name := strings.TrimSpace(parts[0])
			fields := strings.Fields(parts[1])
			if len(fields) >= 10 {
				rxBytes, _ := strconv.ParseUint(fields[0], 10, 64)
				rxPackets, _ := strconv.ParseUint(fields[1], 10, 64)
				txBytes, _ := strconv.ParseUint(fields[8], 10, 64)
				txPackets, _ := strconv.ParseUint(fields[9], 10, 64)
				netStats[name] = []uint64{rxBytes, rxPackets, txBytes, txPackets}
			}
		}
	}

	for _, iface := range interfaces {
		if !strings.HasPrefix(iface.Name, "enp") && !strings.HasPrefix(iface.Name, "eth") {
			continue
		}

		info := NetInfo{
			Name:   iface.Name,
			MAC:    iface.HardwareAddr.String(),
			LinkUp: iface.Flags&net.FlagUp != 0,
		}

		if addrs, err := iface.Addrs(); err == nil {
			for _, addr := range addrs {
				if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
					info.IP = ipnet.IP.String()
					break
				}
			}
		}

		speedPath := fmt.Sprintf("/sys/class/net/%s/speed", iface.Name)
		if data, err := os.ReadFile(speedPath); err == nil {
			speed := strings.TrimSpace(string(data))
			if speed != "" && speed != "-1" {
				info.Speed = speed + " Mbps"
			}
		}

		if stats, ok := netStats[iface.Name]; ok && len(stats) >= 4 {
			info.RxBytes = stats[0]
			info.RxPackets = stats[1]
			info.TxBytes = stats[2]
			info.TxPackets = stats[3]
		}

		result = append(result, info)
	}

	return result
}

// handleSSE handles Server-Sent Events connections for real-time trace streaming
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	lineName := r.URL.Query().Get("line")
	if lineName == "" {
		lineName = "all"
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Accel-Buffering", "no")

	client := &SSEClient{
		line: lineName,
		send: make(chan string, 64),
		done: make(chan struct{}),
	}

	s.broker.register <- client

	defer func() {
		s.broker.unregister <- client
	}()

	fmt.Fprintf(w, "event: connected\ndata: {\"line\":\"%s\"}\n\n", lineName)
	flusher.Flush()

	fmt.Fprintf(w, ": keepalive\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-client.done:
			return

		case text := <-client.send:
			fmt.Fprintf(w, "event: line\ndata: %s\n\n", text)
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}

// handleFeed returns the last N lines from a line's trace file (tail).
// Kept for initial dashboard load before the SSE stream catches up.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	lineName := r.URL.Query().Get("line")
	if lineName == "" {
		http.Error(w, "line parameter required", http.StatusBadRequest)
		return
	}

	count := 50
	if countStr := r.URL.Query().Get("count"); countStr != "" {
		if n, err := strconv.Atoi(countStr); err == nil && n > 0 {
			count = n
		}
	}
	if count > 200 {
		count = 200
	}

	logPath := filepath.Join(s.logBasePath, "trace_"+lineName+".log")
	lines, err := tailFile(logPath, count)
	if err != nil {
		s.logger.Warn("failed to read trace file", "path", logPath, "error", err)
		lines = []string{}
	}

	response := map[string]interface{}{
		"line":  lineName,
		"lines": lines,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// tailFile returns the last n lines from a file.
// Uses a ring buffer to keep memory bounded regardless of file size.
func tailFile(path string, n int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	ring := make([]string, n)
	idx := 0
	count := 0

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		ring[idx] = scanner.Text()
		idx = (idx + 1) % n
		count++
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if count == 0 {
		return []string{}, nil
	}

	if count < n {
		return ring[:count], nil
	}

	result := make([]string, n)
	for i := 0; i < n; i++ {
		result[i] = ring[(idx+i)%n]
	}
	return result, nil
}

// handleEvents returns recent events from the NATS events stream
// Query params: count (default 50, max 200)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	countStr := r.URL.Query().Get("count")
	count := 50
	if countStr != "" {
		if n, err := strconv.Atoi(countStr); err == nil && n > 0 {
			count = n
			if count > 200 {
				count = 200
			}
		}
	}

	if s.source == nil {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"events": []interface{}{},
			"error":  "no stats source configured",
		})
		return
	}

	natsConn := s.source.NATSConn()
	if natsConn == nil || !natsConn.IsConnected() {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"events": []interface{}{},
			"error":  "NATS not connected",
		})
		return
	}

	js, err := natsConn.Conn().JetStream()
	if err != nil {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"events": []interface{}{},
			"error":  "JetStream not available",
		})
		return
	}

	streamInfo, err := js.StreamInfo("events")
	if err != nil {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"events": []interface{}{},
			"error":  "Events stream not found",
		})
		return
	}

	lastSeq := streamInfo.State.LastSeq
	startSeq := uint64(1)
	if lastSeq > uint64(count) {
		startSeq = lastSeq - uint64(count) + 1
	}

	eventsSubject := s.source.EventsSubject()
	sub, err := js.PullSubscribe(
		eventsSubject,
		"",
		nats.StartSequence(startSeq),
		nats.BindStream("events"),
	)
	if err != nil {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"events": []interface{}{},
			"error":  fmt.Sprintf("Failed to subscribe: %v", err),
		})
		return
	}
	defer sub.Unsubscribe()

	msgs, err := sub.Fetch(count, nats.MaxWait(2*time.Second))
	if err != nil && err != nats.ErrTimeout {
		s.logger.Warn("error fetching events", "error", err)
	}

	events := make([]json.RawMessage, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, json.RawMessage(msg.Data))
		msg.Ack()
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"events": events,
		"count":  len(events),
		"stream": "events",
	})
}
