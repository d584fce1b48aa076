package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/jmorgan1/go-mscan-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	DriverTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mscan_tx_frames_total",
		Help: "Total CAN frames handed to the controller transmit buffers.",
	})
	DriverTxRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mscan_tx_rejected_total",
		Help: "Total transmit requests rejected because all buffers were full.",
	})
	MailboxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mscan_mailbox_frames_total",
		Help: "Total messages consumed from the receive mailbox.",
	})
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total CAN frames decoded from the serial bus medium.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_frames_total",
		Help: "Total CAN frames written to the serial bus medium.",
	})
	SocketCANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_rx_frames_total",
		Help: "Total CAN frames read from the SocketCAN medium.",
	})
	SocketCANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_tx_frames_total",
		Help: "Total CAN frames written to the SocketCAN medium.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by the hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected by the backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of connected clients.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad framing, length, checksum).",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrDriverTx       = "driver_tx"
	ErrDriverOverflow = "driver_tx_overflow"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSerialRead     = "serial_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrSocketCANRead  = "socketcan_read"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at
// /ready on addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters so the periodic metrics logger does not have
// to scrape Prometheus in-process.
var local struct {
	driverTx     atomic.Uint64
	driverReject atomic.Uint64
	mailboxRx    atomic.Uint64
	serialRx     atomic.Uint64
	serialTx     atomic.Uint64
	socketcanRx  atomic.Uint64
	socketcanTx  atomic.Uint64
	tcpRx        atomic.Uint64
	tcpTx        atomic.Uint64
	hubDrop      atomic.Uint64
	hubKick      atomic.Uint64
	hubReject    atomic.Uint64
	hubClients   atomic.Uint64
	malformed    atomic.Uint64
	errors       atomic.Uint64
}

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	DriverTx      uint64
	DriverRejects uint64
	MailboxRx     uint64
	SerialRx      uint64
	SerialTx      uint64
	SocketCANRx   uint64
	SocketCANTx   uint64
	TCPRx         uint64
	TCPTx         uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	HubClients    uint64
	Malformed     uint64
	Errors        uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		DriverTx:      local.driverTx.Load(),
		DriverRejects: local.driverReject.Load(),
		MailboxRx:     local.mailboxRx.Load(),
		SerialRx:      local.serialRx.Load(),
		SerialTx:      local.serialTx.Load(),
		SocketCANRx:   local.socketcanRx.Load(),
		SocketCANTx:   local.socketcanTx.Load(),
		TCPRx:         local.tcpRx.Load(),
		TCPTx:         local.tcpTx.Load(),
		HubDrops:      local.hubDrop.Load(),
		HubKicks:      local.hubKick.Load(),
		HubRejects:    local.hubReject.Load(),
		HubClients:    local.hubClients.Load(),
		Malformed:     local.malformed.Load(),
		Errors:        local.errors.Load(),
	}
}

// Wrapper helpers keep call sites to one line.

func IncDriverTx() {
	DriverTxFrames.Inc()
	local.driverTx.Add(1)
}

func IncDriverReject() {
	DriverTxRejected.Inc()
	local.driverReject.Add(1)
}

func IncMailboxRx() {
	MailboxFrames.Inc()
	local.mailboxRx.Add(1)
}

func IncSerialRx() {
	SerialRxFrames.Inc()
	local.serialRx.Add(1)
}

func IncSerialTx() {
	SerialTxFrames.Inc()
	local.serialTx.Add(1)
}

func IncSocketCANRx() {
	SocketCANRxFrames.Inc()
	local.socketcanRx.Add(1)
}

func IncSocketCANTx() {
	SocketCANTxFrames.Inc()
	local.socketcanTx.Add(1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	local.tcpRx.Add(1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	local.tcpTx.Add(uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	local.hubDrop.Add(1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	local.hubKick.Add(1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	local.hubReject.Add(1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	local.hubClients.Store(uint64(n))
}

func IncMalformed() {
	MalformedFrames.Inc()
	local.malformed.Add(1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	local.errors.Add(1)
}

// InitBuildInfo sets the build info gauge; call once at startup. It
// also pre-registers the common error label series.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrDriverTx, ErrDriverOverflow,
		ErrSerialWrite, ErrSerialOverflow, ErrSerialRead,
		ErrSocketCANWrite, ErrSocketCANOver, ErrSocketCANRead,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers the function backing /ready and IsReady.
func SetReadinessFunc(fn func() bool) {
	readinessMu.Lock()
	readinessFn = fn
	readinessMu.Unlock()
}

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not set yet; report ready so the endpoint doesn't flap
		return true
	}
	return fn()
}
