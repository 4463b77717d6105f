// Command roce-endpoint is a thin illustrative harness around pkg/qp: it
// opens a UDP transport, brings up one queue pair against a peer, and pumps
// inbound packets into it until interrupted. It exists to exercise the
// verbs surface end to end, the way the teacher's cmd/canopen wires a
// socketcan bus and an object dictionary into a running node.
package main

import (
	"net"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/roce"
	"github.com/samsamfire/roce/pkg/config"
	"github.com/samsamfire/roce/pkg/metrics"
	"github.com/samsamfire/roce/pkg/qp"
	"github.com/samsamfire/roce/pkg/transport"
	"github.com/samsamfire/roce/pkg/wire"
)

var (
	localAddr   = kingpin.Flag("local", "local IP:port to bind the RoCE v2 UDP socket to.").Required().String()
	peerAddr    = kingpin.Flag("peer", "peer IP:port to connect the queue pair to.").Required().String()
	qpn         = kingpin.Flag("qpn", "local queue pair number.").Required().Uint32()
	configPath  = kingpin.Flag("config", "path to an .ini file of queue-pair tuning defaults.").String()
	metricsAddr = kingpin.Flag("metrics", "address to serve Prometheus metrics on, e.g. :9201.").Default(":9201").String()
	debug       = kingpin.Flag("debug", "enable debug logging.").Bool()
)

func main() {
	kingpin.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}
	sessionID := xid.New().String()
	logger := roce.Log.WithField("session", sessionID)

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.WithError(err).Fatal("failed to load queue-pair config")
		}
		cfg = loaded
	}

	la, err := net.ResolveUDPAddr("udp", *localAddr)
	if err != nil {
		logger.WithError(err).Fatal("invalid -local address")
	}
	pa, err := net.ResolveUDPAddr("udp", *peerAddr)
	if err != nil {
		logger.WithError(err).Fatal("invalid -peer address")
	}

	tr, err := transport.Dial(la, pa)
	if err != nil {
		logger.WithError(err).Fatal("failed to open UDP transport")
	}
	defer tr.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	go func() {
		mux := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		if err := srv.ListenAndServe(); err != nil {
			logger.WithError(err).Warn("metrics server exited")
		}
	}()

	src := wire.Endpoint{IP: la.IP, Port: uint16(la.Port)}
	dst := wire.Endpoint{IP: pa.IP, Port: uint16(pa.Port)}

	endpoint := qp.NewEndpoint(tr, src, dst)
	q := endpoint.CreateQP(*qpn)
	q.SetMetrics(m)

	if err := q.ModifyQP(roce.QPStateRTR, cfg.PMTU, cfg.DstQPN, cfg.Access, cfg.RQPSN, 0); err != nil {
		logger.WithError(err).Fatal("failed to move queue pair to RTR")
	}
	if err := q.ModifyQP(roce.QPStateRTS, 0, 0, 0, 0, cfg.SQPSN); err != nil {
		logger.WithError(err).Fatal("failed to move queue pair to RTS")
	}
	logger.WithFields(log.Fields{"qpn": *qpn, "local": *localAddr, "peer": *peerAddr}).Info("queue pair is RTS, pumping packets")

	qps := map[uint32]*qp.QP{*qpn: q}
	for {
		if err := endpoint.RecvPkts(qps, 64, 100*time.Millisecond); err != nil {
			logger.WithError(err).Error("dispatch loop stopped")
			os.Exit(1)
		}
		for {
			cqe, ok := endpoint.PollCQ()
			if !ok {
				break
			}
			logger.WithFields(log.Fields{
				"wrid": cqe.WRID, "status": cqe.Status, "opcode": cqe.Opcode,
			}).Debug("completion")
		}
	}
}
