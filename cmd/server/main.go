// cmd/server is the main entrypoint for one rtpsd process: a single
// domain participant bringing up the reliability/fragmentation/delivery
// engine over the loopback transport stub, with its topic writers
// pre-created from a YAML profile and its state exposed over the admin
// HTTP surface.
//
// Real socket transport, SPDP/SEDP discovery and security live behind
// external collaborators this binary stubs out; it exists so the engine
// is runnable and observable end to end without them.
//
// Example:
//
//	./rtpsd --config profile.yaml --admin :8080
package main

import (
	"context"
	"crypto/sha1"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/rtps-core/ddsi/internal/api"
	"github.com/rtps-core/ddsi/internal/config"
	"github.com/rtps-core/ddsi/internal/domain"
	"github.com/rtps-core/ddsi/internal/gc"
	"github.com/rtps-core/ddsi/internal/heartbeat"
	"github.com/rtps-core/ddsi/internal/metrics"
	"github.com/rtps-core/ddsi/internal/rtps"
	"github.com/rtps-core/ddsi/internal/scheduler"
	"github.com/rtps-core/ddsi/internal/transport"
)

func main() {
	configPath := flag.String("config", "profile.yaml", "Path to the domain's YAML topic profile")
	adminAddr := flag.String("admin", "", "Admin/metrics HTTP listen address (overrides config's admin_addr)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}

	prefix := prefixFromNodeName(cfg.NodeName)

	reg := prometheus.NewRegistry()
	coll := metrics.New(reg)

	tr := transport.NewLoopback()
	sched := scheduler.New()
	gcq := gc.New()

	self := rtps.Locator{Kind: rtps.LocatorKindUDPv4, Port: 7400 + cfg.DomainID, Address: [16]byte{15: 1}}
	dom, err := domain.New(cfg.DomainID, prefix, self, tr, sched, gcq, coll, log)
	if err != nil {
		log.WithError(err).Fatal("bring up domain")
	}

	for _, topic := range cfg.Topics {
		w, err := dom.CreateWriter(
			topic.ToMatchQoS(),
			topic.ToWHCQoS(),
			heartbeat.QoS{
				MinInterval:   topic.Reliability_.MinHeartbeatInterval,
				MaxInterval:   topic.Reliability_.MaxHeartbeatInterval,
				LeaseDuration: rtps.Duration(topic.Reliability_.LeaseDuration),
			},
			topic.Reliability_.RetransmitBurstBytes,
			topic.WHC.FragmentSize,
		)
		if err != nil {
			log.WithError(err).WithField("topic", topic.TopicName).Fatal("create writer")
		}
		log.WithFields(logrus.Fields{"topic": topic.TopicName, "guid": w.GUID.String()}).Info("writer ready")

		r, err := dom.CreateReader(topic.ToMatchQoS(), 256, func(domain.DeliveryItem) {})
		if err != nil {
			log.WithError(err).WithField("topic", topic.TopicName).Fatal("create reader")
		}
		log.WithFields(logrus.Fields{"topic": topic.TopicName, "guid": r.GUID.String()}).Info("reader ready")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	entry := log.WithField("component", "admin")
	router.Use(api.Logger(entry), api.Recovery(entry))

	handler := api.NewHandler(dom, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	handler.Register(router)

	srv := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"node":   cfg.NodeName,
			"domain": cfg.DomainID,
			"addr":   cfg.AdminAddr,
		}).Info("admin listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("admin server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("admin server shutdown")
	}
	sched.Stop()
	dom.Close()
}

// prefixFromNodeName derives a stable 12-byte GUID prefix from the
// configured node name, so the same profile always produces the same
// participant identity across restarts (real RTPS derives this from
// host id + process id; a hash of the name is an adequate stand-in
// for a single-process demo with no real network identity to draw on).
func prefixFromNodeName(name string) rtps.GUIDPrefix {
	sum := sha1.Sum([]byte(name))
	var p rtps.GUIDPrefix
	copy(p[:], sum[:12])
	return p
}
