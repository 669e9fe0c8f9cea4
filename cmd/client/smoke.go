package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/rtps-core/ddsi/internal/defrag"
	"github.com/rtps-core/ddsi/internal/domain"
	"github.com/rtps-core/ddsi/internal/gc"
	"github.com/rtps-core/ddsi/internal/heartbeat"
	"github.com/rtps-core/ddsi/internal/match"
	"github.com/rtps-core/ddsi/internal/metrics"
	"github.com/rtps-core/ddsi/internal/reorder"
	"github.com/rtps-core/ddsi/internal/rtps"
	"github.com/rtps-core/ddsi/internal/scheduler"
	"github.com/rtps-core/ddsi/internal/transport"
	"github.com/rtps-core/ddsi/internal/whc"

	"github.com/prometheus/client_golang/prometheus"
)

// smokeCmd drives a matched local writer/reader pair over the loopback
// transport entirely in-process — no rtpsd required — and reports
// whether every published sample was delivered.
func smokeCmd() *cobra.Command {
	var (
		count     int
		fragSize  int
		reliable  bool
		sampleLen int
	)
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Publish samples through a local matched writer/reader pair and report delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSmoke(count, fragSize, sampleLen, reliable)
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "Number of samples to publish")
	cmd.Flags().IntVar(&fragSize, "frag-size", 0, "Fragment size in bytes (0 disables fragmentation)")
	cmd.Flags().IntVar(&sampleLen, "sample-size", 64, "Payload size in bytes per sample")
	cmd.Flags().BoolVar(&reliable, "reliable", true, "Use RELIABLE instead of BEST_EFFORT QoS")
	return cmd
}

func runSmoke(count, fragSize, sampleLen int, reliable bool) error {
	tr := transport.NewLoopback()
	sched := scheduler.New()
	defer sched.Stop()
	gcq := gc.New()
	coll := metrics.New(prometheus.NewRegistry())

	self := rtps.Locator{Kind: rtps.LocatorKindUDPv4, Port: 7400, Address: [16]byte{15: 1}}
	var prefix rtps.GUIDPrefix
	copy(prefix[:], "rtpsctl-smoke")

	dom, err := domain.New(0, prefix, self, tr, sched, gcq, coll, nil)
	if err != nil {
		return fmt.Errorf("bring up local domain: %w", err)
	}
	defer dom.Close()

	reliability := match.BestEffort
	if reliable {
		reliability = match.Reliable
	}
	qos := match.QoS{
		TopicName:   "smoke",
		TypeName:    "bytes",
		Reliability: reliability,
		Liveliness:  match.Liveliness{LeaseDuration: rtps.DurationInfinite},
	}

	whcFragSize := fragSize
	if whcFragSize == 0 {
		whcFragSize = 1 << 20
	}
	w, err := dom.CreateWriter(qos, whc.QoS{
		Kind:          whc.KeepAll,
		HighWatermark: 16 << 20,
		LowWatermark:  8 << 20,
		FragmentSize:  whcFragSize,
	}, heartbeat.QoS{
		MinInterval:   20 * time.Millisecond,
		MaxInterval:   200 * time.Millisecond,
		LeaseDuration: rtps.DurationInfinite,
	}, 1<<20, fragSize)
	if err != nil {
		return fmt.Errorf("create writer: %w", err)
	}

	var (
		mu        sync.Mutex
		delivered []rtps.SequenceNumber
		done      = make(chan struct{})
	)
	r, err := dom.CreateReader(qos, 256, func(item domain.DeliveryItem) {
		mu.Lock()
		delivered = append(delivered, item.Seq)
		n := len(delivered)
		mu.Unlock()
		if n == count {
			close(done)
		}
	})
	if err != nil {
		return fmt.Errorf("create reader: %w", err)
	}

	if err := dom.Match(w, r.GUID, self, qos); err != nil {
		return fmt.Errorf("match writer->reader: %w", err)
	}
	if err := dom.MatchReader(r, w.GUID, self, qos, domain.ProxyWriterConfig{
		MaxFragmentedInFlight:  16,
		FragmentOverflowPolicy: defrag.DropOldest,
		ReorderCapacity:        256,
		ReorderOverflowPolicy:  reorder.NotAccepted,
	}); err != nil {
		return fmt.Errorf("match reader->writer: %w", err)
	}

	payload := make([]byte, sampleLen)
	for i := range payload {
		payload[i] = byte(i)
	}

	start := time.Now()
	for i := 0; i < count; i++ {
		if _, err := w.Write(fmt.Sprintf("key-%d", i), payload, time.Second); err != nil {
			return fmt.Errorf("write sample %d: %w", i, err)
		}
	}

	select {
	case <-done:
		fmt.Printf("delivered %d/%d samples in %s\n", count, count, time.Since(start))
	case <-time.After(5 * time.Second):
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		fmt.Printf("timed out: delivered %d/%d samples\n", n, count)
	}
	return nil
}
