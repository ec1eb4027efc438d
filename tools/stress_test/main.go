package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/VanDung-dev/scatterbrained/discovery"
	"github.com/VanDung-dev/scatterbrained/network"
	"github.com/VanDung-dev/scatterbrained/node"
)

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	Nodes       int
	Namespace   string
	PayloadSize int
	Duration    time.Duration
	HWM         int
	ReportFile  string
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	MeshTime        time.Duration
	TotalSent       int64
	FailedSends     int64
	TotalReceived   int64
	TotalDuration   time.Duration
	AvgLatency      time.Duration
	MinLatency      time.Duration
	MaxLatency      time.Duration
	MessagesPerSec  float64
	DroppedMessages uint64
}

// counters are shared by every sender and receiver.
type counters struct {
	sent, failed, received int64
	totalLatency           int64
	minLatency             int64
	maxLatency             int64
}

func main() {
	config := parseFlags()

	fmt.Println("=== scatterbrained In-Process Mesh Stress Test ===")
	fmt.Printf("Nodes: %d\n", config.Nodes)
	fmt.Printf("Payload: %d bytes\n", config.PayloadSize)
	fmt.Printf("Duration: %v\n", config.Duration)
	fmt.Println()

	result, err := runStressTest(config)
	if err != nil {
		log.Fatalf("Stress test failed: %v", err)
	}

	printResults(result)

	if config.ReportFile != "" {
		saveReport(config, result)
	}
}

func parseFlags() StressTestConfig {
	config := StressTestConfig{}

	flag.IntVar(&config.Nodes, "n", 8, "Number of nodes in the mesh")
	flag.StringVar(&config.Namespace, "ns", "stress", "Namespace every node joins")
	flag.IntVar(&config.PayloadSize, "s", 256, "Payload size in bytes")
	flag.DurationVar(&config.Duration, "d", 10*time.Second, "Duration of test")
	flag.IntVar(&config.HWM, "hwm", node.DefaultHWM, "Queue capacity per namespace")
	flag.StringVar(&config.ReportFile, "o", "", "Output report file (JSON)")

	flag.Parse()

	return config
}

// buildMesh launches cfg.Nodes nodes on shared in-memory transports and waits
// until every namespace sees every other node.
func buildMesh(ctx context.Context, config StressTestConfig) ([]*node.Node, []*node.Namespace, error) {
	bus := discovery.NewMemoryBus()
	hub := network.NewMemoryHub()

	nodes := make([]*node.Node, 0, config.Nodes)
	spaces := make([]*node.Namespace, 0, config.Nodes)
	for i := 0; i < config.Nodes; i++ {
		id := fmt.Sprintf("node-%d", i)
		disc, err := discovery.NewEngine(bus.Publisher(), bus.Subscriber(),
			discovery.WithHeartbeat(discovery.MinHeartbeat),
			discovery.WithLogger(zap.NewNop()))
		if err != nil {
			return nodes, nil, err
		}
		n, err := node.New(id,
			node.WithHost("127.0.0.1"),
			node.WithDiscoveryEngine(disc),
			node.WithNetworkEngine(network.NewEngine(hub.NewReceiver(), hub.TransmitterFactory(id),
				network.WithLogger(zap.NewNop()))),
			node.WithLogger(zap.NewNop()),
		)
		if err != nil {
			return nodes, nil, err
		}
		nodes = append(nodes, n)
		if err := n.Launch(ctx); err != nil {
			return nodes, nil, err
		}

		ns, err := n.Namespace(config.Namespace, node.WithHWM(config.HWM))
		if err != nil {
			return nodes, nil, err
		}
		if err := ns.Launch(ctx); err != nil {
			return nodes, nil, err
		}
		spaces = append(spaces, ns)
	}

	for _, ns := range spaces {
		if err := ns.WaitForPeers(ctx, node.AtLeast(config.Nodes-1)); err != nil {
			return nodes, nil, fmt.Errorf("mesh did not converge: %w", err)
		}
	}
	return nodes, spaces, nil
}

func runStressTest(config StressTestConfig) (StressTestResult, error) {
	if config.Nodes < 2 {
		return StressTestResult{}, fmt.Errorf("need at least 2 nodes, got %d", config.Nodes)
	}
	if config.PayloadSize < 8 {
		config.PayloadSize = 8
	}

	meshCtx, cancel := context.WithTimeout(context.Background(), 10*discovery.MinHeartbeat)
	defer cancel()

	meshStart := time.Now()
	nodes, spaces, err := buildMesh(meshCtx, config)
	defer func() {
		for _, n := range nodes {
			_ = n.Close()
		}
	}()
	if err != nil {
		return StressTestResult{}, err
	}
	meshTime := time.Since(meshStart)

	c := &counters{minLatency: 1<<63 - 1}
	runCtx, stop := context.WithTimeout(context.Background(), config.Duration)
	defer stop()

	var wg sync.WaitGroup
	startTime := time.Now()
	for i, ns := range spaces {
		wg.Add(2)
		go func(i int, ns *node.Namespace) {
			defer wg.Done()
			runSender(runCtx, ns, spaces[(i+1)%len(spaces)], config.PayloadSize, c)
		}(i, ns)
		go func(ns *node.Namespace) {
			defer wg.Done()
			runReceiver(runCtx, ns, c)
		}(ns)
	}
	wg.Wait()
	duration := time.Since(startTime)

	var dropped uint64
	for _, n := range nodes {
		for _, qs := range n.Stats().Namespaces {
			dropped += qs.Dropped
		}
	}

	received := atomic.LoadInt64(&c.received)
	var avgLatency time.Duration
	if received > 0 {
		avgLatency = time.Duration(atomic.LoadInt64(&c.totalLatency) / received)
	}
	minLat := atomic.LoadInt64(&c.minLatency)
	if received == 0 {
		minLat = 0
	}

	return StressTestResult{
		MeshTime:        meshTime,
		TotalSent:       atomic.LoadInt64(&c.sent),
		FailedSends:     atomic.LoadInt64(&c.failed),
		TotalReceived:   received,
		TotalDuration:   duration,
		AvgLatency:      avgLatency,
		MinLatency:      time.Duration(minLat),
		MaxLatency:      time.Duration(atomic.LoadInt64(&c.maxLatency)),
		MessagesPerSec:  float64(received) / duration.Seconds(),
		DroppedMessages: dropped,
	}, nil
}

// runSender sends timestamped payloads to target until ctx is done.
func runSender(ctx context.Context, from, to *node.Namespace, size int, c *counters) {
	payload := make([]byte, size)
	for ctx.Err() == nil {
		binary.BigEndian.PutUint64(payload, uint64(time.Now().UnixNano()))
		err := from.SendTo(ctx, to.Identity(), payload)
		atomic.AddInt64(&c.sent, 1)
		if err != nil {
			atomic.AddInt64(&c.failed, 1)
			// Small sleep on error to avoid hammering
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func runReceiver(ctx context.Context, ns *node.Namespace, c *counters) {
	for {
		msg, err := ns.Recv(ctx)
		if err != nil {
			return
		}
		if len(msg.Payload) == 0 || len(msg.Payload[0]) < 8 {
			continue
		}
		sentAt := int64(binary.BigEndian.Uint64(msg.Payload[0]))
		lat := time.Now().UnixNano() - sentAt

		atomic.AddInt64(&c.received, 1)
		atomic.AddInt64(&c.totalLatency, lat)
		for {
			old := atomic.LoadInt64(&c.minLatency)
			if lat >= old || atomic.CompareAndSwapInt64(&c.minLatency, old, lat) {
				break
			}
		}
		for {
			old := atomic.LoadInt64(&c.maxLatency)
			if lat <= old || atomic.CompareAndSwapInt64(&c.maxLatency, old, lat) {
				break
			}
		}
	}
}

func printResults(result StressTestResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Mesh formed in:  %v\n", result.MeshTime.Round(time.Millisecond))
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Sent:            %d (%d failed)\n", result.TotalSent, result.FailedSends)
	fmt.Printf("Received:        %d\n", result.TotalReceived)
	fmt.Printf("Dropped (HWM):   %d\n", result.DroppedMessages)
	fmt.Printf("Messages/sec:    %.2f\n", result.MessagesPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config StressTestConfig, result StressTestResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"nodes":        config.Nodes,
			"namespace":    config.Namespace,
			"payload_size": config.PayloadSize,
			"duration":     config.Duration.String(),
		},
		"results": map[string]interface{}{
			"mesh_ms":          result.MeshTime.Milliseconds(),
			"sent":             result.TotalSent,
			"failed":           result.FailedSends,
			"received":         result.TotalReceived,
			"dropped":          result.DroppedMessages,
			"messages_per_sec": result.MessagesPerSec,
			"avg_latency_ms":   float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":   float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":   float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, data, 0644); err != nil {
		log.Printf("Failed to write report: %v", err)
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}
