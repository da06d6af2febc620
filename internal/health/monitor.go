// Package health monitors the configured node endpoints and drives
// failover. A background loop probes each node's REST health endpoint,
// tracks latency and consecutive failures, and keeps the node list
// ordered best-first. When the active node goes bad the monitor emits
// a failover signal; when every node is bad it emits a fatal signal
// (the CLI exits with the chain-connectivity code).
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// maxConsecutiveFails marks a node dead until a probe succeeds again.
const maxConsecutiveFails = 3

// nodeState is one endpoint's rolling health.
type nodeState struct {
	url      string
	latency  time.Duration
	fails    int
	lastSeen time.Time
}

func (n *nodeState) healthy() bool { return n.fails < maxConsecutiveFails }

// Failover tells the engine to move to a new best node. Fatal means no
// node is reachable at all.
type Failover struct {
	URL   string
	Fatal bool
}

// Monitor probes nodes and ranks them.
type Monitor struct {
	http     *resty.Client
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	nodes  []*nodeState
	active string

	failoverCh chan Failover
}

// New creates a monitor over the node list, in preference order.
func New(nodes []string, interval time.Duration, logger *slog.Logger) *Monitor {
	m := &Monitor{
		http:       resty.New().SetTimeout(5 * time.Second),
		interval:   interval,
		logger:     logger.With("component", "health"),
		failoverCh: make(chan Failover, 4),
	}
	for _, url := range nodes {
		m.nodes = append(m.nodes, &nodeState{url: url})
	}
	if len(nodes) > 0 {
		m.active = nodes[0]
	}
	return m
}

// FailoverCh returns the channel of failover signals.
func (m *Monitor) FailoverCh() <-chan Failover { return m.failoverCh }

// Active returns the currently selected node.
func (m *Monitor) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// ReportFault lets the engine feed an observed RPC fault into the
// ranking without waiting for the next probe round.
func (m *Monitor) ReportFault(url string) {
	m.mu.Lock()
	for _, n := range m.nodes {
		if n.url == url {
			n.fails++
		}
	}
	m.mu.Unlock()
	m.reselect()
}

// Run probes all nodes on the configured interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	m.mu.Lock()
	nodes := append([]*nodeState(nil), m.nodes...)
	m.mu.Unlock()

	for _, n := range nodes {
		start := time.Now()
		resp, err := m.http.R().SetContext(ctx).Get(probeURL(n.url))
		m.mu.Lock()
		if err != nil || resp.StatusCode() >= 500 {
			n.fails++
			m.logger.Debug("node probe failed", "node", n.url, "fails", n.fails)
		} else {
			n.fails = 0
			n.latency = time.Since(start)
			n.lastSeen = time.Now()
		}
		m.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
	}
	m.reselect()
}

// reselect reorders nodes healthy-then-fastest and emits a failover if
// the best node changed or everything is down.
func (m *Monitor) reselect() {
	m.mu.Lock()

	sort.SliceStable(m.nodes, func(i, j int) bool {
		a, b := m.nodes[i], m.nodes[j]
		if a.healthy() != b.healthy() {
			return a.healthy()
		}
		return a.latency < b.latency
	})

	var signal *Failover
	if len(m.nodes) > 0 {
		best := m.nodes[0]
		if !best.healthy() {
			signal = &Failover{Fatal: true}
		} else if best.url != m.active {
			m.active = best.url
			signal = &Failover{URL: best.url}
		}
	}
	m.mu.Unlock()

	if signal == nil {
		return
	}
	if signal.Fatal {
		m.logger.Error("all nodes unhealthy")
	} else {
		m.logger.Info("node failover", "node", signal.URL)
	}
	select {
	case m.failoverCh <- *signal:
	default:
	}
}

// probeURL converts a websocket endpoint into its HTTP health URL.
func probeURL(node string) string {
	switch {
	case len(node) > 6 && node[:6] == "wss://":
		return "https://" + node[6:] + "/health"
	case len(node) > 5 && node[:5] == "ws://":
		return "http://" + node[5:] + "/health"
	default:
		return node + "/health"
	}
}
