// Package netmon observes connectivity and broadcasts transitions to
// subscribers. The probe is best-effort: a reported "online" with no
// usable path upstream is tolerated, the sync retry policy absorbs it.
package netmon

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Prober answers whether the network currently looks reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// DialProber checks reachability with a TCP dial.
type DialProber struct {
	Addr    string
	Timeout time.Duration
}

func (p DialProber) Probe(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// HTTPProber checks reachability with a HEAD request. Any HTTP
// response at all counts as online; only transport errors do not.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p HTTPProber) Probe(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Monitor polls the prober and notifies subscribers on state edges.
// The first observation after startup is also broadcast, so a session
// that starts online immediately drains any queue left from the last
// one. Subscriber channels are buffered and sends never block; a
// dropped notification is safe because consumers treat duplicates and
// gaps as no-ops.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *zerolog.Logger

	mu     sync.Mutex
	online bool
	seeded bool
	subs   []chan bool
}

func New(prober Prober, interval time.Duration, logger *zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		logger:   logger,
	}
}

// IsOnline returns the last observed connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seeded && m.online
}

// Subscribe returns a channel receiving the state after each edge.
func (m *Monitor) Subscribe() <-chan bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan bool, 1)
	m.subs = append(m.subs, ch)
	return ch
}

// Run polls until ctx is done. The first probe fires immediately.
func (m *Monitor) Run(ctx context.Context) {
	m.observe(m.prober.Probe(ctx))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.observe(m.prober.Probe(ctx))
		}
	}
}

func (m *Monitor) observe(online bool) {
	m.mu.Lock()
	if m.seeded && m.online == online {
		m.mu.Unlock()
		return
	}
	m.seeded = true
	m.online = online
	subs := append([]chan bool(nil), m.subs...)
	m.mu.Unlock()

	m.logger.Info().Bool("online", online).Msg("connectivity changed")
	for _, ch := range subs {
		// Latest state wins: replace an unread notification rather
		// than letting a slow consumer miss the current edge.
		select {
		case ch <- online:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- online:
		default:
		}
	}
}
