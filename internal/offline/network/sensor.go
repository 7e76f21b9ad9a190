// Package network implements the connectivity state machine that the
// sync engine subscribes to: {online, slow, offline}, debounced recovery,
// immediate offline detection, and an optional active health probe.
package network

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// State is the closed set of connectivity states.
type State string

const (
	StateOnline  State = "online"
	StateSlow    State = "slow"
	StateOffline State = "offline"
)

func (s State) Valid() bool {
	switch s {
	case StateOnline, StateSlow, StateOffline:
		return true
	}
	return false
}

// Reading is a raw connectivity signal fed into the sensor: whether the
// runtime reports a live link, plus the link-quality numbers used to tell
// "online" from "slow".
type Reading struct {
	Connected    bool
	RoundTripMs  float64
	DownlinkMbps float64
}

// isSlow applies the link-quality heuristic: high round-trip latency or
// a sub-broadband downlink both count as degraded.
func (r Reading) isSlow() bool {
	return r.RoundTripMs >= 500 || (r.DownlinkMbps > 0 && r.DownlinkMbps < 0.5)
}

// ConnectivityProbe issues an out-of-band reachability check, independent
// of the runtime's own connectivity signal.
type ConnectivityProbe interface {
	Probe(ctx context.Context, timeout time.Duration) bool
}

// HTTPProbe probes a health endpoint with a HEAD request.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

// NewHTTPProbe builds an HTTPProbe against url using a short-lived client.
func NewHTTPProbe(url string) *HTTPProbe {
	return &HTTPProbe{URL: url, Client: &http.Client{}}
}

// Probe issues a HEAD request and reports whether it completed with 2xx
// before timeout. Any error, including context cancellation, counts as
// unreachable.
func (p *HTTPProbe) Probe(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Listener receives each state transition exactly once, in registration
// order, with the new state.
type Listener func(State)

// Sensor is the connectivity state machine. Exactly one logical execution
// context owns its state: Report and the debounce timer callback both
// hand off through transitionCh rather than mutating state directly from
// more than one goroutine.
type Sensor struct {
	mu    sync.Mutex
	state State

	debounce time.Duration
	probe    ConnectivityProbe
	limiter  *rate.Limiter
	logger   *slog.Logger

	listeners []Listener

	pendingTimer *time.Timer
	transitionCh chan State

	closed bool
	done   chan struct{}
}

// Config configures a Sensor.
type Config struct {
	DebounceDelay time.Duration
	Probe         ConnectivityProbe
	ProbeInterval time.Duration
}

// New creates a Sensor. Initial is the runtime's current connectivity
// indicator, used to seed the starting state without waiting for debounce.
func New(cfg Config, initial Reading, logger *slog.Logger) *Sensor {
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sensor{
		state:        classify(initial),
		debounce:     cfg.DebounceDelay,
		probe:        cfg.Probe,
		logger:       logger.With("component", "network_sensor"),
		transitionCh: make(chan State, 8),
		done:         make(chan struct{}),
	}
	if cfg.ProbeInterval > 0 {
		s.limiter = rate.NewLimiter(rate.Every(cfg.ProbeInterval), 1)
	}

	go s.run()

	return s
}

func classify(r Reading) State {
	if !r.Connected {
		return StateOffline
	}
	if r.isSlow() {
		return StateSlow
	}
	return StateOnline
}

// run drains transitionCh and applies state changes + listener fan-out
// on the sensor's single logical goroutine.
func (s *Sensor) run() {
	for {
		select {
		case next := <-s.transitionCh:
			s.apply(next)
		case <-s.done:
			return
		}
	}
}

func (s *Sensor) apply(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	s.logger.Info("connectivity state changed", "state", string(next))
	for _, l := range listeners {
		l(next)
	}
}

// Report feeds a fresh connectivity reading into the sensor. Transitions
// to offline are immediate; transitions out of offline require debounce.
func (s *Sensor) Report(r Reading) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	current := s.state
	next := classify(r)

	if !r.Connected {
		if s.pendingTimer != nil {
			s.pendingTimer.Stop()
			s.pendingTimer = nil
		}
		s.mu.Unlock()
		s.transitionCh <- StateOffline
		return
	}

	if current == StateOffline {
		// Recovery requires debounce: schedule, replacing any pending timer.
		if s.pendingTimer != nil {
			s.pendingTimer.Stop()
		}
		delay := s.debounce
		s.pendingTimer = time.AfterFunc(delay, func() {
			s.transitionCh <- next
		})
		s.mu.Unlock()
		return
	}

	// Already online/slow: reclassify immediately on new readings, no debounce.
	s.mu.Unlock()
	s.transitionCh <- next
}

// ProbeNow issues an active probe if one is configured and the rate
// limiter allows it. A successful probe from offline promotes to online;
// a failed probe never demotes; the runtime's own signal is authoritative.
func (s *Sensor) ProbeNow(ctx context.Context, timeout time.Duration) {
	if s.probe == nil {
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return
	}

	s.mu.Lock()
	current := s.state
	s.mu.Unlock()

	if current != StateOffline {
		return
	}

	if s.probe.Probe(ctx, timeout) {
		s.transitionCh <- StateOnline
	}
}

// Subscribe registers l and delivers it the current state synchronously
// before returning, then every future transition on this sensor's
// goroutine in registration order.
func (s *Sensor) Subscribe(l Listener) {
	s.mu.Lock()
	current := s.state
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	l(current)
}

// State returns the current connectivity state.
func (s *Sensor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop cancels the debounce timer and the sensor's internal goroutine.
func (s *Sensor) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
	}
	s.mu.Unlock()
	close(s.done)
}
