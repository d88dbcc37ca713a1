package brokerconn

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/broker"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/telemetry/metrics"
)

// State is the connection lifecycle state exposed on the status endpoint
//, distinct from CircuitState.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateCircuitOpen  State = "circuit_open"
)

// Config governs reconnection behavior and optional SRV-based discovery
// of the broker gateway host.
type Config struct {
	Host               string
	Port               int
	ClientID           int
	ConnectTimeout     time.Duration
	ReconnectEnabled   bool
	ReconnectMaxRetry  int
	ReconnectDelayBase float64 // seconds; backoff is DelayBase^retry

	// SRVName, if set, is looked up via DNS SRV before each connect attempt
	// and the highest-priority, highest-weight record is selected; a failed
	// lookup is only logged. The selected host and port are not passed to
	// the broker, so they do not change where it connects. Resolver
	// defaults to a dns.Client querying the first /etc/resolv.conf server.
	SRVName  string
	Resolver *dns.Client
}

// Status is the read-only snapshot returned by Manager.Status.
type Status struct {
	State            State
	Connected        bool
	RetryCount       int
	LastConnectTime  time.Time
	LastError        string
	CircuitState     CircuitState
	CircuitFailures  int
}

// Manager owns the broker connection lifecycle: connect/disconnect,
// exponential-backoff reconnection, and circuit breaking around connect
// attempts. Grounded on
// original_source/packages/ibkr_connection/__init__.py's ConnectionManager.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	brk     broker.Broker
	breaker *CircuitBreaker
	log     *slog.Logger

	state           State
	retryCount      int
	lastConnectTime time.Time
	lastError       string
}

// NewManager constructs a Manager around a concrete Broker (paper or
// live). The circuit breaker defaults mirror the original's thresholds.
func NewManager(cfg Config, brk broker.Broker, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		brk:     brk,
		breaker: NewCircuitBreaker(5, 2, 60*time.Second),
		log:     log,
		state:   StateDisconnected,
	}
}

// resolveHost performs the SRV lookup if cfg.SRVName is set, returning the
// configured Host/Port unchanged otherwise.
func (m *Manager) resolveHost(ctx context.Context) (string, int, error) {
	if m.cfg.SRVName == "" {
		return m.cfg.Host, m.cfg.Port, nil
	}
	client := m.cfg.Resolver
	if client == nil {
		client = &dns.Client{Timeout: 5 * time.Second}
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(m.cfg.SRVName), dns.TypeSRV)
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return m.cfg.Host, m.cfg.Port, fmt.Errorf("brokerconn: no resolver configured: %w", err)
	}
	resp, _, err := client.ExchangeContext(ctx, msg, conf.Servers[0]+":"+conf.Port)
	if err != nil || resp == nil || len(resp.Answer) == 0 {
		return m.cfg.Host, m.cfg.Port, fmt.Errorf("brokerconn: SRV lookup for %s failed: %w", m.cfg.SRVName, err)
	}
	best := selectSRV(resp.Answer)
	if best == nil {
		return m.cfg.Host, m.cfg.Port, fmt.Errorf("brokerconn: no SRV records in answer for %s", m.cfg.SRVName)
	}
	return strings_TrimSuffix(best.Target), int(best.Port), nil
}

func selectSRV(answers []dns.RR) *dns.SRV {
	var best *dns.SRV
	for _, rr := range answers {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		if best == nil || srv.Priority < best.Priority ||
			(srv.Priority == best.Priority && srv.Weight > best.Weight) {
			best = srv
		}
	}
	return best
}

func strings_TrimSuffix(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}

// Connect attempts to establish the broker connection, honoring the
// circuit breaker and retrying with exponential backoff when enabled.
func (m *Manager) Connect(ctx context.Context) error {
	for {
		retrying, err := m.connectOnce(ctx)
		if !retrying {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(err.(*retryAfter).delay):
		}
	}
}

// retryAfter is a sentinel error carrying the backoff delay for the next
// attempt; it is never returned to callers of Connect.
type retryAfter struct{ delay time.Duration }

func (r *retryAfter) Error() string { return "brokerconn: retrying after backoff" }

// connectOnce performs a single connect attempt under the lock discipline
// described by Store.Transition: read state, attempt the call outside the
// lock, then re-lock to record the outcome. It returns (true, *retryAfter)
// when the caller should back off and try again.
func (m *Manager) connectOnce(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.brk.IsConnected() && m.state == StateConnected {
		m.mu.Unlock()
		return false, nil
	}
	if !m.breaker.CanAttempt(time.Now()) {
		m.state = StateCircuitOpen
		m.mu.Unlock()
		metrics.Connection().SetState(string(StateCircuitOpen))
		return false, fmt.Errorf("brokerconn: circuit breaker open, too many connection failures")
	}
	m.state = StateConnecting
	m.mu.Unlock()
	metrics.Connection().SetState(string(StateConnecting))

	if _, _, err := m.resolveHost(ctx); err != nil {
		m.log.Warn("srv_lookup_failed", "error", err, "fallback_host", m.cfg.Host)
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	connErr := m.brk.Connect(connectCtx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if connErr == nil {
		m.state = StateConnected
		m.lastConnectTime = time.Now()
		m.retryCount = 0
		m.breaker.RecordSuccess()
		metrics.Connection().SetState(string(StateConnected))
		metrics.Connection().SetCircuitState(string(m.breaker.State()))
		m.log.Info("connected_to_broker", "host", m.cfg.Host, "port", m.cfg.Port)
		return false, nil
	}

	m.state = StateFailed
	m.lastError = connErr.Error()
	m.breaker.RecordFailure(time.Now())
	metrics.Connection().SetState(string(StateFailed))
	metrics.Connection().SetCircuitState(string(m.breaker.State()))
	m.log.Error("broker_connect_failed", "error", connErr, "retry_count", m.retryCount)

	if !m.cfg.ReconnectEnabled || m.retryCount >= m.cfg.ReconnectMaxRetry {
		metrics.Connection().RecordReconnect("exhausted")
		return false, fmt.Errorf("brokerconn: failed to connect to broker: %w", connErr)
	}

	m.retryCount++
	delaySeconds := math.Pow(m.cfg.ReconnectDelayBase, float64(m.retryCount))
	m.state = StateReconnecting
	metrics.Connection().SetState(string(StateReconnecting))
	metrics.Connection().RecordReconnect("retry")

	return true, &retryAfter{delay: time.Duration(delaySeconds * float64(time.Second))}
}

// Disconnect tears down the broker connection.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.brk.IsConnected() {
		return nil
	}
	if err := m.brk.Disconnect(ctx); err != nil {
		return err
	}
	m.state = StateDisconnected
	metrics.Connection().SetState(string(StateDisconnected))
	return nil
}

// Reconnect forces a fresh connection attempt, resetting the retry
// counter first.
func (m *Manager) Reconnect(ctx context.Context) error {
	_ = m.Disconnect(ctx)
	m.mu.Lock()
	m.retryCount = 0
	m.mu.Unlock()
	return m.Connect(ctx)
}

// IsConnected reports whether the underlying broker reports connected and
// the manager agrees.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.brk.IsConnected() && m.state == StateConnected
}

// Status returns a snapshot of manager state for the HTTP status surface.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:           m.state,
		Connected:       m.brk.IsConnected() && m.state == StateConnected,
		RetryCount:      m.retryCount,
		LastConnectTime: m.lastConnectTime,
		LastError:       m.lastError,
		CircuitState:    m.breaker.State(),
		CircuitFailures: m.breaker.FailureCount(),
	}
}
