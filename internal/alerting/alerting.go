// Package alerting dispatches operator notifications for broker
// disconnects, order rejections, daily loss thresholds, and kill-switch
// activations, grounded on
// original_source/packages/alerting/__init__.py's AlertManager, with the
// per-alert-type rate limiter re-expressed with golang.org/x/time/rate.
// Webhook delivery is a single POST per alert; a failed delivery is not
// retried.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Severity is the alert urgency level.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Config configures the notifier's delivery channels and default rate
// limit.
type Config struct {
	SMTPAddr         string
	SMTPFrom         string
	EmailRecipients  []string
	WebhookURL       string
	RatePerMinute    float64
	DailyLossLimit   float64
	HTTPClient       *http.Client
}

// Alert is the payload dispatched to every configured channel.
type Alert struct {
	AlertType string
	Severity  Severity
	Message   string
	Details   map[string]any
	Timestamp time.Time
}

// Notifier sends alerts via email and/or webhook, rate-limiting repeats
// of the same alert type unless explicitly bypassed.
type Notifier struct {
	cfg Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewNotifier constructs a Notifier. A zero RatePerMinute defaults to the
// default 300-second (one per five minutes) window.
func NewNotifier(cfg Config) *Notifier {
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 0.2 // one per 300s
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

func (n *Notifier) limiterFor(alertType string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[alertType]
	if !ok {
		// Burst of 1: the first alert of a type always fires immediately,
		// matching the original "first alert always sent" behavior.
		l = rate.NewLimiter(rate.Limit(n.cfg.RatePerMinute/60.0), 1)
		n.limiters[alertType] = l
	}
	return l
}

// Send dispatches an alert through every configured channel, honoring
// the per-alert-type rate limit unless bypassRateLimit is set (the kill
// switch alert always bypasses it).
func (n *Notifier) Send(ctx context.Context, alertType string, severity Severity, message string, details map[string]any, bypassRateLimit bool) bool {
	if !bypassRateLimit && !n.limiterFor(alertType).Allow() {
		return false
	}

	alert := Alert{AlertType: alertType, Severity: severity, Message: message, Details: details, Timestamp: time.Now()}

	var sent bool
	if len(n.cfg.EmailRecipients) > 0 && n.cfg.SMTPAddr != "" {
		if err := n.sendEmail(alert); err == nil {
			sent = true
		}
	}
	if n.cfg.WebhookURL != "" {
		if err := n.sendWebhook(ctx, alert); err == nil {
			sent = true
		}
	}
	return sent
}

func (n *Notifier) sendEmail(a Alert) error {
	body := fmt.Sprintf("Subject: [%s] %s\r\n\r\n%s\r\n", a.Severity, a.AlertType, a.Message)
	return smtp.SendMail(n.cfg.SMTPAddr, nil, n.cfg.SMTPFrom, n.cfg.EmailRecipients, []byte(body))
}

func (n *Notifier) sendWebhook(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alerting: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// AlertBrokerDisconnect notifies operators of a lost broker connection.
func (n *Notifier) AlertBrokerDisconnect(ctx context.Context, errMsg string) bool {
	return n.Send(ctx, "broker_disconnect", SeverityCritical, "Broker connection lost: "+errMsg, nil, false)
}

// AlertOrderRejection notifies operators of a rejected proposal.
func (n *Notifier) AlertOrderRejection(ctx context.Context, proposalID, reason string, violatedRules []string) bool {
	return n.Send(ctx, "order_rejection", SeverityWarning, "Order rejected: "+reason, map[string]any{
		"proposal_id":    proposalID,
		"violated_rules": violatedRules,
	}, false)
}

// AlertDailyLossThreshold notifies operators when realized daily P&L
// breaches the configured threshold.
func (n *Notifier) AlertDailyLossThreshold(ctx context.Context, dailyPnL, threshold float64) bool {
	return n.Send(ctx, "daily_loss_threshold", SeverityCritical,
		fmt.Sprintf("Daily loss threshold breached: pnl=%.2f threshold=%.2f", dailyPnL, threshold),
		map[string]any{"daily_pnl": dailyPnL, "threshold": threshold}, false)
}

// AlertKillSwitchActivated notifies operators of a kill switch
// activation. This always bypasses rate limiting.
func (n *Notifier) AlertKillSwitchActivated(ctx context.Context, reason, activatedBy string) bool {
	return n.Send(ctx, "kill_switch_activated", SeverityCritical, "Kill switch activated: "+reason,
		map[string]any{"activated_by": activatedBy}, true)
}

// CanDispatch satisfies safety.AlertingSource.
func (n *Notifier) CanDispatch() (bool, error) {
	return n.cfg.WebhookURL != "" || (n.cfg.SMTPAddr != "" && len(n.cfg.EmailRecipients) > 0), nil
}
