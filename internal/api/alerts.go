package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AaronLay10/SentientSequencer/internal/logging"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

const (
	AlertMQTTDisconnected    = "mqtt_disconnected"
	AlertPostgresUnavailable = "postgres_unavailable"
	AlertServersMissing      = "servers_missing"
)

// AlertPayload is the JSON body posted to the webhook.
type AlertPayload struct {
	Station   string                 `json:"station"`
	Event     string                 `json:"event"`
	Timestamp string                 `json:"timestamp"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AlertConfig holds webhook settings. Delays are how long a dependency must
// stay down before an alert goes out.
type AlertConfig struct {
	WebhookURL              string
	MQTTDisconnectDelay     time.Duration
	PostgresDisconnectDelay time.Duration
	ServersMissingDelay     time.Duration
}

// AlertConfigFromEnv reads SEQUENCER_ALERT_WEBHOOK_URL and the optional
// SEQUENCER_MQTT_ALERT_DELAY, SEQUENCER_POSTGRES_ALERT_DELAY and
// SEQUENCER_SERVERS_ALERT_DELAY durations.
func AlertConfigFromEnv() AlertConfig {
	cfg := AlertConfig{
		WebhookURL:              os.Getenv("SEQUENCER_ALERT_WEBHOOK_URL"),
		MQTTDisconnectDelay:     30 * time.Second,
		PostgresDisconnectDelay: 5 * time.Second,
		ServersMissingDelay:     30 * time.Second,
	}
	for env, dst := range map[string]*time.Duration{
		"SEQUENCER_MQTT_ALERT_DELAY":     &cfg.MQTTDisconnectDelay,
		"SEQUENCER_POSTGRES_ALERT_DELAY": &cfg.PostgresDisconnectDelay,
		"SEQUENCER_SERVERS_ALERT_DELAY":  &cfg.ServersMissingDelay,
	} {
		if v := os.Getenv(env); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			} else {
				logging.Warn("invalid alert delay", zap.String("env", env), zap.String("value", v))
			}
		}
	}
	return cfg
}

// outage tracks one dependency's down time and whether it was alerted.
type outage struct {
	event    string
	severity string
	message  string
	delay    time.Duration

	since   time.Time
	alerted bool
}

// Alerter posts webhook alerts when a dependency stays down past its delay,
// and a recovery alert when it comes back.
type Alerter struct {
	cfg     AlertConfig
	station string
	client  *http.Client
	now     func() time.Time
	send    func(AlertPayload)

	mu       sync.Mutex
	mqtt     outage
	postgres outage
	servers  outage

	wg sync.WaitGroup
}

func NewAlerter(cfg AlertConfig, station string) *Alerter {
	if station == "" {
		station = "unknown"
	}
	a := &Alerter{
		cfg:      cfg,
		station:  station,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
		mqtt:     outage{event: AlertMQTTDisconnected, severity: SeverityWarning, message: "MQTT broker disconnected", delay: cfg.MQTTDisconnectDelay},
		postgres: outage{event: AlertPostgresUnavailable, severity: SeverityCritical, message: "PostgreSQL unavailable", delay: cfg.PostgresDisconnectDelay},
		servers:  outage{event: AlertServersMissing, severity: SeverityWarning, message: "Required servers not connected", delay: cfg.ServersMissingDelay},
	}
	a.send = a.post
	if cfg.WebhookURL != "" {
		logging.Info("alerts enabled",
			zap.Duration("mqtt_delay", cfg.MQTTDisconnectDelay),
			zap.Duration("postgres_delay", cfg.PostgresDisconnectDelay),
			zap.Duration("servers_delay", cfg.ServersMissingDelay))
	}
	return a
}

func (a *Alerter) CheckMQTT(connected bool) {
	a.check(&a.mqtt, connected, nil)
}

func (a *Alerter) CheckPostgres(connected bool) {
	a.check(&a.postgres, connected, nil)
}

// CheckServers alerts while required servers are missing.
func (a *Alerter) CheckServers(missing []string) {
	var details map[string]interface{}
	if len(missing) > 0 {
		details = map[string]interface{}{"servers": missing}
	}
	a.check(&a.servers, len(missing) == 0, details)
}

func (a *Alerter) check(o *outage, ok bool, details map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if ok {
		if o.alerted {
			a.dispatch(o.event, SeverityInfo, o.message+": recovered", map[string]interface{}{
				"recovered_at": now.UTC().Format(time.RFC3339),
			})
		}
		o.since = time.Time{}
		o.alerted = false
		return
	}

	if o.since.IsZero() {
		o.since = now
	}
	down := now.Sub(o.since)
	if o.alerted || down < o.delay {
		return
	}
	o.alerted = true
	d := map[string]interface{}{
		"down_since":   o.since.UTC().Format(time.RFC3339),
		"down_seconds": int(down.Seconds()),
	}
	for k, v := range details {
		d[k] = v
	}
	a.dispatch(o.event, o.severity, o.message, d)
}

// dispatch never blocks the caller.
func (a *Alerter) dispatch(event, severity, msg string, details map[string]interface{}) {
	p := AlertPayload{
		Station:   a.station,
		Event:     event,
		Timestamp: a.now().UTC().Format(time.RFC3339),
		Severity:  severity,
		Message:   msg,
		Details:   details,
	}
	if a.cfg.WebhookURL == "" {
		logging.Warn("alert", zap.String("event", event), zap.String("severity", severity),
			zap.String("msg", msg), zap.Any("details", details))
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.send(p)
	}()
}

func (a *Alerter) post(p AlertPayload) {
	body, err := json.Marshal(p)
	if err != nil {
		logging.Error("alert marshal failed", zap.Error(err))
		return
	}
	resp, err := a.client.Post(a.cfg.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		logging.Warn("alert webhook failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logging.Warn("alert webhook rejected", zap.Int("status", resp.StatusCode))
	}
}

// Watch samples r every interval until ctx ends.
func (a *Alerter) Watch(ctx context.Context, r *Readiness, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			a.wg.Wait()
			return
		case <-t.C:
			st := r.Check()
			if st.MQTT != "optional" {
				a.CheckMQTT(r.MQTTConnected())
			}
			if st.Postgres != "optional" {
				a.CheckPostgres(r.PostgresConnected())
			}
			a.CheckServers(st.MissingServers)
		}
	}
}
