// Package alerts delivers operator notifications about a running search.
package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Severity grades an alert
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) level() zerolog.Level {
	switch s {
	case SeverityCritical:
		return zerolog.ErrorLevel
	case SeverityWarning:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// Alert is one notification about a search. ChainID is empty for alerts
// not tied to a chain, such as stats service outages.
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	ChainID   string
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter delivers alerts over one channel
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager delivers every alert on all of its channels
type Manager struct {
	alerters []Alerter
	now      func() time.Time
	log      zerolog.Logger
}

// NewManager creates a manager over alerters
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{
		alerters: alerters,
		now:      time.Now,
		log:      log.With().Str("component", "alerts").Logger(),
	}
}

// Send delivers alert on every channel. A failing channel does not stop the
// others; the failures are joined into the returned error.
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = m.now()
	}

	var errs []error
	for i, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.log.Error().
				Err(err).
				Int("channel", i).
				Str("title", alert.Title).
				Str("chain_id", alert.ChainID).
				Msg("Alert delivery failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Channels returns the number of delivery channels
func (m *Manager) Channels() int {
	return len(m.alerters)
}

// LogAlerter writes alerts to the structured log at a level matching
// their severity
type LogAlerter struct {
	log zerolog.Logger
}

// NewLogAlerter creates an alerter on the global logger
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{log: log.With().Str("component", "alerts").Logger()}
}

// Send logs alert
func (l *LogAlerter) Send(_ context.Context, alert Alert) error {
	event := l.log.WithLevel(alert.Severity.level()).
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Time("alert_time", alert.Timestamp)
	if alert.ChainID != "" {
		event = event.Str("chain_id", alert.ChainID)
	}
	event.Fields(alert.Metadata).Msg(alert.Message)
	return nil
}
