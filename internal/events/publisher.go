// Package events publishes search progress on NATS so that dashboards and
// other processes can follow a run.
package events

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/filtertune/internal/optimizer"
	"github.com/ajitpratap0/filtertune/pkg/backtest"
	"github.com/ajitpratap0/filtertune/pkg/filters"
)

// Subjects under the prefix
const (
	SubjectBest  = "best"  // New global best within a run
	SubjectRun   = "run"   // Phase and run completion
	SubjectChain = "chain" // Chain completion
)

// EventType identifies the payload of an event
type EventType string

const (
	EventNewBest       EventType = "new_best"
	EventPhaseComplete EventType = "phase_complete"
	EventRunComplete   EventType = "run_complete"
	EventChainComplete EventType = "chain_complete"
)

// Config configures the publisher
type Config struct {
	URL    string
	Prefix string // Subject prefix (default: "filtertune.")
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		URL:    nats.DefaultURL,
		Prefix: "filtertune.",
	}
}

// Event is the envelope of every published message
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      EventType       `json:"type"`
	ChainID   string          `json:"chain_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// BestPayload announces a new best configuration
type BestPayload struct {
	Phase   optimizer.Phase   `json:"phase"`
	Score   float64           `json:"score"`
	Config  filters.Config    `json:"config"`
	Metrics *backtest.Metrics `json:"metrics,omitempty"`
}

// PhasePayload announces the end of a phase
type PhasePayload struct {
	Phase     optimizer.Phase `json:"phase"`
	BestScore *float64        `json:"best_score"`
}

// RunPayload announces the end of a chain run
type RunPayload struct {
	RunNumber  int           `json:"run_number"`
	RunID      string        `json:"run_id"`
	Score      *float64      `json:"score"`
	GlobalBest *float64      `json:"global_best"`
	Improved   bool          `json:"improved"`
	TestCount  int           `json:"test_count"`
	Runtime    time.Duration `json:"runtime"`
}

// ChainPayload announces the end of a chain
type ChainPayload struct {
	Runs       int            `json:"runs"`
	BestScore  *float64       `json:"best_score"`
	BestRun    int            `json:"best_run"`
	BestConfig filters.Config `json:"best_config,omitempty"`
	TotalTests int            `json:"total_tests"`
	Runtime    time.Duration  `json:"runtime"`
	StopReason string         `json:"stop_reason"`
}

// NewBestPayload builds the payload of a new best event
func NewBestPayload(phase optimizer.Phase, cfg filters.Config, score float64, metrics *backtest.Metrics) BestPayload {
	return BestPayload{
		Phase:   phase,
		Score:   score,
		Config:  cfg,
		Metrics: metrics,
	}
}

// NewPhasePayload builds the payload of a phase completion. A rejected
// best score is encoded as null.
func NewPhasePayload(phase optimizer.Phase, bestScore float64) PhasePayload {
	return PhasePayload{
		Phase:     phase,
		BestScore: finite(bestScore),
	}
}

// NewRunPayload builds the payload of a run completion
func NewRunPayload(run backtest.RunSummary, globalBest float64) RunPayload {
	return RunPayload{
		RunNumber:  run.RunNumber,
		RunID:      run.RunID,
		Score:      finite(run.Score),
		GlobalBest: finite(globalBest),
		Improved:   run.Improved,
		TestCount:  run.TestCount,
		Runtime:    run.Runtime,
	}
}

// NewChainPayload builds the payload of a chain completion
func NewChainPayload(report *backtest.ChainReport) ChainPayload {
	return ChainPayload{
		Runs:       len(report.Runs),
		BestScore:  finite(report.BestScore),
		BestRun:    report.BestRun,
		BestConfig: report.BestConfig,
		TotalTests: report.TotalTests,
		Runtime:    report.Runtime,
		StopReason: report.StopReason,
	}
}

// Publisher sends search events. It implements optimizer.Observer and
// chain.Reporter; publish failures are logged and never interrupt a search.
type Publisher struct {
	nc     *nats.Conn
	prefix string

	mu      sync.Mutex
	chainID string
}

// Connect dials NATS and returns a publisher
func Connect(cfg Config) (*Publisher, error) {
	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("filtertune"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1), // Infinite reconnects
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p := NewPublisher(nc, cfg.Prefix)
	log.Info().
		Str("nats_url", cfg.URL).
		Str("prefix", p.prefix).
		Msg("Event publisher initialized")
	return p, nil
}

// NewPublisher wraps an existing connection
func NewPublisher(nc *nats.Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = "filtertune."
	}
	return &Publisher{nc: nc, prefix: prefix}
}

// SetChainID tags subsequent events with a chain identifier
func (p *Publisher) SetChainID(id string) {
	p.mu.Lock()
	p.chainID = id
	p.mu.Unlock()
}

// Subject returns the full subject for a suffix
func (p *Publisher) Subject(suffix string) string {
	return p.prefix + suffix
}

// Publish sends one event
func (p *Publisher) Publish(subject string, typ EventType, payload interface{}) error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("event publisher not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	p.mu.Lock()
	chainID := p.chainID
	p.mu.Unlock()

	evt := Event{
		ID:        uuid.New(),
		Type:      typ,
		ChainID:   chainID,
		Timestamp: time.Now(),
		Payload:   data,
	}
	msg, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	full := p.Subject(subject)
	if err := p.nc.Publish(full, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	log.Debug().
		Str("event_id", evt.ID.String()).
		Str("type", string(typ)).
		Str("subject", full).
		Msg("Published event")
	return nil
}

func (p *Publisher) publishOrWarn(subject string, typ EventType, payload interface{}) {
	if err := p.Publish(subject, typ, payload); err != nil {
		log.Warn().Err(err).Str("type", string(typ)).Msg("Failed to publish event")
	}
}

// OnNewBest publishes a new best configuration
func (p *Publisher) OnNewBest(phase optimizer.Phase, cfg filters.Config, score float64, metrics *backtest.Metrics) {
	p.publishOrWarn(SubjectBest, EventNewBest, NewBestPayload(phase, cfg, score, metrics))
}

// OnPhase publishes a phase completion
func (p *Publisher) OnPhase(phase optimizer.Phase, bestScore float64) {
	p.publishOrWarn(SubjectRun, EventPhaseComplete, NewPhasePayload(phase, bestScore))
}

// OnRunComplete publishes a chain run completion
func (p *Publisher) OnRunComplete(chainID string, run backtest.RunSummary, globalBest float64) {
	p.SetChainID(chainID)
	p.publishOrWarn(SubjectRun, EventRunComplete, NewRunPayload(run, globalBest))
}

// OnChainComplete publishes the chain summary
func (p *Publisher) OnChainComplete(report *backtest.ChainReport) {
	p.SetChainID(report.ChainID)
	p.publishOrWarn(SubjectChain, EventChainComplete, NewChainPayload(report))
}

// Subscribe delivers every event under the prefix to handler
func (p *Publisher) Subscribe(handler func(subject string, evt *Event)) (*nats.Subscription, error) {
	sub, err := p.nc.Subscribe(p.prefix+">", func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Skipping malformed event")
			return
		}
		handler(msg.Subject, &evt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return sub, nil
}

// Flush waits until published events reach the server
func (p *Publisher) Flush() error {
	return p.nc.Flush()
}

// Close closes the connection
func (p *Publisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		log.Info().Msg("Event publisher closed")
	}
	return nil
}

func finite(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}
