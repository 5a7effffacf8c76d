package events

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/filtertune/internal/chain"
	"github.com/ajitpratap0/filtertune/internal/optimizer"
	"github.com/ajitpratap0/filtertune/pkg/backtest"
	"github.com/ajitpratap0/filtertune/pkg/filters"
)

type received struct {
	subject string
	event   *Event
}

func setupPublisher(t *testing.T) (*Publisher, <-chan received) {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)

	pub, err := Connect(Config{URL: ns.ClientURL(), Prefix: "test.filtertune."})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	ch := make(chan received, 16)
	sub, err := pub.Subscribe(func(subject string, evt *Event) {
		ch <- received{subject: subject, event: evt}
	})
	require.NoError(t, err)
	require.NoError(t, pub.Flush())
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return pub, ch
}

func next(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return received{}
	}
}

func TestPublishNewBest(t *testing.T) {
	pub, ch := setupPublisher(t)
	pub.SetChainID("chain-1")

	cfg := filters.NewConfig().MustSet("Min AG Score", filters.Num(6))
	pub.OnNewBest(optimizer.PhaseSweep, cfg, 37.6, &backtest.Metrics{TotalTokens: 1200})

	r := next(t, ch)
	assert.Equal(t, "test.filtertune.best", r.subject)
	assert.Equal(t, EventNewBest, r.event.Type)
	assert.Equal(t, "chain-1", r.event.ChainID)
	assert.NotEmpty(t, r.event.ID)

	var payload BestPayload
	require.NoError(t, json.Unmarshal(r.event.Payload, &payload))
	assert.Equal(t, optimizer.PhaseSweep, payload.Phase)
	assert.Equal(t, 37.6, payload.Score)
	assert.True(t, cfg.Equal(payload.Config))
	require.NotNil(t, payload.Metrics)
	assert.Equal(t, 1200, payload.Metrics.TotalTokens)
}

func TestPublishPhaseWithRejectedScore(t *testing.T) {
	pub, ch := setupPublisher(t)

	pub.OnPhase(optimizer.PhaseBaseline, math.Inf(-1))

	r := next(t, ch)
	assert.Equal(t, "test.filtertune.run", r.subject)
	assert.Equal(t, EventPhaseComplete, r.event.Type)

	var payload PhasePayload
	require.NoError(t, json.Unmarshal(r.event.Payload, &payload))
	assert.Equal(t, optimizer.PhaseBaseline, payload.Phase)
	assert.Nil(t, payload.BestScore)
}

func TestPublishRunAndChain(t *testing.T) {
	pub, ch := setupPublisher(t)

	pub.OnRunComplete("chain-9", backtest.RunSummary{
		RunNumber: 2,
		RunID:     "run-2",
		Score:     12.5,
		TestCount: 40,
		Runtime:   time.Minute,
		Improved:  true,
	}, 12.5)

	r := next(t, ch)
	assert.Equal(t, "test.filtertune.run", r.subject)
	assert.Equal(t, EventRunComplete, r.event.Type)
	assert.Equal(t, "chain-9", r.event.ChainID)

	var run RunPayload
	require.NoError(t, json.Unmarshal(r.event.Payload, &run))
	assert.Equal(t, 2, run.RunNumber)
	require.NotNil(t, run.GlobalBest)
	assert.Equal(t, 12.5, *run.GlobalBest)
	assert.True(t, run.Improved)

	pub.OnChainComplete(&backtest.ChainReport{
		ChainID:    "chain-9",
		Runs:       []backtest.RunSummary{{RunNumber: 1}, {RunNumber: 2}},
		BestScore:  12.5,
		BestRun:    2,
		TotalTests: 80,
		StopReason: optimizer.StopCompleted,
	})

	r = next(t, ch)
	assert.Equal(t, "test.filtertune.chain", r.subject)
	assert.Equal(t, EventChainComplete, r.event.Type)

	var chain ChainPayload
	require.NoError(t, json.Unmarshal(r.event.Payload, &chain))
	assert.Equal(t, 2, chain.Runs)
	assert.Equal(t, 80, chain.TotalTests)
	assert.Equal(t, optimizer.StopCompleted, chain.StopReason)
}

func TestPublishWhenDisconnected(t *testing.T) {
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	defer ns.Shutdown()

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	pub := NewPublisher(nc, "")
	assert.Equal(t, "filtertune.best", pub.Subject(SubjectBest))

	nc.Close()
	err = pub.Publish(SubjectBest, EventNewBest, BestPayload{})
	assert.Error(t, err)

	// observer callbacks swallow the error
	assert.NotPanics(t, func() { pub.OnPhase(optimizer.PhaseSweep, 1) })
}

func TestPublisherImplementsCallbacks(t *testing.T) {
	var _ optimizer.Observer = (*Publisher)(nil)
	var _ chain.Reporter = (*Publisher)(nil)
}
