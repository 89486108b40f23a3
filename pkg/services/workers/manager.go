package workers

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"lifeline-dispatch/db"
	"lifeline-dispatch/pkg/presence"
	embeddednats "lifeline-dispatch/pkg/services/embedded-nats"
)

type Manager struct {
	workers []Worker
	nc      *nats.Conn
	js      nats.JetStreamContext
	wg      conc.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewManager wires the durable stream consumers: the presence projector
// feeding the live set, plus the recorders that persist dispatch and alert
// events for the audit trail.
func NewManager(natsClient *embeddednats.EmbeddedNATS, database *db.Service, liveSet *presence.LiveSet) (*Manager, error) {
	nc := natsClient.Connection()
	if nc == nil {
		return nil, fmt.Errorf("NATS connection not initialized")
	}

	js := natsClient.JetStream()
	if js == nil {
		return nil, fmt.Errorf("JetStream not initialized")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		nc:     nc,
		js:     js,
		ctx:    ctx,
		cancel: cancel,
		workers: []Worker{
			NewPresenceProjector(nc, js, liveSet),
			NewDispatchRecorder(nc, js, database),
			NewAlertRecorder(nc, js, database),
		},
	}, nil
}

func (m *Manager) Start() error {
	log.Info().Msg("Starting NATS workers...")

	for _, worker := range m.workers {
		w := worker
		m.wg.Go(func() {
			log.Info().Str("worker", w.Name()).Msg("Starting worker")
			if err := w.Start(m.ctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Str("worker", w.Name()).Msg("Worker error")
			}
			log.Info().Str("worker", w.Name()).Msg("Worker stopped")
		})
	}

	log.Info().Int("count", len(m.workers)).Msg("Started workers")
	return nil
}

func (m *Manager) Stop() error {
	log.Info().Msg("Stopping NATS workers...")

	m.cancel()

	for _, worker := range m.workers {
		if err := worker.Stop(); err != nil {
			log.Error().Err(err).Str("worker", worker.Name()).Msg("Error stopping worker")
		}
	}

	m.wg.Wait()

	log.Info().Msg("All workers stopped")
	return nil
}
