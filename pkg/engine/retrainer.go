package engine

import (
	"context"
	"errors"
	"time"

	"github.com/hed1ad/eventguard/pkg/detectors"
)

// Retrainer periodically retrains the engine once enough new events have
// arrived. It implements suture.Service.
type Retrainer struct {
	engine   *Engine
	interval time.Duration
	minNew   uint64
}

// NewRetrainer returns a Retrainer using the engine's configured interval
// and new-event threshold.
func NewRetrainer(e *Engine) *Retrainer {
	return &Retrainer{
		engine:   e,
		interval: e.cfg.RetrainInterval,
		minNew:   uint64(e.cfg.MinNewEvents),
	}
}

// Serve runs until ctx is done. Failed runs are logged and retried on the
// next tick; they do not stop the service.
func (r *Retrainer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// Tick trains once if enough events are pending or no model exists yet.
// It reports whether a new bundle was published.
func (r *Retrainer) Tick(ctx context.Context) (bool, error) {
	pending := r.engine.PendingEvents()
	if r.engine.Store().Active() != nil && pending < r.minNew {
		r.engine.log.Debug().Uint64("pending", pending).Msg("retrain skipped")
		return false, nil
	}
	_, err := r.engine.Train(ctx)
	if err != nil {
		if errors.Is(err, detectors.ErrInsufficientData) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *Retrainer) String() string { return "retrainer" }
