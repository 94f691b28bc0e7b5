package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/hed1ad/eventguard/pkg/event"
	eventio "github.com/hed1ad/eventguard/pkg/io"
)

// NewSupervisor returns a suture supervisor whose lifecycle events are
// logged through logger.
func NewSupervisor(name string, logger *slog.Logger) *suture.Supervisor {
	handler := &sutureslog.Handler{Logger: logger}
	return suture.New(name, suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
}

// StreamService scores every event of a source and writes the results to
// a sink. It implements suture.Service and completes when the source is
// exhausted.
type StreamService struct {
	Engine *Engine
	Source eventio.EventReader
	Sink   eventio.ResultWriter
	// OnlyAnomalies drops results below the anomaly threshold.
	OnlyAnomalies bool
}

type flusher interface{ Flush() error }

// Serve implements suture.Service. Buffered sinks are flushed whenever the
// stream goes idle.
func (s *StreamService) Serve(ctx context.Context) error {
	in, err := s.Source.Stream(ctx)
	if err != nil {
		return fmt.Errorf("stream: %w", err)
	}

	out := make(chan event.AnomalyResult, 64)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		errc <- s.Engine.AnalyzeStream(ctx, in, out)
	}()

	for res := range out {
		if s.OnlyAnomalies && !res.IsAnomaly {
			continue
		}
		if err := s.Sink.Write(res); err != nil {
			return fmt.Errorf("stream: write result: %w", err)
		}
		if f, ok := s.Sink.(flusher); ok && len(out) == 0 {
			if err := f.Flush(); err != nil {
				return fmt.Errorf("stream: flush: %w", err)
			}
		}
	}
	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return suture.ErrDoNotRestart
}

func (s *StreamService) String() string { return "stream" }

// MetricsService serves the prometheus registry over HTTP.
type MetricsService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewMetricsService returns a service exposing /metrics on addr.
func NewMetricsService(addr string) *MetricsService {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsService{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		shutdownTimeout: 5 * time.Second,
	}
}

// Serve implements suture.Service.
func (m *MetricsService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
		defer cancel()
		if err := m.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (m *MetricsService) String() string { return "metrics" }
