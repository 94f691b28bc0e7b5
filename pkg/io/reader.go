// Package io defines the event sources and result sinks the engine is fed
// from and writes to. Concrete formats live in the subpackages.
package io

import (
	"context"

	"github.com/hed1ad/eventguard/pkg/event"
)

// EventReader is the interface for reading security events from various sources.
type EventReader interface {
	// Read returns every remaining event.
	Read() ([]event.SecurityEvent, error)

	// Stream returns a channel of events for real-time processing. The
	// channel is closed at end of input or when ctx is done.
	Stream(ctx context.Context) (<-chan event.SecurityEvent, error)

	// Close releases resources.
	Close() error
}

// ResultWriter is the interface for writing analysis results.
type ResultWriter interface {
	// Write outputs a single result.
	Write(result event.AnomalyResult) error

	// WriteAll outputs multiple results.
	WriteAll(results []event.AnomalyResult) error

	// Close flushes and releases resources.
	Close() error
}

// NextFunc yields records one at a time. ok is false at end of input, with
// err set when the input failed rather than ended. With ok true, a non-nil
// err marks a record that could not be decoded and is skipped.
type NextFunc func() (e event.SecurityEvent, ok bool, err error)

// Pump runs next in a goroutine and delivers decoded events on the
// returned channel until input ends or ctx is done. Skipped records and
// input failures are reported to skip, which may be nil.
func Pump(ctx context.Context, buffer int, next NextFunc, skip func(error)) <-chan event.SecurityEvent {
	out := make(chan event.SecurityEvent, buffer)

	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			e, ok, err := next()
			if err != nil && skip != nil {
				skip(err)
			}
			if !ok {
				return
			}
			if err != nil {
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Drain collects every event from next, skipping undecodable records.
// It stops at the first input failure.
func Drain(next NextFunc, skip func(error)) ([]event.SecurityEvent, error) {
	var events []event.SecurityEvent
	for {
		e, ok, err := next()
		if !ok {
			return events, err
		}
		if err != nil {
			if skip != nil {
				skip(err)
			}
			continue
		}
		events = append(events, e)
	}
}
