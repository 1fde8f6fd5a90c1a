package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aleister1102/anchorwatch/internal/models"
	"github.com/rs/zerolog"
)

// Sink delivers one alert to one recipient. A nil error means delivered.
type Sink interface {
	Send(ctx context.Context, recipient string, alert models.AlertEvent) error
	Name() string
}

// NopSink drops every alert. It is used when no delivery channel is configured.
type NopSink struct{}

func (NopSink) Send(context.Context, string, models.AlertEvent) error { return nil }
func (NopSink) Name() string                                          { return "nop" }

// MultiSink fans an alert out to several sinks. Delivery succeeds when any sink succeeds.
type MultiSink struct {
	sinks  []Sink
	logger zerolog.Logger
}

// NewMultiSink creates a MultiSink over sinks.
func NewMultiSink(logger zerolog.Logger, sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks, logger: logger.With().Str("component", "MultiSink").Logger()}
}

func (m *MultiSink) Name() string { return "multi" }

func (m *MultiSink) Send(ctx context.Context, recipient string, alert models.AlertEvent) error {
	if len(m.sinks) == 0 {
		return nil
	}
	var errs []error
	delivered := false
	for _, s := range m.sinks {
		if err := s.Send(ctx, recipient, alert); err != nil {
			m.logger.Warn().Err(err).Str("sink", s.Name()).Str("path", alert.Path).Msg("Alert sink failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		delivered = true
	}
	if delivered {
		return nil
	}
	return errors.Join(errs...)
}

// Dispatcher sends alerts in the background. Results are logged and never
// fed back into the caller.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. A non-positive timeout selects 30s.
func NewDispatcher(sink Sink, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if sink == nil {
		sink = NopSink{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		sink:    sink,
		timeout: timeout,
		logger:  logger.With().Str("component", "AlertDispatcher").Logger(),
	}
}

// Dispatch starts delivery of alert to recipient and returns immediately.
func (d *Dispatcher) Dispatch(recipient string, alert models.AlertEvent) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.sink.Send(ctx, recipient, alert); err != nil {
			d.logger.Error().Err(err).Str("path", alert.Path).Str("kind", string(alert.Kind)).Str("recipient", recipient).Msg("Alert delivery failed")
			return
		}
		d.logger.Info().Str("path", alert.Path).Str("kind", string(alert.Kind)).Str("recipient", recipient).Msg("Alert delivered")
	}()
}

// Wait blocks until every dispatched alert has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// RecordingSink keeps every alert it receives. It backs tests and dry runs.
type RecordingSink struct {
	mu   sync.Mutex
	sent []Delivery
	// Err, when set, is returned from every Send.
	Err error
}

// Delivery is one alert captured by RecordingSink.
type Delivery struct {
	Recipient string
	Alert     models.AlertEvent
}

func (r *RecordingSink) Name() string { return "recording" }

func (r *RecordingSink) Send(ctx context.Context, recipient string, alert models.AlertEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Delivery{Recipient: recipient, Alert: alert})
	return r.Err
}

// Deliveries returns a copy of everything received so far.
func (r *RecordingSink) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, len(r.sent))
	copy(out, r.sent)
	return out
}
