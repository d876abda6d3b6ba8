// Package worker runs one instance's connect → listen → fetch → dispatch
// loop. Per-message failures are logged and skipped; anything touching
// the subscription connection terminates the worker and lets the
// supervisor restart it with a fresh connection.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rpmautosales/inquiry-notifier/internal/dispatch"
	"github.com/rpmautosales/inquiry-notifier/internal/instance"
	"github.com/rpmautosales/inquiry-notifier/internal/pglisten"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// State is where the worker currently is in its lifecycle. Transitions
// are logged so an instance's history can be reconstructed from logs.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateListening    State = "listening"
	StateProcessing   State = "processing"
	StateFailed       State = "failed"
)

// Session is one live subscription; *pglisten.Session satisfies it.
type Session interface {
	WaitEvent(ctx context.Context) (pglisten.Event, error)
	FetchRecord(ctx context.Context, id int64) (pglisten.Record, error)
	Close(ctx context.Context) error
}

// ConnectFunc opens a fresh session. Called once per worker run.
type ConnectFunc func(ctx context.Context) (Session, error)

type Worker struct {
	cfg     instance.Config
	connect ConnectFunc
	sink    dispatch.Sink
	logger  *slog.Logger

	state State
}

func New(cfg instance.Config, connect ConnectFunc, sink dispatch.Sink, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:     cfg,
		connect: connect,
		sink:    sink,
		logger:  logger.With("instance", cfg.Name),
		state:   StateDisconnected,
	}
}

// Run drives the loop until the context is cancelled (returns nil) or an
// instance-fatal error occurs (returns the failure reason). Events are
// handled strictly one at a time in arrival order. A panic anywhere in
// the loop is converted into a failure so the supervisor restarts the
// instance instead of the process dying.
func (w *Worker) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.transition(StateFailed)
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	w.transition(StateConnecting)
	sess, err := w.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		w.transition(StateFailed)
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sess.Close(closeCtx)
	}()

	w.transition(StateListening)
	w.logger.Info("listening for notifications", "channel", w.cfg.Channel, "table", w.cfg.Table)

	for {
		ev, err := sess.WaitEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, pglisten.ErrBadPayload) {
				// One malformed payload must not stop the stream.
				w.logger.Error("dropping notification", "err", err)
				continue
			}
			w.transition(StateFailed)
			return err
		}

		w.transition(StateProcessing)
		if err := w.process(ctx, sess, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.transition(StateFailed)
			return err
		}
		w.transition(StateListening)
	}
}

func (w *Worker) process(ctx context.Context, sess Session, ev pglisten.Event) error {
	eventID := uuid.NewString()
	ctx, span := otel.Tracer("worker").Start(ctx, "event.process",
		trace.WithAttributes(
			attribute.String("instance", w.cfg.Name),
			attribute.Int64("record.id", ev.ID),
			attribute.String("event.id", eventID),
		),
	)
	defer span.End()

	log := w.logger.With("event_id", eventID, "record_id", ev.ID)

	rec, err := sess.FetchRecord(ctx, ev.ID)
	if err != nil {
		if errors.Is(err, pglisten.ErrRecordNotFound) {
			// Row deleted between notify and fetch; drop the event.
			log.Warn("record gone before fetch", "err", err)
			span.RecordError(err)
			return nil
		}
		span.RecordError(err)
		return err
	}

	if err := w.sink.Send(ctx, w.cfg, rec); err != nil {
		if isMessageLevel(err) {
			log.Error("dispatch failed, dropping event", "err", err)
			span.RecordError(err)
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("dispatch record %d: %w", ev.ID, err)
	}

	log.Info("email sent", "to", w.cfg.ToEmail)
	return nil
}

// Auth and delivery failures are scoped to a single message. Everything
// else that escapes the sink is unexpected and instance-fatal.
func isMessageLevel(err error) bool {
	var authErr *dispatch.AuthError
	var delErr *dispatch.DeliveryError
	return errors.As(err, &authErr) || errors.As(err, &delErr)
}

func (w *Worker) transition(to State) {
	if w.state == to {
		return
	}
	w.logger.Debug("state transition", "from", string(w.state), "to", string(to))
	w.state = to
}
