// Package ingestion runs the feed subscription loop and forwards matched
// liquidations to the sink.
package ingestion

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"liquidation-watch/internal/discovery"
	"liquidation-watch/internal/domain"
	"liquidation-watch/internal/observability"
	"liquidation-watch/internal/solana"
)

// Disconnect reasons, also used as metric labels.
const (
	reasonConnectError   = "connect_error"
	reasonSubscribeError = "subscribe_error"
	reasonStreamError    = "stream_error"
	reasonEOF            = "eof"
	reasonShutdown       = "shutdown"
)

// RecordWriter persists a matched liquidation.
type RecordWriter interface {
	Write(ctx context.Context, rec *domain.LiquidationRecord) error
}

// Runner is the subscription manager. It keeps one subscription alive
// forever, reconnecting with backoff, and processes updates one at a time.
// Run must not be called concurrently.
type Runner struct {
	dialer           solana.Dialer
	writer           RecordWriter
	request          solana.SubscribeRequest
	matcher          *discovery.Matcher
	backoff          backoff.BackOff
	connectTimeout   time.Duration
	subscribeTimeout time.Duration
	logger           *zap.Logger
	metrics          *observability.Metrics
	now              func() time.Time

	state    atomic.Int32
	attempts atomic.Int64
}

// RunnerOptions contains configuration for creating a Runner.
type RunnerOptions struct {
	Dialer  solana.Dialer
	Writer  RecordWriter
	Request solana.SubscribeRequest
	// Matcher defaults to the LendingAccountLiquidate marker.
	Matcher *discovery.Matcher
	// Backoff paces reconnects. Default: exponential, 500ms to 30s, never stops.
	Backoff backoff.BackOff
	// ConnectTimeout bounds each dial. Zero disables it.
	ConnectTimeout time.Duration
	// SubscribeTimeout bounds each subscribe call. Zero disables it.
	SubscribeTimeout time.Duration
	Logger           *zap.Logger
	Metrics          *observability.Metrics
	// Now stamps records. Default: time.Now.
	Now func() time.Time
}

// NewReconnectBackoff returns a jittered exponential backoff between initial
// and max that never gives up.
func NewReconnectBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if initial > 0 {
		b.InitialInterval = initial
	}
	if max > 0 {
		b.MaxInterval = max
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// NewRunner creates a new subscription manager.
func NewRunner(opts RunnerOptions) *Runner {
	matcher := opts.Matcher
	if matcher == nil {
		matcher = discovery.NewMatcher(discovery.LiquidationMarker)
	}

	bo := opts.Backoff
	if bo == nil {
		bo = NewReconnectBackoff(500*time.Millisecond, 30*time.Second)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Runner{
		dialer:           opts.Dialer,
		writer:           opts.Writer,
		request:          opts.Request,
		matcher:          matcher,
		backoff:          bo,
		connectTimeout:   opts.ConnectTimeout,
		subscribeTimeout: opts.SubscribeTimeout,
		logger:           logger,
		metrics:          opts.Metrics,
		now:              now,
	}
}

// State returns the current state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Attempts returns the number of connection attempts in the current cycle,
// including the one in progress. It restarts from zero after a streaming
// session ends.
func (r *Runner) Attempts() int64 {
	return r.attempts.Load()
}

// Run keeps the subscription alive until ctx is cancelled, then returns ctx.Err().
// Every connection, subscription, stream and sink failure is logged and retried.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("starting subscription manager",
		zap.String("filter", r.request.FilterKey),
		zap.Strings("account_include", r.request.Filter.AccountInclude),
		zap.String("commitment", r.request.Commitment),
		zap.String("marker", r.matcher.Marker()))

	r.backoff.Reset()
	r.setState(StateDisconnected)

	for {
		reason := r.session(ctx)
		r.setState(StateDisconnected)

		if ctx.Err() != nil {
			r.logger.Info("subscription manager stopped")
			return ctx.Err()
		}
		r.metrics.RecordDisconnect(reason)

		// Stop is treated as an immediate retry; the feed is never abandoned.
		wait := r.backoff.NextBackOff()
		if wait == backoff.Stop {
			wait = 0
		}

		r.logger.Info("reconnecting to feed",
			zap.String("reason", reason),
			zap.Duration("backoff", wait),
			zap.Int64("next_attempt", r.Attempts()+1))

		if err := sleep(ctx, wait); err != nil {
			r.logger.Info("subscription manager stopped")
			return err
		}
	}
}

// session runs one Disconnected → Connected → Streaming cycle and returns
// why it ended. The connection is always closed before returning.
func (r *Runner) session(ctx context.Context) string {
	attempt := r.attempts.Add(1)
	r.metrics.RecordConnectAttempt()

	conn, err := r.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return reasonShutdown
		}
		r.logger.Error("failed to connect to feed", zap.Int64("attempt", attempt), zap.Error(err))
		return reasonConnectError
	}
	defer func() {
		if err := conn.Close(); err != nil {
			r.logger.Debug("close feed connection", zap.Error(err))
		}
	}()

	r.setState(StateConnected)
	r.logger.Info("connected to feed", zap.Int64("attempt", attempt))

	stream, err := r.subscribe(ctx, conn)
	if err != nil {
		if ctx.Err() != nil {
			return reasonShutdown
		}
		r.logger.Error("failed to subscribe", zap.Int64("attempt", attempt), zap.Error(err))
		return reasonSubscribeError
	}

	r.setState(StateStreaming)
	r.backoff.Reset()
	r.logger.Info("subscription streaming", zap.String("filter", r.request.FilterKey))

	reason := r.consume(ctx, stream)
	r.attempts.Store(0)
	return reason
}

func (r *Runner) connect(ctx context.Context) (solana.Conn, error) {
	if r.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.connectTimeout)
		defer cancel()
	}
	return r.dialer.Dial(ctx)
}

func (r *Runner) subscribe(ctx context.Context, conn solana.Conn) (solana.Stream, error) {
	if r.subscribeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.subscribeTimeout)
		defer cancel()
	}
	return conn.Subscribe(ctx, r.request)
}

// consume processes updates strictly in order until the stream fails or ends.
func (r *Runner) consume(ctx context.Context, stream solana.Stream) string {
	for {
		update, err := stream.Recv(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return reasonShutdown
			case errors.Is(err, io.EOF):
				r.logger.Warn("feed stream ended")
				return reasonEOF
			default:
				r.logger.Error("feed stream error", zap.Error(err))
				return reasonStreamError
			}
		}

		r.handle(ctx, update)
	}
}

// handle filters one update and writes a matched record. Failures are logged only.
func (r *Runner) handle(ctx context.Context, update *solana.Update) {
	if update == nil {
		return
	}

	var slot uint64
	var signature string
	if update.Transaction != nil {
		slot = update.Transaction.Slot
		signature = update.Transaction.Signature
	}
	r.metrics.RecordUpdate(update.Kind.String(), slot)

	if update.Kind != solana.UpdateKindTransaction {
		r.logger.Debug("ignoring non-transaction update", zap.String("method", update.Method))
		return
	}

	out := r.matcher.Extract(update, r.now())
	r.metrics.RecordOutcome(out.Kind.String())

	switch out.Kind {
	case discovery.OutcomeUnparseable:
		r.logger.Warn("skipping unparseable transaction",
			zap.String("signature", signature),
			zap.Uint64("slot", slot),
			zap.Error(out.Err))

	case discovery.OutcomeMatched:
		if err := r.writer.Write(ctx, out.Record); err != nil {
			r.logger.Error("failed to write liquidation",
				zap.String("signature", out.Record.Signature),
				zap.String("signer", out.Record.Signer),
				zap.Error(err))
			return
		}
		r.logger.Info("liquidation recorded",
			zap.String("signature", out.Record.Signature),
			zap.String("signer", out.Record.Signer),
			zap.Uint64("slot", slot))
	}
}

func (r *Runner) setState(s State) {
	prev := State(r.state.Swap(int32(s)))
	if prev != s {
		r.logger.Debug("state transition", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
	r.metrics.SetSubscriptionState(int(s))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
