package ingestion

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidation-watch/internal/discovery"
	"liquidation-watch/internal/domain"
	"liquidation-watch/internal/observability"
	"liquidation-watch/internal/sink"
	"liquidation-watch/internal/solana"
	"liquidation-watch/internal/storage/memory"
)

// streamItem is one scripted Recv result.
type streamItem struct {
	update *solana.Update
	err    error
}

// fakeStream replays items, then calls onDrained and blocks until ctx ends.
type fakeStream struct {
	items     []streamItem
	onDrained func()
}

func (s *fakeStream) Recv(ctx context.Context) (*solana.Update, error) {
	if len(s.items) > 0 {
		item := s.items[0]
		s.items = s.items[1:]
		return item.update, item.err
	}
	if s.onDrained != nil {
		s.onDrained()
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeConn struct {
	mu           sync.Mutex
	subscribeErr error
	stream       solana.Stream
	closed       bool
	requests     []solana.SubscribeRequest
}

func (c *fakeConn) Subscribe(_ context.Context, req solana.SubscribeRequest) (solana.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	return c.stream, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer hands out scripted connections in order; nil entries fail to dial.
type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	dials  int
	onDial func()
}

func (d *fakeDialer) Dial(context.Context) (solana.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.onDial != nil {
		d.onDial()
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no more connections")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	if conn == nil {
		return nil, errors.New("connection refused")
	}
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// scriptedWriter fails the calls whose index is in failOn.
type scriptedWriter struct {
	calls   []*domain.LiquidationRecord
	failOn  map[int]bool
	written []*domain.LiquidationRecord
}

func (w *scriptedWriter) Write(_ context.Context, rec *domain.LiquidationRecord) error {
	idx := len(w.calls)
	w.calls = append(w.calls, rec)
	if w.failOn[idx] {
		return errors.New("sink unavailable")
	}
	w.written = append(w.written, rec)
	return nil
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func signatureOf(b byte) string {
	return base58.Encode(bytes.Repeat([]byte{b}, 64))
}

func liquidationUpdate(t *testing.T, payer sol.PublicKey, sig string) *solana.Update {
	t.Helper()
	return transactionUpdate(t, payer, sig, []string{"Program log: Instruction: LendingAccountLiquidate"})
}

func transactionUpdate(t *testing.T, payer sol.PublicKey, sig string, logs []string) *solana.Update {
	t.Helper()

	program := sol.MustPublicKeyFromBase58(discovery.MarginfiV2)
	tx, err := sol.NewTransaction(
		[]sol.Instruction{
			sol.NewInstruction(program, sol.AccountMetaSlice{sol.Meta(payer).SIGNER().WRITE()}, []byte{1}),
		},
		sol.Hash{},
		sol.TransactionPayer(payer),
	)
	require.NoError(t, err)

	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	data, err := json.Marshal([]string{base64.StdEncoding.EncodeToString(raw), "base64"})
	require.NoError(t, err)

	var envelope rpc.TransactionResultEnvelope
	require.NoError(t, json.Unmarshal(data, &envelope))

	return &solana.Update{
		Kind:   solana.UpdateKindTransaction,
		Method: "transactionNotification",
		Transaction: &solana.TransactionUpdate{
			Signature:   sig,
			Slot:        250000000,
			Transaction: &envelope,
			Meta:        &rpc.TransactionMeta{LogMessages: logs},
		},
	}
}

func testRequest() solana.SubscribeRequest {
	return solana.SubscribeRequest{
		FilterKey:  discovery.MarginfiV2,
		Filter:     solana.TransactionFilter{AccountInclude: []string{discovery.MarginfiV2}},
		Commitment: solana.CommitmentConfirmed,
	}
}

func newTestRunner(dialer solana.Dialer, writer RecordWriter, metrics *observability.Metrics) *Runner {
	return NewRunner(RunnerOptions{
		Dialer:  dialer,
		Writer:  writer,
		Request: testRequest(),
		Backoff: &backoff.ZeroBackOff{},
		Metrics: metrics,
		Now:     func() time.Time { return fixedNow },
	})
}

func runUntilDone(t *testing.T, r *Runner, ctx context.Context) {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_SubscribeFailsTwiceThenStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runner *Runner
	var stateAtStream State
	var attemptsAtStream int64

	stream := &fakeStream{onDrained: func() {
		stateAtStream = runner.State()
		attemptsAtStream = runner.Attempts()
		cancel()
	}}

	conn1 := &fakeConn{subscribeErr: errors.New("subscribe rejected")}
	conn2 := &fakeConn{subscribeErr: errors.New("subscribe rejected")}
	conn3 := &fakeConn{stream: stream}
	dialer := &fakeDialer{conns: []*fakeConn{conn1, conn2, conn3}}

	runner = newTestRunner(dialer, &scriptedWriter{}, nil)
	assert.Equal(t, StateDisconnected, runner.State())

	runUntilDone(t, runner, ctx)

	assert.Equal(t, StateStreaming, stateAtStream)
	assert.Equal(t, int64(3), attemptsAtStream)
	assert.Equal(t, 3, dialer.dialCount())
	assert.True(t, conn1.isClosed(), "failed connection must be discarded")
	assert.True(t, conn2.isClosed(), "failed connection must be discarded")
	assert.True(t, conn3.isClosed())
	assert.Equal(t, StateDisconnected, runner.State())
	assert.Equal(t, testRequest(), conn3.requests[0])
}

// recordingBackoff returns 1ms, 2ms, 3ms... and logs every call.
type recordingBackoff struct {
	mu     sync.Mutex
	n      int
	events []string
}

func (b *recordingBackoff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n++
	d := time.Duration(b.n) * time.Millisecond
	b.events = append(b.events, d.String())
	return d
}

func (b *recordingBackoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n = 0
	b.events = append(b.events, "reset")
}

func TestRunner_StreamingResetsBackoffAndAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bo := &recordingBackoff{}
	var runner *Runner
	var attempts []int64

	dialer := &fakeDialer{
		conns: []*fakeConn{
			nil,
			nil,
			{stream: &fakeStream{items: []streamItem{{err: io.EOF}}}},
			nil,
			{stream: &fakeStream{onDrained: cancel}},
		},
		onDial: func() { attempts = append(attempts, runner.Attempts()) },
	}

	runner = NewRunner(RunnerOptions{
		Dialer:  dialer,
		Writer:  &scriptedWriter{},
		Request: testRequest(),
		Backoff: bo,
	})
	runUntilDone(t, runner, ctx)

	assert.Equal(t, []int64{1, 2, 3, 1, 2}, attempts, "attempts restart after a streaming session")
	assert.Equal(t,
		[]string{"reset", "1ms", "2ms", "reset", "1ms", "2ms", "reset"},
		bo.events,
		"backoff restarts from the initial delay after streaming")
	assert.Equal(t, int64(0), runner.Attempts())
}

func TestRunner_ConnectFailureRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := &fakeStream{onDrained: cancel}
	dialer := &fakeDialer{conns: []*fakeConn{nil, nil, {stream: stream}}}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("", reg)
	runner := newTestRunner(dialer, &scriptedWriter{}, metrics)

	runUntilDone(t, runner, ctx)

	assert.Equal(t, 3, dialer.dialCount())
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.ConnectAttempts))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Disconnects.WithLabelValues(reasonConnectError)))
}

func TestRunner_StreamErrorReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn1 := &fakeConn{stream: &fakeStream{items: []streamItem{{err: errors.New("connection reset")}}}}
	conn2 := &fakeConn{stream: &fakeStream{items: []streamItem{{err: io.EOF}}}}
	conn3 := &fakeConn{stream: &fakeStream{onDrained: cancel}}
	dialer := &fakeDialer{conns: []*fakeConn{conn1, conn2, conn3}}

	runner := newTestRunner(dialer, &scriptedWriter{}, nil)
	runUntilDone(t, runner, ctx)

	assert.Equal(t, 3, dialer.dialCount())
	assert.True(t, conn1.isClosed())
	assert.True(t, conn2.isClosed())
}

func TestRunner_SinkFailureDoesNotStopProcessing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payer := sol.NewWallet().PublicKey()
	stream := &fakeStream{
		items: []streamItem{
			{update: liquidationUpdate(t, payer, signatureOf(1))},
			{update: liquidationUpdate(t, payer, signatureOf(2))},
		},
		onDrained: cancel,
	}
	dialer := &fakeDialer{conns: []*fakeConn{{stream: stream}}}
	writer := &scriptedWriter{failOn: map[int]bool{0: true}}

	runner := newTestRunner(dialer, writer, nil)
	runUntilDone(t, runner, ctx)

	require.Len(t, writer.calls, 2, "second record must still be attempted")
	require.Len(t, writer.written, 1)
	assert.Equal(t, signatureOf(2), writer.written[0].Signature)
	assert.Equal(t, 1, dialer.dialCount(), "sink failure must not force a reconnect")
}

func TestRunner_SkipsUnmatchedAndUnparseable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payer := sol.NewWallet().PublicKey()
	partial := liquidationUpdate(t, payer, signatureOf(3))
	partial.Transaction.Meta = nil

	stream := &fakeStream{
		items: []streamItem{
			{update: &solana.Update{Kind: solana.UpdateKindOther, Method: "slotNotification"}},
			{update: transactionUpdate(t, payer, signatureOf(1), []string{"Program log: Instruction: LendingAccountDeposit"})},
			{update: liquidationUpdate(t, payer, "not-a-signature")},
			{update: partial},
			{update: liquidationUpdate(t, payer, signatureOf(4))},
		},
		onDrained: cancel,
	}
	dialer := &fakeDialer{conns: []*fakeConn{{stream: stream}}}
	writer := &scriptedWriter{}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("", reg)
	runner := newTestRunner(dialer, writer, metrics)
	runUntilDone(t, runner, ctx)

	require.Len(t, writer.written, 1)
	assert.Equal(t, signatureOf(4), writer.written[0].Signature)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.UpdatesReceived.WithLabelValues("other")))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.UpdatesReceived.WithLabelValues("transaction")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Outcomes.WithLabelValues("unparseable")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Outcomes.WithLabelValues("unmatched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Outcomes.WithLabelValues("matched")))
	assert.Equal(t, 1, dialer.dialCount())
}

func TestRunner_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payer := sol.NewWallet().PublicKey()
	sig := base58.Encode(bytes.Repeat([]byte{0xAB}, 64))

	stream := &fakeStream{
		items:     []streamItem{{update: liquidationUpdate(t, payer, sig)}},
		onDrained: cancel,
	}
	dialer := &fakeDialer{conns: []*fakeConn{{stream: stream}}}

	store := memory.NewLiquidationStore()
	writer := sink.NewWriter(sink.WriterOptions{Store: store})

	runner := newTestRunner(dialer, writer, nil)
	runUntilDone(t, runner, ctx)

	all := store.All()
	require.Len(t, all, 1, "record handed to the sink exactly once")
	assert.Equal(t, domain.LiquidationRecord{
		TimeNanos: uint64(fixedNow.UnixNano()),
		Signer:    payer.String(),
		Signature: sig,
	}, *all[0])
}

func TestRunner_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	dialer := &fakeDialer{}
	runner := NewRunner(RunnerOptions{
		Dialer:  dialer,
		Writer:  &scriptedWriter{},
		Request: testRequest(),
		Backoff: backoff.NewConstantBackOff(time.Hour),
	})

	go func() {
		for dialer.dialCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	runUntilDone(t, runner, ctx)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestNewReconnectBackoff(t *testing.T) {
	b := NewReconnectBackoff(100*time.Millisecond, time.Second)

	assert.Equal(t, time.Duration(0), b.MaxElapsedTime)
	for i := 0; i < 50; i++ {
		d := b.NextBackOff()
		require.NotEqual(t, backoff.Stop, d)
		assert.LessOrEqual(t, d, time.Second+time.Second/2, "capped at max plus jitter")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "unknown", State(9).String())
}
