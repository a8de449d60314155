package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	methodTransactionSubscribe    = "transactionSubscribe"
	methodTransactionNotification = "transactionNotification"

	// accessTokenHeader carries the feed access token on the handshake.
	accessTokenHeader = "x-token"
)

// ErrClosed is returned by operations on a closed connection or stream.
var ErrClosed = errors.New("feed connection closed")

// WSConfig configures WebSocket feed connections.
type WSConfig struct {
	// AccessToken is sent as the x-token header. Empty disables the header.
	AccessToken string
	// HandshakeTimeout bounds the WebSocket handshake.
	HandshakeTimeout time.Duration
	// SubscribeTimeout bounds the wait for a subscription confirmation. Zero waits forever.
	SubscribeTimeout time.Duration
	// PingInterval is interval for sending ping frames. Zero disables pings.
	PingInterval time.Duration
	// ReadTimeout is the read deadline, extended on every message and pong. Zero disables it.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// StreamBuffer is the number of updates buffered per stream.
	StreamBuffer int
	// Logger receives connection diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		HandshakeTimeout: 10 * time.Second,
		SubscribeTimeout: 30 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// WSDialer implements Dialer over the enhanced WebSocket transaction API.
type WSDialer struct {
	endpoint string
	config   WSConfig
}

// NewWSDialer creates a dialer for the given endpoint. A nil config uses DefaultWSConfig.
func NewWSDialer(endpoint string, config *WSConfig) *WSDialer {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	return &WSDialer{endpoint: endpoint, config: cfg}
}

// Compile-time interface checks.
var (
	_ Dialer = (*WSDialer)(nil)
	_ Conn   = (*WSConn)(nil)
	_ Stream = (*WSStream)(nil)
)

// Dial establishes a new connection.
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	return Dial(ctx, d.endpoint, &d.config)
}

// WSConn is one WebSocket connection to the transaction feed.
type WSConn struct {
	config WSConfig
	logger *zap.Logger
	conn   *websocket.Conn

	writeMu   sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64

	// pending maps request ID to a subscription awaiting confirmation;
	// streams maps confirmed subscription IDs to their stream.
	mu      sync.Mutex
	pending map[uint64]*pendingSubscription
	streams map[int64]*WSStream

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

type pendingSubscription struct {
	stream *WSStream
	result chan error
}

// Dial connects to the feed endpoint. A nil config uses DefaultWSConfig.
func Dial(ctx context.Context, endpoint string, config *WSConfig) (*WSConn, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	header := http.Header{}
	if cfg.AccessToken != "" {
		header.Set(accessTokenHeader, cfg.AccessToken)
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &WSConn{
		config:  cfg,
		logger:  logger,
		conn:    conn,
		pending: make(map[uint64]*pendingSubscription),
		streams: make(map[int64]*WSStream),
		done:    make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// Subscribe sends a transactionSubscribe request and waits for confirmation.
func (c *WSConn) Subscribe(ctx context.Context, req SubscribeRequest) (Stream, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	reqID := c.requestID.Add(1)
	pending := &pendingSubscription{
		stream: newWSStream(req.FilterKey, c.config.StreamBuffer),
		result: make(chan error, 1),
	}

	c.mu.Lock()
	c.pending[reqID] = pending
	c.mu.Unlock()

	msg := wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  methodTransactionSubscribe,
		Params:  transactionSubscribeParams(req),
	}
	if err := c.writeJSON(msg); err != nil {
		c.dropPending(reqID)
		return nil, fmt.Errorf("write subscribe: %w", err)
	}

	var timeout <-chan time.Time
	if c.config.SubscribeTimeout > 0 {
		timer := time.NewTimer(c.config.SubscribeTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-pending.result:
		return c.confirmed(pending, err)
	case <-timeout:
		c.dropPending(reqID)
		return nil, fmt.Errorf("subscription timeout after %v", c.config.SubscribeTimeout)
	case <-c.done:
		// shutdown hands the read error to pending requests before closing done.
		select {
		case err := <-pending.result:
			return c.confirmed(pending, err)
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		c.dropPending(reqID)
		return nil, ctx.Err()
	}
}

func (c *WSConn) confirmed(pending *pendingSubscription, err error) (Stream, error) {
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	c.logger.Info("subscription confirmed",
		zap.String("filter", pending.stream.FilterKey()),
		zap.Int64("subscription_id", pending.stream.SubscriptionID()))
	return pending.stream, nil
}

// Close closes the WebSocket connection. Safe to call more than once.
func (c *WSConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()

	c.stop()
	c.wg.Wait()
	return err
}

func (c *WSConn) stop() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *WSConn) dropPending(reqID uint64) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
}

func (c *WSConn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	return c.conn.WriteJSON(v)
}

func (c *WSConn) extendReadDeadline() {
	if c.config.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
}

// readLoop reads messages and dispatches them until the connection fails or is closed.
func (c *WSConn) readLoop() {
	defer c.wg.Done()

	for {
		c.extendReadDeadline()

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(c.readError(err))
			return
		}

		c.handleMessage(message)
	}
}

// readError maps a read failure to the terminal error reported to streams.
func (c *WSConn) readError(err error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return io.EOF
	}
	return fmt.Errorf("websocket read: %w", err)
}

// shutdown terminates all streams and pending subscriptions with err.
func (c *WSConn) shutdown(err error) {
	c.mu.Lock()
	for id, s := range c.streams {
		s.finish(err)
		delete(c.streams, id)
	}
	for id, p := range c.pending {
		select {
		case p.result <- err:
		default:
		}
		delete(c.pending, id)
	}
	c.mu.Unlock()

	c.stop()
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSConn) pingLoop() {
	defer c.wg.Done()

	if c.config.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			var deadline time.Time
			if c.config.WriteTimeout > 0 {
				deadline = time.Now().Add(c.config.WriteTimeout)
			}
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// Reader observes the broken connection.
				c.logger.Debug("ping failed", zap.Error(err))
			}
		}
	}
}

func (c *WSConn) handleMessage(message []byte) {
	var msg wsMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn("discarding malformed feed message", zap.Error(err))
		return
	}

	switch {
	case msg.Method != "":
		c.handleNotification(&msg)
	case msg.ID != nil:
		c.handleResponse(&msg)
	}
}

// handleResponse resolves a pending subscription. The stream is registered
// before any later notification is read, so none are lost.
func (c *WSConn) handleResponse(msg *wsMessage) {
	c.mu.Lock()
	pending, ok := c.pending[*msg.ID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, *msg.ID)

	if msg.Error != nil {
		c.mu.Unlock()
		pending.result <- msg.Error
		return
	}

	var subID int64
	if err := json.Unmarshal(msg.Result, &subID); err != nil {
		c.mu.Unlock()
		pending.result <- fmt.Errorf("decode subscription id: %w", err)
		return
	}

	pending.stream.id = subID
	c.streams[subID] = pending.stream
	c.mu.Unlock()

	pending.result <- nil
}

func (c *WSConn) handleNotification(msg *wsMessage) {
	var params wsNotificationParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.logger.Warn("discarding malformed notification",
			zap.String("method", msg.Method), zap.Error(err))
		return
	}

	c.mu.Lock()
	stream, ok := c.streams[params.Subscription]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("notification for unknown subscription",
			zap.String("method", msg.Method), zap.Int64("subscription_id", params.Subscription))
		return
	}

	update := &Update{
		Kind:           UpdateKindOther,
		Method:         msg.Method,
		SubscriptionID: params.Subscription,
	}
	if msg.Method == methodTransactionNotification {
		update.Kind = UpdateKindTransaction
		update.Transaction = decodeTransactionNotification(params.Result)
	}

	stream.deliver(update, c.done)
}

// decodeTransactionNotification never fails; decode errors travel with the update.
func decodeTransactionNotification(raw json.RawMessage) *TransactionUpdate {
	var value wsTransactionValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return &TransactionUpdate{
			Signature: value.Signature,
			Slot:      value.Slot,
			DecodeErr: fmt.Errorf("decode transaction notification: %w", err),
		}
	}

	update := &TransactionUpdate{
		Signature: value.Signature,
		Slot:      value.Slot,
	}
	if value.Transaction != nil {
		update.Transaction = value.Transaction.Transaction
		update.Meta = value.Transaction.Meta
	}
	return update
}

// WSStream is a single transaction subscription on a WSConn.
type WSStream struct {
	id        int64
	filterKey string
	items     chan *Update

	done chan struct{}
	once sync.Once
	err  error
}

func newWSStream(filterKey string, buffer int) *WSStream {
	if buffer < 0 {
		buffer = 0
	}
	return &WSStream{
		filterKey: filterKey,
		items:     make(chan *Update, buffer),
		done:      make(chan struct{}),
	}
}

// SubscriptionID returns the feed-assigned subscription ID.
func (s *WSStream) SubscriptionID() int64 {
	return s.id
}

// FilterKey returns the label of the filter this stream was opened with.
func (s *WSStream) FilterKey() string {
	return s.filterKey
}

// Recv returns the next update. Buffered updates are drained before the
// terminal error is reported.
func (s *WSStream) Recv(ctx context.Context) (*Update, error) {
	select {
	case u := <-s.items:
		return u, nil
	case <-s.done:
		select {
		case u := <-s.items:
			return u, nil
		default:
			return nil, s.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *WSStream) deliver(u *Update, connDone <-chan struct{}) {
	select {
	case s.items <- u:
	case <-s.done:
	case <-connDone:
	}
}

func (s *WSStream) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// WebSocket message types

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type wsMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *wsError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type wsNotificationParams struct {
	Subscription int64           `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type wsTransactionValue struct {
	Signature   string                 `json:"signature"`
	Slot        uint64                 `json:"slot"`
	Transaction *wsTransactionWithMeta `json:"transaction"`
}

type wsTransactionWithMeta struct {
	Transaction *rpc.TransactionResultEnvelope `json:"transaction"`
	Meta        *rpc.TransactionMeta           `json:"meta"`
}

type wsTransactionFilter struct {
	Vote           bool     `json:"vote"`
	Failed         bool     `json:"failed"`
	AccountInclude []string `json:"accountInclude"`
	AccountExclude []string `json:"accountExclude"`
}

type wsTransactionOptions struct {
	Commitment                     string `json:"commitment"`
	Encoding                       string `json:"encoding"`
	TransactionDetails             string `json:"transactionDetails"`
	ShowRewards                    bool   `json:"showRewards"`
	MaxSupportedTransactionVersion int    `json:"maxSupportedTransactionVersion"`
}

func transactionSubscribeParams(req SubscribeRequest) []interface{} {
	commitment := req.Commitment
	if commitment == "" {
		commitment = CommitmentConfirmed
	}

	return []interface{}{
		wsTransactionFilter{
			Vote:           req.Filter.Vote,
			Failed:         req.Filter.Failed,
			AccountInclude: nonNil(req.Filter.AccountInclude),
			AccountExclude: nonNil(req.Filter.AccountExclude),
		},
		wsTransactionOptions{
			Commitment:                     commitment,
			Encoding:                       "base64",
			TransactionDetails:             "full",
			MaxSupportedTransactionVersion: 0,
		},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
