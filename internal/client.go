package internal

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jpillora/backoff"
	"github.com/segmentio/ksuid"
	"golang.org/x/exp/slog"
)

// Client is a single-connection obs-websocket v5 client. It owns the HTTP
// upgrade, the RFC 6455 framing, the Hello/Identify/Identified handshake
// and the reconnect loop. All methods must be called from one goroutine;
// Poll is the only driver and never blocks on the network.
type Client struct {
	logger *slog.Logger
	log    *slog.Logger
	plain  Transport
	secure Transport

	random io.Reader
	now    func() time.Time

	config    Config
	status    Status
	lastError ErrorCode

	transport       Transport
	hs              handshakeState
	handshakeStart  time.Time
	lastStateChange time.Time
	secKey          string
	handshakeBuf    []byte
	rxBuf           []byte

	queue          *eventQueue
	requestCounter uint32

	pacer          *backoff.Backoff
	reconnectDelay time.Duration
	lastReconnect  time.Time
}

// NewClient wires the client to its collaborators. plain and secure are
// the candidate transports selected by Config.UseTLS; either may be nil
// when the host never uses that mode. A nil logger discards all output.
func NewClient(logger *slog.Logger, plain, secure Transport) *Client {
	if logger == nil {
		logger = slog.New(slog.HandlerOptions{}.NewTextHandler(io.Discard))
	}

	return &Client{
		logger:         logger,
		log:            logger,
		plain:          plain,
		secure:         secure,
		random:         rand.Reader,
		now:            time.Now,
		status:         StatusDisconnected,
		requestCounter: 1,
	}
}

// Begin tears down any prior session and starts a new connection attempt.
// It returns once the TCP connection is up and the HTTP upgrade request
// has been written; the rest of the handshake completes across Poll calls.
func (c *Client) Begin(cfg Config) error {
	c.Close()

	c.config = cfg.withDefaults()
	c.lastError = ErrorNone
	c.handshakeBuf = nil
	c.rxBuf = nil

	if kid, err := ksuid.NewRandom(); err == nil {
		c.log = c.logger.With(slog.String("attempt", kid.String()))
	} else {
		c.log = c.logger
	}

	if c.config.Host == "" {
		c.log.Warn("invalid configuration, host not set")
		c.fail(ErrorInvalidConfig)
		return ErrInvalidConfig
	}

	if c.queue == nil {
		c.queue = newEventQueue(c.logger)
	}

	if c.pacer == nil {
		c.pacer = &backoff.Backoff{
			Min:    c.config.ReconnectInterval,
			Max:    c.config.ReconnectIntervalMax,
			Factor: c.config.ReconnectBackoffFactor,
		}
		c.reconnectDelay = c.config.ReconnectInterval
	}

	c.changeStatus(StatusConnecting)

	if err := c.connectTransport(); err != nil {
		c.log.Error("failed to establish connection", err)
		c.fail(ErrorTransportUnavailable)
		return fmt.Errorf("begin: %w", ErrTransportUnavailable)
	}

	c.lastReconnect = c.now()
	c.log.Debug("websocket connection initiated",
		slog.String("host", c.config.Host), slog.Int("port", c.config.Port))
	return nil
}

// Poll reads whatever the transport has buffered, advances the handshake
// or the frame decoder, enforces the handshake timeout, runs the
// reconnect controller and finally drains the event queue. It is
// non-blocking and safe to call when nothing is pending.
func (c *Client) Poll() {
	now := c.now()

	if c.status == StatusError || c.status == StatusDisconnected {
		c.maybeReconnect(now)
		return
	}

	if c.transport != nil {
		if !c.transport.Connected() {
			c.log.Warn("transport disconnected")
			c.teardown()
			c.changeStatus(StatusDisconnected)
		} else {
			c.readAvailable()
			if c.hs == hsAwaitUpgrade {
				c.finishUpgrade()
			}
			if c.hs != hsAwaitUpgrade && c.hs != hsIdle && len(c.rxBuf) > 0 {
				c.processRxBuffer()
			}
		}
	}

	if c.hs != hsEstablished && c.hs != hsIdle && c.config.HandshakeTimeout > 0 {
		if now.Sub(c.handshakeStart) >= c.config.HandshakeTimeout {
			c.log.Warn("handshake timeout")
			c.fail(ErrorHandshakeRejected)
			// Stamping the attempt here delays the next reconnect by a
			// full interval.
			c.lastReconnect = now
			return
		}
	}

	if c.queue != nil {
		c.queue.drain(c.deliver)
	}
}

// Close stops the transport, discards queued events without delivery and
// resets the handshake machine. Calling it twice is a no-op the second
// time; no callbacks re-fire.
func (c *Client) Close() {
	if c.hs == hsEstablished && c.transport != nil && c.transport.Connected() {
		if err := c.sendFrame(opcodeClose, nil); err != nil {
			c.log.Debug("failed to send close frame", slog.String("error", err.Error()))
		}
	}

	c.teardown()
	c.handshakeStart = time.Time{}

	if c.queue != nil {
		c.queue.drain(nil)
	}

	if c.status != StatusDisconnected {
		c.changeStatus(StatusDisconnected)
	}

	c.lastError = ErrorNone
	c.log.Debug("connection closed")
}

// SendRequest emits an op=6 request with a fresh decimal requestId. The
// optional payload must be a JSON object in text form; it is forwarded
// verbatim as requestData.
func (c *Client) SendRequest(requestType, payload string) error {
	if requestType == "" {
		c.log.Warn("sendRequest requires a request type")
		return fmt.Errorf("request type is required")
	}

	if c.hs != hsEstablished {
		c.log.Warn("sendRequest called before handshake completion")
		c.lastError = ErrorTransportUnavailable
		return fmt.Errorf("session not established: %w", ErrTransportUnavailable)
	}

	d := requestData{
		RequestType: requestType,
		RequestID:   strconv.FormatUint(uint64(c.requestCounter), 10),
	}
	c.requestCounter++

	if payload != "" {
		if !json.Valid([]byte(payload)) {
			c.log.Warn("request payload is not valid json", slog.String("requestType", requestType))
			return fmt.Errorf("request payload is not valid JSON")
		}
		d.RequestData = json.RawMessage(payload)
	}

	body, err := marshalEnvelope(obsOpRequest, d)
	if err != nil {
		c.log.Error("failed to serialise request", err)
		return fmt.Errorf("marshal request: %w", err)
	}

	if err := c.sendFrame(opcodeText, body); err != nil {
		c.log.Error("failed to send request", err)
		c.lastError = ErrorTransportUnavailable
		return fmt.Errorf("send request: %w", ErrTransportUnavailable)
	}

	return nil
}

func (c *Client) Status() Status {
	return c.status
}

func (c *Client) LastError() ErrorCode {
	return c.lastError
}

func (c *Client) changeStatus(next Status) {
	if c.status == next {
		return
	}

	c.status = next
	c.lastStateChange = c.now()

	if c.config.OnStatus != nil {
		c.config.OnStatus(next)
	}
}

// fail records a terminal error: lastError is stamped, the error callback
// fires, status flips to Error and the connection is torn down.
func (c *Client) fail(code ErrorCode) {
	c.lastError = code

	if c.config.OnError != nil {
		c.config.OnError(code)
	}

	if code != ErrorNone {
		c.changeStatus(StatusError)
	}

	c.teardown()
}

// teardown closes the transport and leaves the handshake machine idle
// with both receive buffers empty.
func (c *Client) teardown() {
	if c.transport != nil {
		c.transport.Stop()
		c.transport = nil
	}
	if c.plain != nil {
		c.plain.Stop()
	}
	if c.secure != nil {
		c.secure.Stop()
	}

	c.hs = hsIdle
	c.handshakeBuf = nil
	c.rxBuf = nil
}

func (c *Client) connectTransport() error {
	if c.config.UseTLS {
		c.transport = c.secure
	} else {
		c.transport = c.plain
	}

	if c.transport == nil {
		return fmt.Errorf("no transport available (tls=%v): %w", c.config.UseTLS, ErrTransportUnavailable)
	}

	if err := c.transport.Connect(c.config.Host, c.config.Port); err != nil {
		c.transport = nil
		return fmt.Errorf("dial %v:%v: %w", c.config.Host, c.config.Port, err)
	}

	if err := c.sendUpgradeRequest(); err != nil {
		c.teardown()
		return err
	}

	c.hs = hsAwaitUpgrade
	c.handshakeStart = c.now()
	c.handshakeBuf = nil
	c.rxBuf = nil
	return nil
}

func (c *Client) sendUpgradeRequest() error {
	key, err := newSecWebSocketKey(c.random)
	if err != nil {
		return err
	}
	c.secKey = key

	if err := c.write(buildUpgradeRequest(c.config.Host, c.config.Port, key)); err != nil {
		return fmt.Errorf("send upgrade request: %w", err)
	}
	return nil
}

func (c *Client) maybeReconnect(now time.Time) {
	if !c.config.AutoReconnect || c.config.Host == "" {
		return
	}

	if now.Sub(c.lastReconnect) < c.reconnectDelay {
		return
	}

	c.lastReconnect = now
	c.reconnectDelay = c.pacer.Duration()
	c.log.Info("auto-reconnect attempt")
	_ = c.Begin(c.config)
}

func (c *Client) readAvailable() {
	buf := make([]byte, 512)
	for c.transport != nil && c.transport.Available() > 0 {
		n, err := c.transport.Read(buf)
		if n > 0 {
			if c.hs == hsAwaitUpgrade {
				c.handshakeBuf = append(c.handshakeBuf, buf[:n]...)
			} else {
				c.rxBuf = append(c.rxBuf, buf[:n]...)
			}
		}
		if err != nil || n <= 0 {
			return
		}
	}
}

func (c *Client) finishUpgrade() {
	remaining, ok, err := parseUpgradeResponse(c.handshakeBuf, c.secKey)
	if err != nil {
		c.log.Error("websocket upgrade failed", err)
		c.fail(ErrorHandshakeRejected)
		return
	}

	if !ok {
		if len(c.handshakeBuf) > maxHandshakeHeader {
			c.log.Warn("handshake header too large")
			c.fail(ErrorHandshakeRejected)
		}
		return
	}

	// Bytes past the header terminator are already websocket stream.
	rest := append([]byte(nil), remaining...)
	c.rxBuf = append(rest, c.rxBuf...)
	c.handshakeBuf = nil

	c.hs = hsAwaitHello
	c.changeStatus(StatusAuthenticating)
	c.log.Debug("websocket upgrade acknowledged")
}

func (c *Client) processRxBuffer() {
	for len(c.rxBuf) >= 2 && c.hs != hsIdle {
		f, n, err := parseFrame(c.rxBuf)
		if err != nil {
			c.log.Warn("fragmented frames are not supported")
			c.fail(ErrorNotImplemented)
			return
		}
		if n == 0 {
			return
		}

		c.handleFrame(f)
		if c.hs == hsIdle || c.rxBuf == nil {
			return
		}

		c.rxBuf = append(c.rxBuf[:0], c.rxBuf[n:]...)
	}
}

func (c *Client) handleFrame(f frame) {
	switch f.opcode {
	case opcodeText:
		c.handleTextFrame(f.payload)
	case opcodeClose:
		c.log.Info("close frame received from server")
		if err := c.sendFrame(opcodeClose, nil); err != nil {
			c.log.Debug("failed to echo close frame", slog.String("error", err.Error()))
		}
		c.teardown()
		c.changeStatus(StatusDisconnected)
	case opcodePing:
		if err := c.sendFrame(opcodePong, f.payload); err != nil {
			c.log.Warn("failed to send pong response")
		}
	case opcodePong:
	default:
		c.log.Debug("unsupported frame opcode", slog.Int("opcode", int(f.opcode)))
	}
}

func (c *Client) handleTextFrame(payload []byte) {
	msg := wireMessage{}
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.log.Warn("failed to parse incoming json")
		return
	}

	if msg.Op == nil || msg.D == nil {
		c.log.Warn("incoming message missing op or data")
		return
	}

	switch *msg.Op {
	case obsOpHello:
		c.handleHello(msg.D)
	case obsOpIdentified:
		c.handleIdentified()
	case obsOpEvent:
		c.handleEventMessage(msg.D)
	case obsOpRequestResponse:
		c.handleRequestResponse(msg.D)
	default:
		c.log.Debug("ignoring unsupported obs opcode", slog.Int("op", *msg.Op))
	}
}

func (c *Client) handleHello(d json.RawMessage) {
	if c.hs != hsAwaitHello {
		return
	}

	hello := helloData{}
	if err := json.Unmarshal(d, &hello); err != nil || hello.RPCVersion == nil {
		c.log.Warn("hello message missing rpcVersion")
		c.fail(ErrorHandshakeRejected)
		return
	}

	if err := c.sendIdentify(*hello.RPCVersion, hello.Authentication); err != nil {
		c.log.Error("identify failed", err)
		c.fail(ErrorAuthenticationFailed)
		return
	}

	c.hs = hsAwaitIdentifyResponse
}

func (c *Client) handleIdentified() {
	if c.hs != hsAwaitIdentifyResponse {
		return
	}

	c.hs = hsEstablished
	c.changeStatus(StatusConnected)
	if c.pacer != nil {
		c.pacer.Reset()
		c.reconnectDelay = c.config.ReconnectInterval
	}
	c.log.Info("handshake complete")
}

func (c *Client) sendIdentify(rpcVersion int, auth *helloAuthentication) error {
	d := identifyData{
		RPCVersion:         rpcVersion,
		EventSubscriptions: c.config.EventSubscriptions,
	}

	if auth != nil && auth.Challenge != "" && auth.Salt != "" {
		if c.config.Password == "" {
			return fmt.Errorf("server requires authentication but no password was provided: %w", ErrAuthenticationFailed)
		}

		token, err := AuthToken(c.config.Password, auth.Salt, auth.Challenge)
		if err != nil {
			return err
		}
		d.Authentication = token
	}

	body, err := marshalEnvelope(obsOpIdentify, d)
	if err != nil {
		return fmt.Errorf("marshal identify: %w", err)
	}

	return c.sendFrame(opcodeText, body)
}

func (c *Client) handleEventMessage(d json.RawMessage) {
	evt := eventData{}
	if err := json.Unmarshal(d, &evt); err != nil {
		c.log.Warn("failed to parse event message")
		return
	}

	id := evt.EventType
	if id == "" {
		id = "unknown"
	}

	payload := ""
	if evt.EventData != nil {
		payload = string(evt.EventData)
	}

	c.queue.push(Event{ID: id, Payload: payload})
}

func (c *Client) handleRequestResponse(d json.RawMessage) {
	rr := requestResponseData{}
	if err := json.Unmarshal(d, &rr); err != nil {
		c.log.Warn("failed to parse request response")
		return
	}

	id := rr.RequestID
	if id == "" {
		id = "unknown-request"
	}

	c.queue.push(Event{ID: id, Payload: string(d)})
}

func (c *Client) deliver(evt Event) {
	if c.config.OnEvent != nil {
		c.config.OnEvent(evt)
	}
}

func (c *Client) sendFrame(opcode byte, payload []byte) error {
	if c.transport == nil || !c.transport.Connected() {
		return ErrTransportUnavailable
	}

	b, err := encodeFrame(opcode, payload, c.random)
	if err != nil {
		return err
	}
	return c.write(b)
}

func (c *Client) write(b []byte) error {
	n, err := c.transport.Write(b)
	if err != nil {
		return fmt.Errorf("transport write: %w", err)
	}
	if n != len(b) {
		return fmt.Errorf("transport write: short write (%v of %v bytes)", n, len(b))
	}
	return c.transport.Flush()
}
