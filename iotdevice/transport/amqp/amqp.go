// Package amqp implements the device transport over AMQP 1.0.
package amqp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/bluesea251610e/iothub-sdk/common"
	"github.com/bluesea251610e/iothub-sdk/common/commonamqp"
	"github.com/bluesea251610e/iothub-sdk/iotdevice/auth"
	"github.com/bluesea251610e/iothub-sdk/iotdevice/transport"
	"github.com/bluesea251610e/iothub-sdk/logger"
	"gopkg.in/tomb.v2"
)

var (
	ErrNotImplemented   = errors.New("not implemented")
	ErrNotConnected     = errors.New("not connected")
	ErrNoPendingMessage = errors.New("no received message waiting for a result")
)

// ConnectionStatusHandler handles connection status changes
type ConnectionStatusHandler func(connected bool, err error)

// TransportOption is a transport configuration option.
type TransportOption func(tr *Transport)

// WithLogger sets logger for errors and warnings.
func WithLogger(l logger.Logger) TransportOption {
	return func(tr *Transport) {
		tr.logger = l
	}
}

// WithWebSocket enables AMQP over WebSocket on port 443.
func WithWebSocket(enable bool) TransportOption {
	return func(tr *Transport) {
		tr.webSocket = enable
	}
}

// WithConnectionStatusHandler sets the connection status callback.
func WithConnectionStatusHandler(handler ConnectionStatusHandler) TransportOption {
	return func(tr *Transport) {
		tr.connStatusHandler = handler
	}
}

// WithTokenRefreshInterval sets how often a renewed sas token is put
// on the cbs node. Default is 50 minutes, 0 disables it.
func WithTokenRefreshInterval(d time.Duration) TransportOption {
	return func(tr *Transport) {
		tr.tokenRefreshInterval = d
	}
}

// WithReceiveWait sets how long Receive waits for a message to arrive.
// Default is 0, only messages already delivered are returned.
func WithReceiveWait(d time.Duration) TransportOption {
	return func(tr *Transport) {
		tr.receiveWait = d
	}
}

// New returns new AMQP transport for the configured device.
func New(cfg transport.Config, opts ...TransportOption) *Transport {
	tr := &Transport{
		cfg:                  cfg,
		logger:               logger.Nop(),
		tokenRefreshInterval: 50 * time.Minute,
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

// sender is the part of *amqp.Sender the transport uses.
type sender interface {
	Send(ctx context.Context, msg *amqp.Message, opts *amqp.SendOptions) error
	Close(ctx context.Context) error
}

// receiver is the part of *amqp.Receiver the transport uses.
type receiver interface {
	Prefetched() *amqp.Message
	Receive(ctx context.Context, opts *amqp.ReceiveOptions) (*amqp.Message, error)
	AcceptMessage(ctx context.Context, msg *amqp.Message) error
	ReleaseMessage(ctx context.Context, msg *amqp.Message) error
	RejectMessage(ctx context.Context, msg *amqp.Message, e *amqp.Error) error
	Close(ctx context.Context) error
}

// Transport is AMQP transport for Azure IoT Hub.
type Transport struct {
	mu      sync.RWMutex
	cfg     transport.Config
	open    bool
	conn    *amqp.Conn
	sess    *amqp.Session
	cbsSess *amqp.Session

	tmb        tomb.Tomb
	refreshing bool

	// D2C sender
	sendLink sender

	// C2D receiver and the message waiting for a result
	recvMu   sync.Mutex
	recvLink receiver
	pending  *amqp.Message

	// twin requests are serialized, responses are matched by correlation id
	twinMu       sync.Mutex
	twinSender   sender
	twinReceiver receiver

	logger logger.Logger

	webSocket            bool
	connStatusHandler    ConnectionStatusHandler
	tokenRefreshInterval time.Duration
	receiveWait          time.Duration
}

func (tr *Transport) SetLogger(l logger.Logger) {
	tr.logger = l
}

// Open connects to the hub, authenticates and attaches the event
// and cloud-to-device links.
func (tr *Transport) Open(ctx context.Context) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.open {
		return nil
	}
	if !tr.tmb.Alive() {
		return errors.New("transport is closed")
	}

	tlsCfg, useX509, err := tr.tlsConfig()
	if err != nil {
		return err
	}
	connOpts := &amqp.ConnOptions{
		TLSConfig:  tlsCfg,
		HostName:   tr.cfg.HostName(),
		Properties: commonamqp.ConnProperties(),
	}
	// x509 devices authenticate with the tls client certificate,
	// sas devices put tokens on the cbs node
	if useX509 {
		connOpts.SASLType = amqp.SASLTypeExternal("")
	} else {
		connOpts.SASLType = amqp.SASLTypeAnonymous()
	}

	conn, err := tr.dial(ctx, connOpts)
	if err != nil {
		tr.notifyConnectionStatus(false, err)
		return transport.NewError(err)
	}
	tr.conn = conn
	tr.logger.Debugf("AMQP connection established to %s", tr.cfg.HostName())

	if err := tr.attach(ctx, useX509); err != nil {
		tr.closeLinks()
		tr.notifyConnectionStatus(false, err)
		return err
	}
	tr.open = true

	if !useX509 && tr.tokenRefreshInterval > 0 {
		cbsSess := tr.cbsSess
		tr.refreshing = true
		tr.tmb.Go(func() error {
			return tr.tokenRefreshLoop(cbsSess)
		})
	}
	tr.notifyConnectionStatus(true, nil)
	return nil
}

func (tr *Transport) tlsConfig() (*tls.Config, bool, error) {
	typ := tr.cfg.AuthType()
	switch {
	case typ == auth.SasToken:
		p := tr.cfg.SasTokenAuthentication()
		if p == nil {
			return nil, false, errors.New("sas token authentication is not configured")
		}
		cfg, err := p.TLSConfig()
		return cfg, false, err
	case typ.IsX509():
		p := tr.cfg.X509Authentication()
		if p == nil {
			return nil, false, errors.New("x509 authentication is not configured")
		}
		cfg, err := p.TLSConfig()
		return cfg, true, err
	default:
		return nil, false, fmt.Errorf("unsupported authentication type %s", typ)
	}
}

func (tr *Transport) dial(ctx context.Context, opts *amqp.ConnOptions) (*amqp.Conn, error) {
	if !tr.webSocket {
		return amqp.Dial(ctx, fmt.Sprintf("amqps://%s:5671", tr.cfg.HostName()), opts)
	}
	proxy := http.ProxyFromEnvironment
	if p := tr.cfg.Proxy(); p != nil {
		u, err := p.URL()
		if err != nil {
			return nil, err
		}
		proxy = http.ProxyURL(u)
	}
	return commonamqp.DialWebSocket(ctx, tr.cfg.HostName(), opts, proxy)
}

func (tr *Transport) attach(ctx context.Context, useX509 bool) error {
	if !useX509 {
		if err := tr.startCBSAuth(ctx); err != nil {
			return err
		}
	}
	sess, err := tr.conn.NewSession(ctx, nil)
	if err != nil {
		return err
	}
	tr.sess = sess

	s, err := sess.NewSender(ctx, tr.eventsAddress(), nil)
	if err != nil {
		return err
	}
	tr.sendLink = s

	r, err := sess.NewReceiver(ctx, tr.deviceBoundAddress(), nil)
	if err != nil {
		return err
	}
	tr.recvLink = r
	return nil
}

func (tr *Transport) identityPath() string {
	p := "/devices/" + url.PathEscape(tr.cfg.DeviceID())
	if m := tr.cfg.ModuleID(); m != "" {
		p += "/modules/" + url.PathEscape(m)
	}
	return p
}

// audience is the resource sas tokens of this device are issued for.
func (tr *Transport) audience() string {
	return tr.cfg.HostName() + tr.identityPath()
}

func (tr *Transport) eventsAddress() string {
	return tr.identityPath() + "/messages/events"
}

func (tr *Transport) deviceBoundAddress() string {
	return "/devices/" + url.PathEscape(tr.cfg.DeviceID()) + "/messages/devicebound"
}

func (tr *Transport) notifyConnectionStatus(connected bool, err error) {
	if tr.connStatusHandler != nil {
		tr.connStatusHandler(connected, err)
	}
}

// checkOpen fails when the transport is not open or its token
// refresh has failed.
func (tr *Transport) checkOpen() error {
	if !tr.open {
		return ErrNotConnected
	}
	if err := tr.tmb.Err(); err != tomb.ErrStillAlive && err != nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, err)
	}
	return nil
}

// SendEvent sends a device-to-cloud message, the hub accepting the
// delivery is reported as StatusOKEmpty.
func (tr *Transport) SendEvent(ctx context.Context, msg *common.Message) (*common.ResponseMessage, error) {
	if msg == nil {
		return nil, errors.New("message is nil")
	}
	tr.mu.RLock()
	err := tr.checkOpen()
	s := tr.sendLink
	tr.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if err := s.Send(ctx, toAMQPMessage(msg), nil); err != nil {
		return nil, transport.NewError(err)
	}
	return &common.ResponseMessage{Bytes: []byte{}, Status: common.StatusOKEmpty}, nil
}

func toAMQPMessage(msg *common.Message) *amqp.Message {
	props := &amqp.MessageProperties{}
	if msg.MessageID != "" {
		props.MessageID = msg.MessageID
	}
	if msg.CorrelationID != "" {
		props.CorrelationID = msg.CorrelationID
	}
	if msg.To != "" {
		to := msg.To
		props.To = &to
	}
	if msg.UserID != "" {
		props.UserID = []byte(msg.UserID)
	}
	if msg.ExpiryTime != nil {
		exp := *msg.ExpiryTime
		props.AbsoluteExpiryTime = &exp
	}
	if msg.ContentType != "" {
		ct := msg.ContentType
		props.ContentType = &ct
	}
	if msg.ContentEncoding != "" {
		ce := msg.ContentEncoding
		props.ContentEncoding = &ce
	}

	appProps := make(map[string]any)
	for _, p := range msg.Properties() {
		appProps[p.Name] = p.Value
	}

	return &amqp.Message{
		Data:                  [][]byte{msg.Bytes()},
		Properties:            props,
		ApplicationProperties: appProps,
	}
}

func (tr *Transport) fromAMQPMessage(msg *amqp.Message) *common.Message {
	res := common.NewMessage(msg.GetData())
	res.MessageID = ""

	if p := msg.Properties; p != nil {
		if mid, ok := p.MessageID.(string); ok {
			res.MessageID = mid
		}
		if cid, ok := p.CorrelationID.(string); ok {
			res.CorrelationID = cid
		}
		if p.To != nil {
			res.To = *p.To
		}
		if p.UserID != nil {
			res.UserID = string(p.UserID)
		}
		if p.AbsoluteExpiryTime != nil {
			exp := *p.AbsoluteExpiryTime
			res.ExpiryTime = &exp
		}
		if p.ContentType != nil {
			res.ContentType = *p.ContentType
		}
		if p.ContentEncoding != nil {
			res.ContentEncoding = *p.ContentEncoding
		}
	}

	for k, v := range msg.ApplicationProperties {
		s, ok := v.(string)
		if !ok {
			tr.logger.Debugf("dropping application property %q of type %T", k, v)
			continue
		}
		if err := res.SetProperty(k, s); err != nil {
			tr.logger.Debugf("dropping application property %q: %s", k, err)
		}
	}
	return res
}

// Receive returns a cloud-to-device message or nil when none has
// arrived. The message has to be settled with SendMessageResult,
// receiving another one releases it back to the hub.
func (tr *Transport) Receive(ctx context.Context) (*common.Message, error) {
	tr.mu.RLock()
	err := tr.checkOpen()
	r := tr.recvLink
	tr.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	tr.recvMu.Lock()
	defer tr.recvMu.Unlock()

	msg := r.Prefetched()
	if msg == nil && tr.receiveWait > 0 {
		wctx, cancel := context.WithTimeout(ctx, tr.receiveWait)
		msg, err = r.Receive(wctx, nil)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, transport.NewError(err)
		}
	}
	if msg == nil {
		return nil, nil
	}

	if tr.pending != nil {
		tr.logger.Debugf("releasing unsettled message")
		if err := r.ReleaseMessage(ctx, tr.pending); err != nil {
			tr.logger.Warnf("release message error: %s", err)
		}
	}
	tr.pending = msg
	return tr.fromAMQPMessage(msg), nil
}

// SendMessageResult settles the last received message: Complete
// accepts it, Abandon releases it for redelivery and Reject
// dead-letters it. The message is no longer tracked afterwards.
func (tr *Transport) SendMessageResult(ctx context.Context, result common.MessageResult) error {
	tr.mu.RLock()
	err := tr.checkOpen()
	r := tr.recvLink
	tr.mu.RUnlock()
	if err != nil {
		return err
	}

	tr.recvMu.Lock()
	defer tr.recvMu.Unlock()

	msg := tr.pending
	if msg == nil {
		return ErrNoPendingMessage
	}
	var settle func() error
	switch result {
	case common.Complete:
		settle = func() error { return r.AcceptMessage(ctx, msg) }
	case common.Abandon:
		settle = func() error { return r.ReleaseMessage(ctx, msg) }
	case common.Reject:
		settle = func() error { return r.RejectMessage(ctx, msg, nil) }
	default:
		return fmt.Errorf("unknown message result %s", result)
	}
	tr.pending = nil

	tr.logger.Debugf("sending %s", result)
	if err := settle(); err != nil {
		return &transport.Error{Err: fmt.Errorf("send %s: %w", result, err)}
	}
	return nil
}

// closeLinks closes whatever Open managed to open.
func (tr *Transport) closeLinks() {
	ctx := context.Background()
	for _, l := range []interface{ Close(context.Context) error }{
		tr.sendLink, tr.recvLink, tr.twinSender, tr.twinReceiver,
	} {
		if l != nil {
			l.Close(ctx)
		}
	}
	tr.sendLink, tr.recvLink, tr.twinSender, tr.twinReceiver = nil, nil, nil, nil

	if tr.cbsSess != nil {
		tr.cbsSess.Close(ctx)
		tr.cbsSess = nil
	}
	if tr.sess != nil {
		tr.sess.Close(ctx)
		tr.sess = nil
	}
	if tr.conn != nil {
		tr.conn.Close()
		tr.conn = nil
	}
}

// Close stops the token refresh and closes the connection,
// the transport cannot be opened again.
func (tr *Transport) Close() error {
	tr.tmb.Kill(nil)

	tr.mu.Lock()
	wasOpen := tr.open
	refreshing := tr.refreshing
	tr.open = false
	// pending link operations fail once the connection is gone
	if tr.conn != nil {
		tr.conn.Close()
	}
	tr.recvMu.Lock()
	tr.pending = nil
	tr.recvMu.Unlock()
	tr.twinMu.Lock()
	tr.closeLinks()
	tr.twinMu.Unlock()
	tr.mu.Unlock()

	if wasOpen {
		tr.notifyConnectionStatus(false, nil)
		tr.logger.Debugf("AMQP connection closed")
	}
	// a tomb that never ran a goroutine never dies
	if !refreshing {
		return nil
	}
	return tr.tmb.Wait()
}

// Ensure Transport implements transport.Transport interface
var _ transport.Transport = (*Transport)(nil)
