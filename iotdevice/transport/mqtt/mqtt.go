// Package mqtt implements the device transport over MQTT 3.1.1.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluesea251610e/iothub-sdk/common"
	"github.com/bluesea251610e/iothub-sdk/iotdevice/auth"
	"github.com/bluesea251610e/iothub-sdk/iotdevice/transport"
	"github.com/bluesea251610e/iothub-sdk/logger"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	ErrNotImplemented = errors.New("not implemented")
	ErrNotConnected   = errors.New("not connected")
)

// DefaultQoS is the default quality of service value.
const DefaultQoS = 1

const apiVersion = "2020-09-30"

// TransportOption is a transport configuration option.
type TransportOption func(tr *Transport)

// WithLogger sets logger for errors and warnings
// plus debug messages when it's enabled.
func WithLogger(l logger.Logger) TransportOption {
	return func(tr *Transport) {
		tr.logger = l
	}
}

// WithClientOptionsConfig configures the mqtt client options structure,
// use it only when you know EXACTLY what you're doing, because changing
// some of opts attributes may lead to unexpected behaviour.
//
// Typical usecase is to change adjust connect or reconnect interval.
func WithClientOptionsConfig(fn func(opts *mqtt.ClientOptions)) TransportOption {
	if fn == nil {
		panic("fn is nil")
	}
	return func(tr *Transport) {
		tr.cocfg = fn
	}
}

// WithWebSocket makes the mqtt client use MQTT over WebSockets on port 443,
// which is great if e.g. port 8883 is blocked.
func WithWebSocket(enable bool) TransportOption {
	return func(tr *Transport) {
		tr.webSocket = enable
	}
}

// WithModelID makes the mqtt client register the specified DTDL modelID when a connection
// is established, this is useful for Azure PNP integration.
func WithModelID(modelID string) TransportOption {
	return func(tr *Transport) {
		tr.mid = modelID
	}
}

// WithConnectionStatusHandler sets a callback that is invoked when the connection
// status changes (connected/disconnected).
func WithConnectionStatusHandler(handler ConnectionStatusHandler) TransportOption {
	return func(tr *Transport) {
		tr.connStatusHandler = handler
	}
}

// WithRetryInterval sets the maximum reconnect interval.
// Default is 30 seconds.
func WithRetryInterval(interval time.Duration) TransportOption {
	return func(tr *Transport) {
		tr.retryInterval = interval
	}
}

// WithKeepAlive sets the keep alive interval.
// Default is 60 seconds.
func WithKeepAlive(keepAlive time.Duration) TransportOption {
	return func(tr *Transport) {
		tr.keepAlive = keepAlive
	}
}

// WithTokenRefreshInterval sets how often the client reconnects to present
// a renewed sas token, the broker only checks the password on connect.
// Default is 50 minutes, 0 disables it.
func WithTokenRefreshInterval(d time.Duration) TransportOption {
	return func(tr *Transport) {
		tr.tokenRefreshInterval = d
	}
}

// WithReceiveBuffer sets how many cloud-to-device messages are held
// until Receive picks them up. Default is 16.
func WithReceiveBuffer(n int) TransportOption {
	return func(tr *Transport) {
		tr.bufferSize = n
	}
}

// New returns new MQTT transport for the configured device.
// See more: https://docs.microsoft.com/en-us/azure/iot-hub/iot-hub-mqtt-support
func New(cfg transport.Config, opts ...TransportOption) *Transport {
	tr := &Transport{
		cfg:                  cfg,
		done:                 make(chan struct{}),
		logger:               logger.Nop(),
		tokenRefreshInterval: 50 * time.Minute,
		bufferSize:           16,
	}
	for _, opt := range opts {
		opt(tr)
	}
	tr.msgs = make(chan *common.Message, tr.bufferSize)
	return tr
}

// ConnectionStatusHandler handles connection status changes.
// connected: true if connected, false if disconnected
// err: error if disconnected due to error, nil otherwise
type ConnectionStatusHandler func(connected bool, err error)

type Transport struct {
	mu   sync.RWMutex
	conn mqtt.Client
	cfg  transport.Config

	rid uint32 // request id, incremented each request
	mid string // model id

	subm sync.RWMutex // cannot use mu for protecting subs
	subs []subFunc    // on-connect mqtt subscriptions

	done chan struct{}         // closed when the transport is closed
	resp map[uint32]chan *resp // twin responses from iothub
	msgs chan *common.Message  // received cloud-to-device messages

	logger logger.Logger
	cocfg  func(opts *mqtt.ClientOptions)

	webSocket            bool
	connStatusHandler    ConnectionStatusHandler
	retryInterval        time.Duration
	keepAlive            time.Duration
	tokenRefreshInterval time.Duration
	tokenRefreshStop     chan struct{}
	bufferSize           int
}

type resp struct {
	code int
	body []byte
}

func (tr *Transport) SetLogger(l logger.Logger) {
	tr.logger = l
}

// Open connects to the hub and subscribes to cloud-to-device messages.
func (tr *Transport) Open(ctx context.Context) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.conn != nil {
		return nil
	}
	select {
	case <-tr.done:
		return errors.New("transport is closed")
	default:
	}

	o, err := tr.clientOptions()
	if err != nil {
		return err
	}
	c := mqtt.NewClient(o)
	if err := contextToken(ctx, c.Connect()); err != nil {
		return transport.NewError(err)
	}
	tr.conn = c

	if err := tr.sub(ctx, tr.subEvents()); err != nil {
		c.Disconnect(250)
		tr.conn = nil
		return err
	}
	tr.startTokenRefreshTimer()
	return nil
}

func (tr *Transport) clientOptions() (*mqtt.ClientOptions, error) {
	tlsCfg, err := tr.tlsConfig()
	if err != nil {
		return nil, err
	}
	tlsCfg.Renegotiation = tls.RenegotiateOnceAsClient

	username, clientID := tr.identity()

	o := mqtt.NewClientOptions()
	o.SetTLSConfig(tlsCfg)
	if tr.webSocket {
		o.AddBroker("wss://" + tr.cfg.HostName() + ":443/$iothub/websocket")
	} else {
		o.AddBroker("tls://" + tr.cfg.HostName() + ":8883")
	}
	o.SetProtocolVersion(4) // 4 = MQTT 3.1.1
	o.SetClientID(clientID)
	o.SetCredentialsProvider(func() (string, string) {
		if tr.cfg.AuthType().IsX509() {
			return username, ""
		}
		p := tr.cfg.SasTokenAuthentication()
		if p == nil {
			tr.logger.Errorf("sas token authentication is not configured")
			return username, ""
		}
		token, err := p.RenewedSasToken()
		if err != nil {
			tr.logger.Errorf("cannot generate token: %s", err)
			return username, ""
		}
		return username, token
	})
	o.SetWriteTimeout(30 * time.Second)
	if d := tr.cfg.ConnectTimeout(); d > 0 {
		o.SetConnectTimeout(d)
	}
	retryInterval := 30 * time.Second
	if tr.retryInterval > 0 {
		retryInterval = tr.retryInterval
	}
	o.SetMaxReconnectInterval(retryInterval)
	keepAlive := 60 * time.Second
	if tr.keepAlive > 0 {
		keepAlive = tr.keepAlive
	}
	o.SetKeepAlive(keepAlive)
	o.SetOnConnectHandler(func(c mqtt.Client) {
		tr.logger.Debugf("connection established")
		if tr.connStatusHandler != nil {
			tr.connStatusHandler(true, nil)
		}
		tr.subm.RLock()
		for _, sub := range tr.subs {
			if err := sub(context.Background()); err != nil {
				tr.logger.Debugf("on-connect error: %s", err)
			}
		}
		tr.subm.RUnlock()
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		tr.logger.Debugf("connection lost: %v", err)
		if tr.connStatusHandler != nil {
			tr.connStatusHandler(false, err)
		}
	})
	// only the websocket dialer can go through an http proxy
	if p := tr.cfg.Proxy(); p != nil && tr.webSocket {
		u, err := p.URL()
		if err != nil {
			return nil, err
		}
		o.SetWebsocketOptions(&mqtt.WebsocketOptions{
			Proxy: func(*http.Request) (*url.URL, error) { return u, nil },
		})
	}

	if tr.cocfg != nil {
		tr.cocfg(o)
	}
	return o, nil
}

func (tr *Transport) tlsConfig() (*tls.Config, error) {
	typ := tr.cfg.AuthType()
	switch {
	case typ == auth.SasToken:
		p := tr.cfg.SasTokenAuthentication()
		if p == nil {
			return nil, errors.New("sas token authentication is not configured")
		}
		return p.TLSConfig()
	case typ.IsX509():
		p := tr.cfg.X509Authentication()
		if p == nil {
			return nil, errors.New("x509 authentication is not configured")
		}
		return p.TLSConfig()
	default:
		return nil, fmt.Errorf("unsupported authentication type %s", typ)
	}
}

// identity returns the mqtt username and client id.
func (tr *Transport) identity() (string, string) {
	username := tr.cfg.HostName() + "/" + tr.cfg.DeviceID()
	clientID := tr.cfg.DeviceID()
	if m := tr.cfg.ModuleID(); m != "" {
		username += "/" + m
		clientID += "/" + m
	}
	username += "/?api-version=" + apiVersion
	if tr.mid != "" {
		username += "&model-id=" + url.QueryEscape(tr.mid)
	}
	return username, clientID
}

// startTokenRefreshTimer disconnects once the refresh interval passes,
// auto-reconnect then asks the credentials provider for a renewed token.
func (tr *Transport) startTokenRefreshTimer() {
	if tr.tokenRefreshInterval <= 0 || tr.cfg.AuthType() != auth.SasToken {
		return
	}
	tr.stopTokenRefreshTimer()

	stop := make(chan struct{})
	tr.tokenRefreshStop = stop
	go func() {
		t := time.NewTicker(tr.tokenRefreshInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				tr.logger.Infof("proactive token refresh: reconnecting to get new token")
				tr.mu.RLock()
				conn := tr.conn
				tr.mu.RUnlock()
				if conn != nil && conn.IsConnected() {
					conn.Disconnect(100)
				}
			case <-stop:
				return
			case <-tr.done:
				return
			}
		}
	}()
}

func (tr *Transport) stopTokenRefreshTimer() {
	if tr.tokenRefreshStop != nil {
		close(tr.tokenRefreshStop)
		tr.tokenRefreshStop = nil
	}
}

type subFunc func(ctx context.Context) error

// sub invokes the given sub function and if it passes with no error,
// pushes it to the on-re-connect subscriptions list, because the client
// has to resubscribe every reconnect.
func (tr *Transport) sub(ctx context.Context, sub subFunc) error {
	if err := sub(ctx); err != nil {
		return err
	}
	tr.subm.Lock()
	tr.subs = append(tr.subs, sub)
	tr.subm.Unlock()
	return nil
}

func (tr *Transport) devicePrefix() string {
	return "devices/" + tr.cfg.DeviceID()
}

func (tr *Transport) subEvents() subFunc {
	return func(ctx context.Context) error {
		return contextToken(ctx, tr.conn.Subscribe(
			tr.devicePrefix()+"/messages/devicebound/#", DefaultQoS, func(_ mqtt.Client, m mqtt.Message) {
				tr.logger.Debugf("%d %s", m.Qos(), m.Topic())
				msg, err := parseEventMessage(m.Topic(), m.Payload())
				if err != nil {
					tr.logger.Errorf("message parse error: %s", err)
					return
				}
				select {
				case tr.msgs <- msg:
				case <-tr.done:
				}
			},
		))
	}
}

func parseEventMessage(topic string, payload []byte) (*common.Message, error) {
	p, err := parseCloudToDeviceTopic(topic)
	if err != nil {
		return nil, err
	}
	msg := common.NewMessage(payload)
	for k, v := range p {
		switch k {
		case "$.mid":
			msg.MessageID = v
		case "$.cid":
			msg.CorrelationID = v
		case "$.uid":
			msg.UserID = v
		case "$.to":
			msg.To = v
		case "$.ct":
			msg.ContentType = v
		case "$.ce":
			msg.ContentEncoding = v
		case "$.exp":
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, err
			}
			msg.ExpiryTime = &t
		default:
			if err := msg.SetProperty(k, v); err != nil {
				return nil, err
			}
		}
	}
	return msg, nil
}

// devices/{device}/messages/devicebound/%24.to=%2Fdevices%2F{device}%2Fmessages%2FdeviceBound&a=b&b=c
func parseCloudToDeviceTopic(s string) (map[string]string, error) {
	s, err := url.QueryUnescape(s)
	if err != nil {
		return nil, err
	}

	// attributes prefixed with $.,
	// e.g. `messageId` becomes `$.mid`, `to` becomes `$.to`, etc.
	i := strings.Index(s, "$.")
	if i == -1 {
		return nil, errors.New("malformed cloud-to-device topic name")
	}

	// any non-URL-encoded semicolon are considered invalid
	prop := strings.ReplaceAll(s[i:], ";", "%3B")

	q, err := url.ParseQuery(prop)
	if err != nil {
		return nil, err
	}

	p := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) != 1 {
			return nil, fmt.Errorf("unexpected number of property values: %d", len(v))
		}
		p[k] = v[0]
	}
	return p, nil
}

// Receive returns the next buffered cloud-to-device message or nil
// when there is none, it never blocks.
func (tr *Transport) Receive(ctx context.Context) (*common.Message, error) {
	tr.mu.RLock()
	connected := tr.conn != nil
	tr.mu.RUnlock()
	if !connected {
		return nil, ErrNotConnected
	}
	select {
	case msg := <-tr.msgs:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, nil
	}
}

// SendMessageResult accepts Complete only, messages are acknowledged
// by the mqtt client as soon as they arrive.
func (tr *Transport) SendMessageResult(ctx context.Context, result common.MessageResult) error {
	if result == common.Complete {
		return nil
	}
	return fmt.Errorf("%s: %w", result, ErrNotImplemented)
}

// Send maps GET twin and POST twin/properties/reported onto twin
// request topics, other paths are not reachable over mqtt.
func (tr *Transport) Send(ctx context.Context, msg *common.TransportMessage) (*common.ResponseMessage, error) {
	if msg == nil || msg.Message == nil {
		return nil, errors.New("message is nil")
	}
	var topic string
	switch path := strings.Trim(msg.URIPath, "/"); {
	case msg.Method == common.MethodGet && path == "twin":
		topic = "$iothub/twin/GET/?$rid=%x"
	case msg.Method == common.MethodPost && path == "twin/properties/reported":
		topic = "$iothub/twin/PATCH/properties/reported/?$rid=%x"
	default:
		return nil, fmt.Errorf("%s %s: %w", msg.Method, msg.URIPath, ErrNotImplemented)
	}
	r, err := tr.request(ctx, topic, msg.Bytes())
	if err != nil {
		return nil, err
	}
	return &common.ResponseMessage{Bytes: r.body, Status: common.StatusCodeFromHTTP(r.code)}, nil
}

func (tr *Transport) request(ctx context.Context, topic string, b []byte) (*resp, error) {
	if err := tr.enableTwinResponses(ctx); err != nil {
		return nil, err
	}
	rid := atomic.AddUint32(&tr.rid, 1) // increment rid counter
	dst := fmt.Sprintf(topic, rid)
	rch := make(chan *resp, 1)
	tr.mu.Lock()
	tr.resp[rid] = rch
	tr.mu.Unlock()
	defer func() {
		tr.mu.Lock()
		delete(tr.resp, rid)
		tr.mu.Unlock()
	}()

	if err := tr.send(ctx, dst, DefaultQoS, b); err != nil {
		return nil, err
	}

	select {
	case r := <-rch:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (tr *Transport) enableTwinResponses(ctx context.Context) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.conn == nil {
		return ErrNotConnected
	}
	// already subscribed
	if tr.resp != nil {
		return nil
	}
	if err := tr.sub(ctx, tr.subTwinResponses()); err != nil {
		return err
	}
	tr.resp = make(map[uint32]chan *resp)
	return nil
}

func (tr *Transport) subTwinResponses() subFunc {
	return func(ctx context.Context) error {
		return contextToken(ctx, tr.conn.Subscribe(
			"$iothub/twin/res/#", DefaultQoS, func(_ mqtt.Client, m mqtt.Message) {
				rc, rid, err := parseTwinResponseTopic(m.Topic())
				if err != nil {
					tr.logger.Errorf("parse twin response topic error: %s", err)
					return
				}

				tr.mu.RLock()
				defer tr.mu.RUnlock()
				rch, ok := tr.resp[rid]
				if !ok {
					tr.logger.Warnf("unknown rid: %d", rid)
					return
				}
				res := &resp{code: rc, body: m.Payload()}
				select {
				case rch <- res:
				default:
					tr.logger.Warnf("duplicate response for rid %d", rid)
				}
			},
		))
	}
}

// parseTwinResponseTopic parses the given topic name into rc and rid.
// $iothub/twin/res/{rc}/?$rid={rid}(&$version={ver})?
func parseTwinResponseTopic(s string) (int, uint32, error) {
	const prefix = "$iothub/twin/res/"

	u, err := url.Parse(s)
	if err != nil {
		return 0, 0, err
	}

	p := strings.Trim(u.Path, "/")
	if !strings.HasPrefix(p, prefix) {
		return 0, 0, errors.New("malformed twin response topic")
	}
	rc, err := strconv.Atoi(p[len(prefix):])
	if err != nil {
		return 0, 0, err
	}

	q := u.Query()
	if len(q["$rid"]) != 1 {
		return 0, 0, errors.New("$rid is not available")
	}
	rid, err := strconv.ParseUint(q["$rid"][0], 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("$rid parse error: %w", err)
	}
	return rc, uint32(rid), nil
}

func encodeProperties(props url.Values) string {
	enc := props.Encode()

	return strings.ReplaceAll(enc, "+", "%20")
}

const rfc3339Milli = "2006-01-02T15:04:05.999Z07:00"

// eventTopic returns the device-to-cloud topic carrying msg properties.
func (tr *Transport) eventTopic(msg *common.Message) string {
	props := msg.Properties()
	u := make(url.Values, len(props)+7)
	if msg.MessageID != "" {
		u.Add("$.mid", msg.MessageID)
	}
	if msg.CorrelationID != "" {
		u.Add("$.cid", msg.CorrelationID)
	}
	if msg.UserID != "" {
		u.Add("$.uid", msg.UserID)
	}
	if msg.To != "" {
		u.Add("$.to", msg.To)
	}
	if msg.ExpiryTime != nil && !msg.ExpiryTime.IsZero() {
		u.Add("$.exp", msg.ExpiryTime.UTC().Format(rfc3339Milli))
	}
	if msg.ContentType != "" {
		u.Add("$.ct", msg.ContentType)
	}
	if msg.ContentEncoding != "" {
		u.Add("$.ce", msg.ContentEncoding)
	}
	for _, p := range props {
		u.Add(p.Name, p.Value)
	}

	base := tr.devicePrefix()
	if m := tr.cfg.ModuleID(); m != "" {
		base += "/modules/" + m
	}
	return base + "/messages/events/" + encodeProperties(u)
}

// SendEvent publishes msg, the broker acknowledgement is reported
// as StatusOKEmpty.
func (tr *Transport) SendEvent(ctx context.Context, msg *common.Message) (*common.ResponseMessage, error) {
	if err := tr.send(ctx, tr.eventTopic(msg), DefaultQoS, msg.Bytes()); err != nil {
		return nil, err
	}
	return &common.ResponseMessage{Bytes: []byte{}, Status: common.StatusOKEmpty}, nil
}

func (tr *Transport) send(ctx context.Context, topic string, qos int, b []byte) error {
	tr.mu.RLock()
	conn := tr.conn
	tr.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return contextToken(ctx, conn.Publish(topic, byte(qos), false, b))
}

// mqtt lib doesn't support contexts currently
func contextToken(ctx context.Context, t mqtt.Token) error {
	done := make(chan struct{})
	go func() {
		for !t.WaitTimeout(time.Second) {
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
		close(done)
	}()
	select {
	case <-done:
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tr *Transport) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.stopTokenRefreshTimer()

	select {
	case <-tr.done:
		return nil
	default:
		close(tr.done)
	}
	if tr.conn != nil && tr.conn.IsConnected() {
		tr.conn.Disconnect(250)
		tr.logger.Debugf("disconnected")
	}
	tr.conn = nil
	return nil
}

var _ transport.Transport = (*Transport)(nil)
