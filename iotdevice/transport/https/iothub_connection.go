package https

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bluesea251610e/iothub-sdk/common"
	"github.com/bluesea251610e/iothub-sdk/iotdevice/auth"
	"github.com/bluesea251610e/iothub-sdk/iotdevice/transport"
	"github.com/bluesea251610e/iothub-sdk/logger"
)

const (
	apiVersion = "2016-02-03"

	// DefaultUserAgent is sent when no other user agent is configured.
	DefaultUserAgent = "iothub-go-https/dev"

	sasTokenExpiredMessage = "Your sas token has expired"
)

// messageState is whether a received cloud-to-device message waits for a result.
type messageState interface {
	isMessageState()
}

type idle struct{}

type pending struct {
	etag string
}

func (idle) isMessageState()    {}
func (pending) isMessageState() {}

// tokenState tells whether the sas token can still be used.
type tokenState int

const (
	tokenValid tokenState = iota
	tokenStale
)

// IotHubConnection performs device operations against the hub
// https api. It holds at most one received message waiting for
// a result and is not safe for concurrent use.
type IotHubConnection struct {
	cfg       transport.Config
	logger    logger.Logger
	userAgent string

	state messageState
}

// NewIotHubConnection returns a connection for the configured device.
func NewIotHubConnection(cfg transport.Config, l logger.Logger, userAgent string) (*IotHubConnection, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is nil", ErrInvalidArgument)
	}
	if cfg.HostName() == "" || cfg.DeviceID() == "" {
		return nil, fmt.Errorf("%w: hostname and device id are required", ErrInvalidArgument)
	}
	if l == nil {
		l = logger.Nop()
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &IotHubConnection{
		cfg:       cfg,
		logger:    l,
		userAgent: userAgent,
		state:     idle{},
	}, nil
}

// SendEvent posts msg to the device events endpoint.
//
// When the sas token is expired and cannot be renewed a response with
// StatusUnauthorized is returned instead of an error.
func (c *IotHubConnection) SendEvent(ctx context.Context, msg Message) (*common.ResponseMessage, error) {
	return c.send(ctx, msg, MethodPost, c.identityPath()+"/messages/events")
}

// SendHTTPSMessage sends msg with method to an arbitrary device scoped path.
func (c *IotHubConnection) SendHTTPSMessage(ctx context.Context, msg Message, method Method, uriPath string) (*common.ResponseMessage, error) {
	if !method.valid() {
		return nil, fmt.Errorf("%w: unsupported method %q", ErrInvalidArgument, method)
	}
	return c.send(ctx, msg, method, c.identityPath()+"/"+strings.TrimPrefix(uriPath, "/"))
}

func (c *IotHubConnection) send(ctx context.Context, msg Message, method Method, path string) (*common.ResponseMessage, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message is nil", ErrInvalidArgument)
	}
	if c.checkToken() == tokenStale {
		c.logger.Warnf("sas token expired, not sending %s %s", method, path)
		return &common.ResponseMessage{
			Bytes:  []byte(sasTokenExpiredMessage),
			Status: common.StatusUnauthorized,
		}, nil
	}

	req := NewRequest(c.url(path), method, msg.Body(), c.userAgent)
	for _, p := range msg.Properties() {
		req.SetHeaderField(p.Name, p.Value)
	}
	req.SetHeaderField("iothub-to", path).
		SetHeaderField("content-type", msg.ContentType())
	if err := c.prepare(req); err != nil {
		return nil, err
	}

	c.logger.Debugf("%s %s", method, path)
	resp, err := req.Send(ctx)
	if err != nil {
		return nil, err
	}
	status := common.StatusCodeFromHTTP(resp.Status())
	c.logger.Debugf("%s %s: %s", method, path, status)

	body := resp.Body()
	if resp.Status() >= 400 {
		body = resp.ErrorReason()
	}
	return &common.ResponseMessage{Bytes: body, Status: status}, nil
}

// ReceiveMessage polls for a cloud-to-device message, it returns nil
// when no message is waiting. A received message with a body and an
// etag has to be settled with SendMessageResult. Any receive that
// reaches the hub forgets the previously received message.
//
// When the sas token is expired and cannot be renewed a message
// saying so is returned so that polling loops keep going.
func (c *IotHubConnection) ReceiveMessage(ctx context.Context) (*common.Message, error) {
	path := c.deviceBoundPath()
	if c.checkToken() == tokenStale {
		c.logger.Warnf("sas token expired, not polling %s", path)
		return common.NewMessage([]byte(sasTokenExpiredMessage)), nil
	}

	req := NewRequest(c.url(path), MethodGet, nil, c.userAgent)
	req.SetHeaderField("iothub-to", path).
		SetHeaderField("iothub-messagelocktimeout", strconv.Itoa(int(c.cfg.MessageLockTimeout()/time.Second)))
	if err := c.prepare(req); err != nil {
		return nil, err
	}

	resp, err := req.Send(ctx)
	if err != nil {
		return nil, err
	}
	c.state = idle{}
	switch status := common.StatusCodeFromHTTP(resp.Status()); status {
	case common.StatusOK:
		etag := sanitizeEtag(resp.HeaderField("etag"))
		switch {
		case len(resp.Body()) == 0:
			c.logger.Warnf("received message has an empty body, it is not tracked for settlement")
		case etag == "":
			c.logger.Warnf("received message has no etag, it cannot be settled")
		default:
			c.state = pending{etag: etag}
		}
		c.logger.Debugf("received message, etag %q", etag)
		return ParseResponse(resp).toMessage(c.logger), nil
	case common.StatusOKEmpty:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: receive message: %s", ErrUnexpectedStatus, status)
	}
}

// SendMessageResult completes, abandons or rejects the last received
// message. Whatever the outcome the message is no longer tracked.
func (c *IotHubConnection) SendMessageResult(ctx context.Context, result common.MessageResult) error {
	p, ok := c.state.(pending)
	if !ok {
		return ErrNoPendingMessage
	}

	base := c.deviceBoundPath() + "/" + url.PathEscape(p.etag)
	var (
		method Method
		path   string
		query  string
	)
	switch result {
	case common.Complete:
		method, path = MethodDelete, base
	case common.Abandon:
		method, path = MethodPost, base+"/abandon"
	case common.Reject:
		method, path, query = MethodDelete, base, "&reject=true"
	default:
		return fmt.Errorf("%w: unknown message result %s", ErrInvalidArgument, result)
	}
	defer func() {
		c.state = idle{}
	}()

	if c.checkToken() == tokenStale {
		return auth.ErrSasTokenExpired
	}

	req := NewRequest(c.url(path)+query, method, nil, c.userAgent)
	req.SetHeaderField("iothub-to", path).
		SetHeaderField("if-match", p.etag)
	if err := c.prepare(req); err != nil {
		return err
	}

	c.logger.Debugf("sending %s for etag %q", result, p.etag)
	resp, err := req.Send(ctx)
	if err != nil {
		return &transport.Error{Err: fmt.Errorf("send %s: %w", result, err)}
	}
	if status := common.StatusCodeFromHTTP(resp.Status()); status != common.StatusOKEmpty {
		return fmt.Errorf("%w: sending %s failed with status %s", ErrUnexpectedStatus, result, status)
	}
	return nil
}

// prepare applies timeouts, proxy and authentication of the configured type.
func (c *IotHubConnection) prepare(req *Request) error {
	req.SetReadTimeout(c.cfg.ReadTimeout()).
		SetConnectTimeout(c.cfg.ConnectTimeout()).
		SetProxy(c.cfg.Proxy())

	switch typ := c.cfg.AuthType(); {
	case typ == auth.SasToken:
		p := c.cfg.SasTokenAuthentication()
		if p == nil {
			return fmt.Errorf("%w: sas token authentication is not configured", ErrInvalidArgument)
		}
		token, err := p.RenewedSasToken()
		if err != nil {
			return err
		}
		tlsCfg, err := p.TLSConfig()
		if err != nil {
			return err
		}
		req.SetHeaderField("authorization", token).SetTLSConfig(tlsCfg)
	case typ.IsX509():
		p := c.cfg.X509Authentication()
		if p == nil {
			return fmt.Errorf("%w: x509 authentication is not configured", ErrInvalidArgument)
		}
		tlsCfg, err := p.TLSConfig()
		if err != nil {
			return err
		}
		req.SetTLSConfig(tlsCfg)
	default:
		return fmt.Errorf("%w: unsupported authentication type %s", ErrInvalidArgument, typ)
	}
	return nil
}

func (c *IotHubConnection) checkToken() tokenState {
	if c.cfg.AuthType() != auth.SasToken {
		return tokenValid
	}
	if p := c.cfg.SasTokenAuthentication(); p != nil && p.IsRenewalNecessary() {
		return tokenStale
	}
	return tokenValid
}

// PendingEtag returns the etag of the message waiting for a result.
func (c *IotHubConnection) PendingEtag() (string, bool) {
	p, ok := c.state.(pending)
	return p.etag, ok
}

func (c *IotHubConnection) url(path string) string {
	return "https://" + c.cfg.HostName() + path + "?api-version=" + apiVersion
}

func (c *IotHubConnection) devicePath() string {
	return "/devices/" + url.PathEscape(c.cfg.DeviceID())
}

// identityPath is the device path or the module path when a module is configured.
func (c *IotHubConnection) identityPath() string {
	if m := c.cfg.ModuleID(); m != "" {
		return c.devicePath() + "/modules/" + url.PathEscape(m)
	}
	return c.devicePath()
}

func (c *IotHubConnection) deviceBoundPath() string {
	return c.devicePath() + "/messages/devicebound"
}

func sanitizeEtag(etag string) string {
	return strings.Trim(etag, `"`)
}
