package iotservice

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Azure/go-amqp"
	"github.com/bluesea251610e/iothub-sdk/common"
	"github.com/bluesea251610e/iothub-sdk/common/commonamqp"
	"github.com/bluesea251610e/iothub-sdk/logger"
	"gopkg.in/tomb.v2"
)

const fileNotificationsAddress = "/messages/serviceBound/filenotifications"

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
)

// ConnectionStatusHandler handles connection status changes
type ConnectionStatusHandler func(connected bool, err error)

// ReceiverOption is a receiver configuration option.
type ReceiverOption func(r *FileNotificationReceiver)

// WithLogger sets logger for errors and warnings.
func WithLogger(l logger.Logger) ReceiverOption {
	return func(r *FileNotificationReceiver) {
		r.logger = l
	}
}

// WithWebSocket enables AMQP over WebSocket on port 443.
func WithWebSocket(enable bool) ReceiverOption {
	return func(r *FileNotificationReceiver) {
		r.webSocket = enable
	}
}

// WithConnectionStatusHandler sets the connection status callback.
func WithConnectionStatusHandler(handler ConnectionStatusHandler) ReceiverOption {
	return func(r *FileNotificationReceiver) {
		r.connStatusHandler = handler
	}
}

// WithTLSConfig sets TLS configuration.
func WithTLSConfig(cfg *tls.Config) ReceiverOption {
	return func(r *FileNotificationReceiver) {
		r.tlsCfg = cfg
	}
}

// FileNotificationReceiver receives file upload notifications from
// the hub service endpoint.
type FileNotificationReceiver struct {
	mu   sync.RWMutex
	conn *amqp.Conn
	sess *amqp.Session
	recv *amqp.Receiver

	cbsSess    *amqp.Session
	tmb        tomb.Tomb
	refreshing bool

	creds  *Credentials
	logger logger.Logger
	tlsCfg *tls.Config

	webSocket         bool
	connStatusHandler ConnectionStatusHandler
}

// NewFileNotificationReceiver returns a receiver authenticated with
// the shared access policy from the service connection string cs.
func NewFileNotificationReceiver(cs string, opts ...ReceiverOption) (*FileNotificationReceiver, error) {
	creds, err := ParseConnectionString(cs)
	if err != nil {
		return nil, err
	}
	r := &FileNotificationReceiver{
		creds:  creds,
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Connect dials the hub, authenticates and attaches the notifications link.
func (r *FileNotificationReceiver) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return ErrAlreadyConnected
	}
	if !r.tmb.Alive() {
		return errors.New("receiver is closed")
	}

	tlsCfg := r.tlsCfg
	if tlsCfg == nil {
		tlsCfg = &tls.Config{RootCAs: common.RootCAs()}
	}
	connOpts := &amqp.ConnOptions{
		TLSConfig:  tlsCfg,
		SASLType:   amqp.SASLTypeAnonymous(),
		HostName:   r.creds.HostName,
		Properties: commonamqp.ConnProperties(),
	}

	var (
		conn *amqp.Conn
		err  error
	)
	if r.webSocket {
		conn, err = commonamqp.DialWebSocket(ctx, r.creds.HostName, connOpts, http.ProxyFromEnvironment)
	} else {
		conn, err = amqp.Dial(ctx, fmt.Sprintf("amqps://%s:5671", r.creds.HostName), connOpts)
	}
	if err != nil {
		r.notifyConnectionStatus(false, err)
		return err
	}
	r.conn = conn
	r.logger.Debugf("AMQP connection established to %s", r.creds.HostName)

	if err := r.attach(ctx); err != nil {
		r.closeLinks()
		r.notifyConnectionStatus(false, err)
		return err
	}

	cbsSess := r.cbsSess
	r.refreshing = true
	r.tmb.Go(func() error {
		return r.tokenRefreshLoop(cbsSess)
	})
	r.notifyConnectionStatus(true, nil)
	return nil
}

func (r *FileNotificationReceiver) attach(ctx context.Context) error {
	if err := r.startCBSAuth(ctx); err != nil {
		return err
	}
	sess, err := r.conn.NewSession(ctx, nil)
	if err != nil {
		return err
	}
	r.sess = sess

	recv, err := sess.NewReceiver(ctx, fileNotificationsAddress, nil)
	if err != nil {
		return err
	}
	r.recv = recv
	return nil
}

// Receive blocks until the next notification arrives and accepts it.
// Notifications that cannot be decoded are rejected.
func (r *FileNotificationReceiver) Receive(ctx context.Context) (*FileUploadNotification, error) {
	r.mu.RLock()
	recv := r.recv
	r.mu.RUnlock()
	if recv == nil {
		return nil, ErrNotConnected
	}

	msg, err := recv.Receive(ctx, nil)
	if err != nil {
		if !r.tmb.Alive() && r.tmb.Err() != nil {
			return nil, r.tmb.Err()
		}
		return nil, err
	}
	n, err := ParseFileUploadNotification(msg.GetData())
	if err != nil {
		if rerr := recv.RejectMessage(ctx, msg, &amqp.Error{
			Condition:   amqp.ErrCondDecodeError,
			Description: err.Error(),
		}); rerr != nil {
			r.logger.Warnf("reject message error: %s", rerr)
		}
		return nil, err
	}
	if err := recv.AcceptMessage(ctx, msg); err != nil {
		return nil, err
	}
	r.logger.Debugf("file upload notification for %s: %s", n.DeviceID, n.BlobName)
	return n, nil
}

// Run calls fn for every notification until ctx is done, fn fails
// or the receiver dies. Malformed notifications are skipped.
func (r *FileNotificationReceiver) Run(ctx context.Context, fn func(*FileUploadNotification) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.tmb.Dying():
			return r.tmb.Err()
		default:
		}

		n, err := r.Receive(ctx)
		if errors.Is(err, ErrMalformedNotification) {
			r.logger.Warnf("skipping notification: %s", err)
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
	}
}

func (r *FileNotificationReceiver) notifyConnectionStatus(connected bool, err error) {
	if r.connStatusHandler != nil {
		r.connStatusHandler(connected, err)
	}
}

// closeLinks closes whatever Connect managed to open.
func (r *FileNotificationReceiver) closeLinks() {
	if r.recv != nil {
		r.recv.Close(context.Background())
		r.recv = nil
	}
	if r.sess != nil {
		r.sess.Close(context.Background())
		r.sess = nil
	}
	if r.cbsSess != nil {
		r.cbsSess.Close(context.Background())
		r.cbsSess = nil
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

// Close stops the token refresh and closes the connection,
// the receiver cannot be connected again.
func (r *FileNotificationReceiver) Close() error {
	r.tmb.Kill(nil)

	r.mu.Lock()
	wasConnected := r.conn != nil
	refreshing := r.refreshing
	r.closeLinks()
	r.mu.Unlock()

	if wasConnected {
		r.notifyConnectionStatus(false, nil)
		r.logger.Debugf("AMQP connection closed")
	}
	// a tomb that never ran a goroutine never dies
	if !refreshing {
		return nil
	}
	return r.tmb.Wait()
}
