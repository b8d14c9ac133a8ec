// Package commonamqp holds the amqp plumbing shared by the device
// transport and the service receivers.
package commonamqp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/coder/websocket"
)

// ClientVersion is announced in the connection properties.
const ClientVersion = "iothub-go-amqp/dev"

// ConnProperties returns the connection properties sent on open.
func ConnProperties() map[string]any {
	return map[string]any{"com.microsoft:client-version": ClientVersion}
}

// PutToken authorizes the connection for audience by sending a
// put-token request on a pair of $cbs links opened on sess.
func PutToken(ctx context.Context, sess *amqp.Session, audience, token string) error {
	sender, err := sess.NewSender(ctx, "$cbs", nil)
	if err != nil {
		return err
	}
	defer sender.Close(context.Background())

	receiver, err := sess.NewReceiver(ctx, "$cbs", nil)
	if err != nil {
		return err
	}
	defer receiver.Close(context.Background())

	if err = sender.Send(ctx, NewPutTokenMessage(audience, token), nil); err != nil {
		return err
	}

	msg, err := receiver.Receive(ctx, nil)
	if err != nil {
		return err
	}
	if err = receiver.AcceptMessage(ctx, msg); err != nil {
		return err
	}
	return CheckResponse(msg)
}

// NewPutTokenMessage returns a cbs request installing token for audience.
func NewPutTokenMessage(audience, token string) *amqp.Message {
	to := "$cbs"
	replyTo := "cbs"
	return &amqp.Message{
		Value: token,
		Properties: &amqp.MessageProperties{
			To:      &to,
			ReplyTo: &replyTo,
		},
		ApplicationProperties: map[string]interface{}{
			"operation": "put-token",
			"type":      "servicebus.windows.net:sastoken",
			"name":      audience,
		},
	}
}

// CheckResponse checks if CBS response indicates success.
func CheckResponse(msg *amqp.Message) error {
	if msg.ApplicationProperties == nil {
		return nil
	}

	statusCode, ok := msg.ApplicationProperties["status-code"]
	if !ok {
		return nil
	}

	code, ok := statusCode.(int32)
	if !ok {
		return nil
	}

	if code < 200 || code >= 300 {
		desc := ""
		if d, ok := msg.ApplicationProperties["status-description"].(string); ok {
			desc = d
		}
		return &CBSError{Code: int(code), Description: desc}
	}
	return nil
}

// CBSError represents a CBS authentication error.
type CBSError struct {
	Code        int
	Description string
}

func (e *CBSError) Error() string {
	return fmt.Sprintf("cbs: %d %s", e.Code, e.Description)
}

// RefreshLoop calls put every interval until dying is closed,
// the first failed put ends the loop with its error.
func RefreshLoop(dying <-chan struct{}, interval time.Duration, put func(ctx context.Context) error) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := put(ctx)
			cancel()
			if err != nil {
				return fmt.Errorf("token refresh: %w", err)
			}
			timer.Reset(interval)
		case <-dying:
			return nil
		}
	}
}

// DialWebSocket opens an amqp connection tunneled through a websocket
// on port 443, proxy picks the http proxy for the upgrade request.
func DialWebSocket(
	ctx context.Context,
	host string,
	opts *amqp.ConnOptions,
	proxy func(*http.Request) (*url.URL, error),
) (*amqp.Conn, error) {
	wsURL := fmt.Sprintf("wss://%s:443/$iothub/websocket", host)
	wsOpts := &websocket.DialOptions{
		Subprotocols: []string{"amqp"},
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				Proxy:           proxy,
				TLSClientConfig: opts.TLSConfig,
			},
		},
	}

	wsConn, _, err := websocket.Dial(ctx, wsURL, wsOpts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	// the net.Conn outlives the dial context
	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)

	// tls is already terminated by the websocket
	amqpOpts := *opts
	amqpOpts.TLSConfig = nil
	conn, err := amqp.NewConn(ctx, netConn, &amqpOpts)
	if err != nil {
		wsConn.Close(websocket.StatusNormalClosure, "amqp connection failed")
		return nil, fmt.Errorf("amqp connection over websocket failed: %w", err)
	}
	return conn, nil
}
