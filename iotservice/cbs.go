package iotservice

import (
	"context"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/bluesea251610e/iothub-sdk/common/commonamqp"
)

const (
	// tokenUpdateInterval is how long tokens are valid
	tokenUpdateInterval = time.Hour

	// tokenUpdateSpan is how long before expiry we refresh
	tokenUpdateSpan = 10 * time.Minute
)

// startCBSAuth opens the session tokens are put on and puts the first one.
func (r *FileNotificationReceiver) startCBSAuth(ctx context.Context) error {
	cbsSess, err := r.conn.NewSession(ctx, nil)
	if err != nil {
		return err
	}
	r.cbsSess = cbsSess

	if err := r.putToken(ctx, cbsSess); err != nil {
		cbsSess.Close(context.Background())
		r.cbsSess = nil
		return err
	}
	return nil
}

// putToken authorizes the connection with a hub scoped policy token.
func (r *FileNotificationReceiver) putToken(ctx context.Context, sess *amqp.Session) error {
	sas, err := r.creds.Token(tokenUpdateInterval)
	if err != nil {
		return err
	}
	if err := commonamqp.PutToken(ctx, sess, r.creds.HostName, sas.String()); err != nil {
		return err
	}
	r.logger.Debugf("CBS authentication successful")
	return nil
}

// tokenRefreshLoop periodically refreshes the CBS token, a failed
// refresh kills the receiver.
func (r *FileNotificationReceiver) tokenRefreshLoop(sess *amqp.Session) error {
	err := commonamqp.RefreshLoop(r.tmb.Dying(), tokenUpdateInterval-tokenUpdateSpan, func(ctx context.Context) error {
		return r.putToken(ctx, sess)
	})
	if err != nil {
		r.logger.Errorf("CBS token refresh failed: %s", err)
		r.notifyConnectionStatus(false, err)
	}
	return err
}
