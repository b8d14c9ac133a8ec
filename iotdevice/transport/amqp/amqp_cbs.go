package amqp

import (
	"context"
	"errors"

	"github.com/Azure/go-amqp"
	"github.com/bluesea251610e/iothub-sdk/common/commonamqp"
)

// startCBSAuth opens the session device tokens are put on and puts
// the first one.
func (tr *Transport) startCBSAuth(ctx context.Context) error {
	cbsSess, err := tr.conn.NewSession(ctx, nil)
	if err != nil {
		return err
	}
	tr.cbsSess = cbsSess
	return tr.putToken(ctx, cbsSess)
}

// putToken authorizes the connection for this device's resources,
// the provider renews the token when it is about to expire.
func (tr *Transport) putToken(ctx context.Context, sess *amqp.Session) error {
	p := tr.cfg.SasTokenAuthentication()
	if p == nil {
		return errors.New("sas token authentication is not configured")
	}
	token, err := p.RenewedSasToken()
	if err != nil {
		return err
	}
	if err := commonamqp.PutToken(ctx, sess, tr.audience(), token); err != nil {
		return err
	}
	tr.logger.Debugf("CBS authentication successful")
	return nil
}

// tokenRefreshLoop puts a fresh token every refresh interval,
// a failed put ends the loop and makes the transport unusable.
func (tr *Transport) tokenRefreshLoop(sess *amqp.Session) error {
	err := commonamqp.RefreshLoop(tr.tmb.Dying(), tr.tokenRefreshInterval, func(ctx context.Context) error {
		return tr.putToken(ctx, sess)
	})
	if err != nil {
		tr.logger.Errorf("CBS token refresh failed: %s", err)
		tr.notifyConnectionStatus(false, err)
	}
	return err
}
