package delivery

import (
	"context"
	"sync/atomic"

	logx "courier/pkg/logx"
)

// AuthenticateOnDemand hooks a into p: every authentication request from p's
// senders runs a with method, and a successful run resends what was waiting.
// Requests arriving while a run is in progress are folded into it.
func AuthenticateOnDemand(ctx context.Context, p *Provider, a Authenticator, method string) (remove func()) {
	var busy atomic.Bool
	return p.AddAuthenticationListener(func() {
		if !busy.CompareAndSwap(false, true) {
			return
		}
		p.log.Info("requesting authentication", logx.String("method", method))
		a.Authenticate(ctx, method, func(err error) {
			busy.Store(false)
			if err != nil {
				p.log.Warn("authentication failed", logx.String("method", method), logx.Err(err))
				return
			}
			p.log.Info("authenticated", logx.String("method", method))
			p.OnAuthenticationSucceeded()
		})
	})
}
