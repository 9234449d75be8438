package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/xcrystal627/commune/pkg/auth"
	"github.com/xcrystal627/commune/pkg/models"
	"github.com/xcrystal627/commune/pkg/ratelimit"
)

const anonymous = "anonymous"

// Gate authorizes one call of fn. The checks run in order and the first
// failure is returned as an *Error:
//
//  1. public capabilities and free mode only need fn on the whitelist
//  2. the envelope signature must verify against the claimed key
//  3. the timestamp must be within MaxRequestStaleness of now
//  4. the signature must not have been seen before
//  5. unprivileged callers may only call whitelisted functions
//  6. the caller's stake-derived rate must leave a token in the window
//
// A call that passes has consumed exactly one rate-limit token.
func (g *Gateway) Gate(ctx context.Context, fn string, env models.Envelope) (auth.Caller, error) {
	g.mu.RLock()
	c, hasCap := g.caps[fn]
	_, listed := g.whitelist[fn]
	key := g.key
	_, local := g.local[env.Key]
	g.mu.RUnlock()
	if key == nil {
		return auth.Caller{}, newError(KindExecution, ErrNotRegistered)
	}

	if g.opts.Free || (hasCap && c.rateClass() == RatePublic) {
		if !listed {
			return auth.Caller{}, g.unlisted(fn)
		}
		caller := auth.Caller{Address: anonymous, Class: auth.ClassFree}
		if auth.VerifyRequest(env) == nil {
			caller.Address = env.Key
		}
		return caller, nil
	}

	if err := auth.VerifyRequest(env); err != nil {
		return auth.Caller{}, errorf(KindAuth, ErrInvalidSignature, "%v", err)
	}
	ts, err := auth.RequestTime(env)
	if err != nil {
		return auth.Caller{}, errorf(KindAuth, ErrStaleRequest, "%v", err)
	}
	age := g.now().Sub(ts)
	if age < 0 {
		age = -age
	}
	if age >= g.opts.MaxRequestStaleness {
		return auth.Caller{}, errorf(KindAuth, ErrStaleRequest,
			"request is %.3fs from server time, max %.0fs", age.Seconds(), g.opts.MaxRequestStaleness.Seconds())
	}
	seen, err := g.replay.Seen(ctx, env.Signature)
	if err != nil {
		g.logger.Warn("replay guard unavailable", zap.Error(err))
	} else if seen {
		return auth.Caller{}, errorf(KindAuth, ErrReplayedRequest, "signature already used")
	}

	weight := 1.0
	if hasCap {
		weight = c.costWeight()
	}
	_, admin := g.admins[env.Key]
	snap := g.snapshot()
	caller := g.opts.RateModel.Rate(ratelimit.Identity{
		Caller: env.Key,
		Owner:  key.Address(),
		Admin:  admin,
		Local:  local,
	}, snap.StakeTo, snap.StakeFrom, weight)

	if !listed && !caller.Privileged() {
		return caller, g.unlisted(fn)
	}
	limit := ratelimit.Limit(caller.Rate)
	if d := g.limiter.Allow(caller.Address, limit); !d.Allowed {
		return caller, errorf(KindRateLimit, ErrRateLimitExceeded,
			"%d calls in window, limit %d (%s rate %.2f)", d.Count, d.Limit, caller.Class, caller.Rate)
	}
	return caller, nil
}

// unlisted rejects fn: as not allowed when the module serves it, as not
// found otherwise. Admin helper names stay hidden from unprivileged callers.
func (g *Gateway) unlisted(fn string) error {
	g.mu.RLock()
	_, hasCap := g.caps[fn]
	g.mu.RUnlock()
	if hasCap {
		return errorf(KindAuth, ErrFunctionNotAllowed, "%s is not whitelisted", fn)
	}
	return errorf(KindNotFound, ErrFunctionNotFound, "%s", fn)
}
