package dispatch

import (
	"github.com/wsengine/wsengine/protocol"
	"golang.org/x/time/rate"
)

// limitersParamKey stores the session's limiter pair in its params, so
// limiter state lives and dies with the session.
const limitersParamKey = "ratelimit_limiters"

// limiterPair holds the per-second and per-minute limiters for one session.
type limiterPair struct {
	rps *rate.Limiter
	rpm *rate.Limiter
}

// RateLimit returns a middleware limiting each session to rps requests per
// second and rpm per minute. Zero disables the respective limit. Blocked
// messages get a sys.error with the rate-limit code.
func RateLimit(rps, rpm int) Middleware {
	return func(ctx *Ctx) bool {
		pair := sessionLimiters(ctx, rps, rpm)
		if pair.rps != nil && !pair.rps.Allow() {
			ctx.Error(protocol.CodeRateLimited, "Rate limit exceeded", nil)
			return false
		}
		if pair.rpm != nil && !pair.rpm.Allow() {
			ctx.Error(protocol.CodeRateLimited, "Rate limit exceeded", nil)
			return false
		}
		return true
	}
}

func sessionLimiters(ctx *Ctx, rps, rpm int) *limiterPair {
	if value, ok := ctx.Session.Params().Load(limitersParamKey); ok {
		if pair, ok := value.(*limiterPair); ok {
			return pair
		}
	}
	pair := &limiterPair{}
	if rps > 0 {
		pair.rps = rate.NewLimiter(rate.Limit(rps), rps)
	}
	if rpm > 0 {
		pair.rpm = rate.NewLimiter(rate.Limit(rpm)/60.0, rpm)
	}
	ctx.Session.Params().Store(limitersParamKey, pair)
	return pair
}
