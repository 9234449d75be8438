package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/xcrystal627/commune/pkg/models"
	"github.com/xcrystal627/commune/pkg/ratelimit"
)

// publicHelpers are always whitelisted and callable by anyone who passes the gate.
var publicHelpers = map[string]string{
	"info":      "module name, address, key, schema and call stats",
	"schema":    "per-function docs, params, cost and rate class",
	"name":      "module name",
	"address":   "advertised address",
	"functions": "callable module functions",
	"whitelist": "every whitelisted function name",
}

// adminHelpers resolve only for admin and owner callers.
var adminHelpers = map[string]string{
	"history":  "call records of a caller since a unix time",
	"rate":     "rate class and allowance of an address",
	"snapshot": "directory snapshot summary; refresh=true forces a fetch",
	"stop":     "shut the gateway down and deregister",
}

// Dispatch resolves fn against the module first, then the public helpers,
// then, for privileged callers only, the admin helpers.
func (g *Gateway) Dispatch(ctx context.Context, call Call) (interface{}, error) {
	g.mu.RLock()
	c, ok := g.caps[call.Fn]
	g.mu.RUnlock()
	if ok {
		if c.rateClass() == RateAdmin && !call.Caller.Privileged() {
			return nil, errorf(KindAuth, ErrFunctionNotAllowed, "%s requires an admin or owner key", call.Fn)
		}
		return c.Handler(ctx, call)
	}
	if _, ok := publicHelpers[call.Fn]; ok {
		return g.publicHelper(ctx, call)
	}
	if _, ok := adminHelpers[call.Fn]; ok && call.Caller.Privileged() {
		return g.adminHelper(ctx, call)
	}
	return nil, errorf(KindNotFound, ErrFunctionNotFound, "%s", call.Fn)
}

func (g *Gateway) publicHelper(ctx context.Context, call Call) (interface{}, error) {
	callerCalls := -1
	if call.Fn == "info" && g.history != nil {
		if n, err := g.history.Count(ctx, call.Caller.Address, time.Time{}); err == nil {
			callerCalls = n
		}
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	switch call.Fn {
	case "name":
		return g.module.Name, nil
	case "address":
		return g.address, nil
	case "schema":
		return g.schema, nil
	case "whitelist":
		return sortedNames(g.whitelist), nil
	case "functions":
		return g.functionsLocked(), nil
	default:
		return map[string]interface{}{
			"name":      g.module.Name,
			"address":   g.address,
			"key":       g.key.Address(),
			"subnet":    g.opts.Subnet,
			"functions": g.functionsLocked(),
			"schema":    g.schema,
			"free":      g.opts.Free,
			"stats":     g.stats.summary(),
			// -1 without a history store
			"caller_calls": callerCalls,
		}, nil
	}
}

func (g *Gateway) functionsLocked() []string {
	set := map[string]struct{}{}
	for name := range g.caps {
		if _, ok := g.whitelist[name]; ok {
			set[name] = struct{}{}
		}
	}
	return sortedNames(set)
}

func (g *Gateway) adminHelper(ctx context.Context, call Call) (interface{}, error) {
	switch call.Fn {
	case "history":
		if g.history == nil {
			return []models.CallRecord{}, nil
		}
		caller := call.StringOr(0, "caller", call.Caller.Address)
		fn := call.StringOr(1, "fn", "")
		var since time.Time
		if sec, err := call.Float(-1, "since"); err == nil && sec > 0 {
			since = models.FromUnixSeconds(sec)
		}
		return g.history.List(ctx, caller, fn, since)
	case "rate":
		address := call.StringOr(0, "address", call.Caller.Address)
		weight := 1.0
		g.mu.RLock()
		if c, ok := g.caps[call.StringOr(1, "fn", "")]; ok {
			weight = c.costWeight()
		}
		owner := g.key.Address()
		_, local := g.local[address]
		g.mu.RUnlock()
		_, admin := g.admins[address]
		snap := g.snapshot()
		rated := g.opts.RateModel.Rate(ratelimit.Identity{Caller: address, Owner: owner, Admin: admin, Local: local},
			snap.StakeTo, snap.StakeFrom, weight)
		return map[string]interface{}{
			"address": rated.Address,
			"class":   rated.Class,
			"rate":    rated.Rate,
			"limit":   ratelimit.Limit(rated.Rate),
			"stake":   g.opts.RateModel.StakeScore(address, owner, snap.StakeTo, snap.StakeFrom),
		}, nil
	case "snapshot":
		if v, ok := call.Kwargs["refresh"].(bool); ok && v {
			g.mu.RLock()
			r := g.refresher
			g.mu.RUnlock()
			if r != nil {
				if _, err := r.Refresh(ctx); err != nil {
					return nil, err
				}
			}
		}
		snap := g.snapshot()
		return map[string]interface{}{
			"subnet":     snap.Subnet,
			"modules":    len(snap.Modules),
			"stakers":    len(snap.StakeTo),
			"fetched_at": snap.FetchedAt,
		}, nil
	default:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = g.Shutdown(ctx)
		}()
		return models.VoteResult{Success: true, Msg: "shutting down"}, nil
	}
}

const recentCalls = 20

// callStats backs the info helper.
type callStats struct {
	mu        sync.Mutex
	count     int64
	successes int64
	errors    int64
	recent    []models.CallRecord
}

func (s *callStats) add(rec models.CallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	if rec.Success {
		s.successes++
	} else {
		s.errors++
	}
	s.recent = append(s.recent, rec)
	if len(s.recent) > recentCalls {
		s.recent = s.recent[len(s.recent)-recentCalls:]
	}
}

func (s *callStats) summary() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	recent := make([]models.CallRecord, len(s.recent))
	copy(recent, s.recent)
	return map[string]interface{}{
		"call_count": s.count,
		"successes":  s.successes,
		"errors":     s.errors,
		"recent":     recent,
	}
}
