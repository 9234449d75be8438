package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xcrystal627/commune/pkg/auth"
	"github.com/xcrystal627/commune/pkg/httpx"
	"github.com/xcrystal627/commune/pkg/models"
	"github.com/xcrystal627/commune/pkg/telemetry"
)

// Handle gates, dispatches, records and signs one call. It never panics;
// every failure comes back as an *Error.
func (g *Gateway) Handle(ctx context.Context, fn string, env models.Envelope) (resp models.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("gateway panic", zap.String("fn", fn), zap.Any("panic", p))
			resp, err = models.Response{}, newError(KindExecution, fmt.Errorf("internal error: %v", p))
		}
	}()

	start := g.now()
	caller, gateErr := g.Gate(ctx, fn, env)
	if gateErr != nil {
		ge := asError(gateErr)
		g.metrics.IncReason(string(ge.Kind))
		g.logger.Debug("call rejected", zap.String("fn", fn), zap.String("caller", env.Key), zap.Error(ge))
		return models.Response{}, ge
	}

	result, callErr := g.execute(auth.WithCaller(ctx, caller), fn, env, caller)
	end := g.now()
	g.record(ctx, caller, fn, start, end, callErr)
	g.metrics.IncCall(fn, callErr == nil)
	g.metrics.ObserveLatency("call "+fn, end.Sub(start))

	if callErr != nil {
		ge := asError(callErr)
		if ge.Kind == KindExecution && g.isFatal(callErr) {
			ge = newError(KindResourceExhaustion, callErr)
			g.fatal(fn, callErr)
		}
		g.metrics.IncReason(string(ge.Kind))
		return models.Response{}, ge
	}

	raw, err := g.serializer.Serialize(result)
	if err != nil {
		g.metrics.IncReason(string(KindExecution))
		return models.Response{}, newError(KindExecution, fmt.Errorf("serialize result: %w", err))
	}
	g.mu.RLock()
	key := g.key
	g.mu.RUnlock()
	timing := models.Timing{
		Start:   models.UnixSeconds(start),
		End:     models.UnixSeconds(end),
		Latency: end.Sub(start).Seconds(),
	}
	resp, err = auth.SignResult(key, json.RawMessage(raw), timing)
	if err != nil {
		return models.Response{}, newError(KindExecution, err)
	}
	return resp, nil
}

// execute decodes the arguments and runs the target, converting panics.
func (g *Gateway) execute(ctx context.Context, fn string, env models.Envelope, caller auth.Caller) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("function panicked", zap.String("fn", fn), zap.Any("panic", p))
			result, err = nil, newError(KindExecution, fmt.Errorf("%s panicked: %v", fn, p))
		}
	}()
	args, err := models.DecodeArgs(g.serializer, env.Args)
	if err != nil {
		return nil, BadRequest("decode args: %v", err)
	}
	kwargs, err := models.DecodeKwargs(g.serializer, env.Kwargs)
	if err != nil {
		return nil, BadRequest("decode kwargs: %v", err)
	}
	ctx, span := telemetry.StartSpan(ctx, "gateway.dispatch")
	result, err = g.Dispatch(ctx, Call{Fn: fn, Args: args, Kwargs: kwargs, Caller: caller})
	telemetry.EndSpan(span, err)
	return result, err
}

// record writes one accounting entry. Storage failures are logged, never
// returned to the caller.
func (g *Gateway) record(ctx context.Context, caller auth.Caller, fn string, start, end time.Time, callErr error) {
	g.mu.RLock()
	cost := 1.0
	if c, ok := g.caps[fn]; ok {
		cost = c.costWeight()
	}
	url := g.address
	g.mu.RUnlock()
	rec := models.CallRecord{
		URL:       url,
		Fn:        fn,
		Cost:      cost,
		Latency:   end.Sub(start).Seconds(),
		Timestamp: start,
		Caller:    caller.Address,
		Success:   callErr == nil,
	}
	if callErr != nil {
		rec.Error = callErr.Error()
	}
	g.stats.add(rec)
	if g.history == nil {
		return
	}
	if err := g.history.Record(context.WithoutCancel(ctx), rec); err != nil {
		g.logger.Warn("call record failed", zap.String("fn", fn), zap.String("caller", caller.Address), zap.Error(err))
	}
}

func (g *Gateway) isFatal(err error) bool {
	msg := err.Error()
	for _, s := range g.opts.FatalErrors {
		if s != "" && strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// fatal shuts the gateway down once, in the background, after a resource
// exhaustion error.
func (g *Gateway) fatal(fn string, err error) {
	g.fatalOnce.Do(func() {
		g.logger.Error("fatal error, shutting down", zap.String("fn", fn), zap.Error(err))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = g.Shutdown(ctx)
		}()
	})
}

// Routes is the gateway's HTTP surface: POST /{fn} with a JSON envelope.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORS(g.opts.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeaders)
	r.Use(g.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(httpx.LimitBody(g.opts.MaxBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/metrics", g.metrics.Handler())
	r.Get("/metrics/prometheus", g.metrics.PrometheusHandler())
	r.Post("/{fn}", g.serveCall)
	return r
}

func (g *Gateway) serveCall(w http.ResponseWriter, r *http.Request) {
	fn := chi.URLParam(r, "fn")
	if g.opts.MaxBodyBytes > 0 && r.ContentLength > g.opts.MaxBodyBytes {
		g.tooLarge(w)
		return
	}
	body, err := httpx.ReadBody(r)
	if errors.Is(err, httpx.ErrBodyTooLarge) {
		g.tooLarge(w)
		return
	}
	if err != nil {
		httpx.TypedError(w, http.StatusBadRequest, "read body: "+err.Error(), string(KindBadRequest))
		return
	}
	var env models.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		httpx.TypedError(w, http.StatusBadRequest, "invalid envelope: "+err.Error(), string(KindBadRequest))
		return
	}
	resp, err := g.Handle(r.Context(), fn, env)
	if err != nil {
		ge := asError(err)
		httpx.TypedError(w, ge.Status(), ge.Error(), string(ge.Kind))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (g *Gateway) tooLarge(w http.ResponseWriter) {
	g.metrics.IncReason(string(KindPayloadTooLarge))
	httpx.TypedError(w, http.StatusRequestEntityTooLarge, ErrPayloadTooLarge.Error(), string(KindPayloadTooLarge))
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (g *Gateway) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		g.metrics.Observe(path, rec.code, elapsed)
		g.metrics.ObserveLatency(path, elapsed)
	})
}
