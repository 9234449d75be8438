package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xcrystal627/commune/pkg/auth"
	"github.com/xcrystal627/commune/pkg/httpx"
	"github.com/xcrystal627/commune/pkg/scoreboard"
	"github.com/xcrystal627/commune/pkg/stream"
	"github.com/xcrystal627/commune/pkg/telemetry"
	"github.com/xcrystal627/commune/pkg/validator"
)

// Server is the validator's admin API.
type Server struct {
	Vali        *validator.Validator
	CORSOrigins string
	WSOrigins   []string
	// Admins may call the mutating /v1 routes. Requests are signed with auth.AdminHeaders.
	Admins []string
	Logger *zap.Logger
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORS(s.CORSOrigins))
	r.Use(httpx.SecurityHeaders)
	r.Use(telemetry.HTTPMiddleware("validator"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "validator"})
	})
	r.Get("/metrics", s.Vali.Metrics().Handler())
	r.Get("/metrics/prometheus", s.Vali.Metrics().PrometheusHandler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/scoreboard", s.scoreboard)
		r.Get("/events", s.streamEvents)
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.Admins))
			r.Delete("/scoreboard", s.resetScoreboard)
			r.Post("/epoch", s.epoch)
			r.Post("/sync", s.sync)
		})
	})
	return r
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Vali.Status())
}

func (s *Server) scoreboard(w http.ResponseWriter, r *http.Request) {
	opts, err := scoreboardOptions(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.Vali.Scoreboard(r.Context(), opts)
	if err != nil {
		if errors.Is(err, scoreboard.ErrUnknownSortKey) {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		if res.Entries == nil {
			s.Logger.Error("scoreboard load failed", zap.Error(err))
			httpx.Error(w, http.StatusInternalServerError, "scoreboard unavailable")
			return
		}
		s.Logger.Warn("scoreboard purge incomplete", zap.Error(err))
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func scoreboardOptions(r *http.Request) (scoreboard.Options, error) {
	q := r.URL.Query()
	var opts scoreboard.Options
	if raw := strings.TrimSpace(q.Get("sort")); raw != "" {
		opts.SortBy = strings.Split(raw, ",")
	}
	if raw := q.Get("asc"); raw != "" {
		asc, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, errors.New("asc must be a boolean")
		}
		opts.Ascending = asc
	}
	for name, dst := range map[string]*int{"page": &opts.Page, "page_size": &opts.PageSize} {
		if raw := q.Get(name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return opts, errors.New(name + " must be a non-negative integer")
			}
			*dst = n
		}
	}
	if raw := q.Get("max_age"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return opts, errors.New("max_age must be a duration")
		}
		opts.MaxAge = d
	}
	return opts, nil
}

func (s *Server) resetScoreboard(w http.ResponseWriter, r *http.Request) {
	if err := s.Vali.ResetScoreboard(r.Context()); err != nil {
		s.Logger.Error("scoreboard reset failed", zap.Error(err))
		httpx.Error(w, http.StatusInternalServerError, "scoreboard reset failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) epoch(w http.ResponseWriter, r *http.Request) {
	results, err := s.Vali.Epoch(r.Context())
	if err != nil {
		if errors.Is(err, validator.ErrEpochInProgress) {
			httpx.Error(w, http.StatusConflict, err.Error())
			return
		}
		httpx.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"status":  s.Vali.Status(),
	})
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Vali.SyncNetwork(r.Context(), true)
	if err != nil {
		httpx.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"subnet":     snap.Subnet,
		"modules":    len(snap.Modules),
		"fetched_at": snap.FetchedAt,
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.WSOrigins) > 0 {
		opts.OriginPatterns = s.WSOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	hub := s.Vali.Hub()
	sub := hub.Subscribe(64)
	defer hub.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", s.Vali.Status()))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func originPatterns(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		p = strings.TrimPrefix(strings.TrimPrefix(p, "https://"), "http://")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
