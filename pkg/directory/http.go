package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xcrystal627/commune/pkg/auth"
	"github.com/xcrystal627/commune/pkg/httpx"
	"github.com/xcrystal627/commune/pkg/keys"
	"github.com/xcrystal627/commune/pkg/models"
)

// DefaultWriteStaleness bounds the age of signed register/vote requests.
const DefaultWriteStaleness = 100 * time.Second

// BallotReader is implemented by backends that can return a stored ballot.
type BallotReader interface {
	Ballot(ctx context.Context, subnet, key string) (models.Ballot, error)
}

// Handler serves a Directory over HTTP. Writes must be signed envelopes
// whose kwargs carry the record, and the signer must own the record.
type Handler struct {
	Dir            Directory
	WriteStaleness time.Duration
	Logger         *zap.Logger
	now            func() time.Time
}

func NewHandler(dir Directory, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Dir:            dir,
		WriteStaleness: DefaultWriteStaleness,
		Logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "directory"})
	})
	r.Route("/v1/{subnet}", func(r chi.Router) {
		r.Get("/modules", h.modules)
		r.Post("/modules", h.register)
		r.Delete("/modules/{name}", h.deregister)
		r.Get("/namespace", h.namespace)
		r.Get("/stake_to", h.stakeTo)
		r.Get("/stake_from", h.stakeFrom)
		r.Post("/vote", h.vote)
		r.Get("/ballots/{key}", h.ballot)
	})
	return r
}

func (h *Handler) modules(w http.ResponseWriter, r *http.Request) {
	mods, err := h.Dir.Modules(r.Context(), chi.URLParam(r, "subnet"))
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, mods)
}

func (h *Handler) namespace(w http.ResponseWriter, r *http.Request) {
	ns, err := h.Dir.Namespace(r.Context(), chi.URLParam(r, "subnet"))
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ns)
}

func (h *Handler) stakeTo(w http.ResponseWriter, r *http.Request) {
	t, err := h.Dir.StakeTo(r.Context(), chi.URLParam(r, "subnet"))
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

func (h *Handler) stakeFrom(w http.ResponseWriter, r *http.Request) {
	t, err := h.Dir.StakeFrom(r.Context(), chi.URLParam(r, "subnet"))
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.Dir.(Registrar)
	if !ok {
		httpx.Error(w, http.StatusNotImplemented, "directory does not accept registrations")
		return
	}
	var body struct {
		Module models.ModuleInfo `json:"module"`
	}
	signer, ok := h.readSigned(w, r, &body)
	if !ok {
		return
	}
	if signer != body.Module.Key {
		httpx.Error(w, http.StatusForbidden, "signer does not own module key")
		return
	}
	body.Module.Subnet = chi.URLParam(r, "subnet")
	if err := reg.Register(r.Context(), body.Module); err != nil {
		h.fail(w, err)
		return
	}
	h.Logger.Info("module registered",
		zap.String("subnet", body.Module.Subnet),
		zap.String("name", body.Module.Name),
		zap.String("address", body.Module.Address))
	httpx.WriteJSON(w, http.StatusCreated, body.Module)
}

func (h *Handler) deregister(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.Dir.(Registrar)
	if !ok {
		httpx.Error(w, http.StatusNotImplemented, "directory does not accept registrations")
		return
	}
	subnet, name := chi.URLParam(r, "subnet"), chi.URLParam(r, "name")
	var body struct {
		Name string `json:"name"`
	}
	signer, ok := h.readSigned(w, r, &body)
	if !ok {
		return
	}
	if body.Name != name {
		httpx.Error(w, http.StatusBadRequest, "signed name does not match path")
		return
	}
	mods, err := h.Dir.Modules(r.Context(), subnet)
	if err != nil {
		h.fail(w, err)
		return
	}
	for _, m := range mods {
		if m.Name != name {
			continue
		}
		if m.Key != signer {
			httpx.Error(w, http.StatusForbidden, "signer does not own module key")
			return
		}
		if err := reg.Deregister(r.Context(), subnet, name); err != nil {
			h.fail(w, err)
			return
		}
		h.Logger.Info("module deregistered", zap.String("subnet", subnet), zap.String("name", name))
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
		return
	}
	httpx.Error(w, http.StatusNotFound, "module not found")
}

func (h *Handler) vote(w http.ResponseWriter, r *http.Request) {
	voter, ok := h.Dir.(Voter)
	if !ok {
		httpx.Error(w, http.StatusNotImplemented, "directory does not accept votes")
		return
	}
	var body struct {
		Ballot models.Ballot `json:"ballot"`
	}
	signer, ok := h.readSigned(w, r, &body)
	if !ok {
		return
	}
	if signer != body.Ballot.Key {
		httpx.Error(w, http.StatusForbidden, "signer does not match ballot key")
		return
	}
	body.Ballot.Subnet = chi.URLParam(r, "subnet")
	res, err := voter.Vote(r.Context(), body.Ballot)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.Logger.Info("ballot accepted",
		zap.String("subnet", body.Ballot.Subnet),
		zap.String("key", body.Ballot.Key),
		zap.Int("modules", len(body.Ballot.Modules)))
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) ballot(w http.ResponseWriter, r *http.Request) {
	br, ok := h.Dir.(BallotReader)
	if !ok {
		httpx.Error(w, http.StatusNotImplemented, "directory does not expose ballots")
		return
	}
	b, err := br.Ballot(r.Context(), chi.URLParam(r, "subnet"), chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, b)
}

// readSigned decodes a signed envelope, checks signature and age, and
// decodes its kwargs into into. It returns the signer address.
func (h *Handler) readSigned(w http.ResponseWriter, r *http.Request, into interface{}) (string, bool) {
	raw, err := httpx.ReadBody(r)
	if err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return "", false
		}
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid envelope")
		return "", false
	}
	if err := auth.VerifyRequest(env); err != nil {
		httpx.Error(w, http.StatusUnauthorized, err.Error())
		return "", false
	}
	ts, err := auth.RequestTime(env)
	if err != nil {
		httpx.Error(w, http.StatusUnauthorized, err.Error())
		return "", false
	}
	age := h.now().Sub(ts)
	if age < 0 {
		age = -age
	}
	if age > h.WriteStaleness {
		httpx.Error(w, http.StatusUnauthorized, "stale request")
		return "", false
	}
	if err := json.Unmarshal(env.Kwargs, into); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid payload")
		return "", false
	}
	return env.Key, true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidBallot), errors.Is(err, ErrInvalidModule):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	default:
		h.Logger.Error("directory backend error", zap.Error(err))
		httpx.Error(w, http.StatusInternalServerError, "directory backend error")
	}
}

// HTTPClient is a Directory, Registrar and Voter backed by a remote directory server.
type HTTPClient struct {
	BaseURL    string
	HTTP       *http.Client
	Signer     keys.Signer
	Retries    int
	RetryDelay time.Duration
	now        func() time.Time
}

func NewHTTPClient(baseURL string, signer keys.Signer, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTP:       client,
		Signer:     signer,
		Retries:    2,
		RetryDelay: 200 * time.Millisecond,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *HTTPClient) url(subnet string, parts ...string) string {
	u := c.BaseURL + "/v1/" + url.PathEscape(subnetOrDefault(subnet))
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

func (c *HTTPClient) Modules(ctx context.Context, subnet string) ([]models.ModuleInfo, error) {
	var out []models.ModuleInfo
	err := httpx.DoJSON(ctx, c.HTTP, http.MethodGet, c.url(subnet, "modules"), nil, &out, c.Retries, c.RetryDelay)
	return out, err
}

func (c *HTTPClient) Namespace(ctx context.Context, subnet string) (map[string]string, error) {
	out := map[string]string{}
	err := httpx.DoJSON(ctx, c.HTTP, http.MethodGet, c.url(subnet, "namespace"), nil, &out, c.Retries, c.RetryDelay)
	return out, err
}

func (c *HTTPClient) StakeTo(ctx context.Context, subnet string) (StakeTable, error) {
	out := StakeTable{}
	err := httpx.DoJSON(ctx, c.HTTP, http.MethodGet, c.url(subnet, "stake_to"), nil, &out, c.Retries, c.RetryDelay)
	return out, err
}

func (c *HTTPClient) StakeFrom(ctx context.Context, subnet string) (StakeTable, error) {
	out := StakeTable{}
	err := httpx.DoJSON(ctx, c.HTTP, http.MethodGet, c.url(subnet, "stake_from"), nil, &out, c.Retries, c.RetryDelay)
	return out, err
}

func (c *HTTPClient) Ballot(ctx context.Context, subnet, key string) (models.Ballot, error) {
	var b models.Ballot
	err := httpx.DoJSON(ctx, c.HTTP, http.MethodGet, c.url(subnet, "ballots", key), nil, &b, c.Retries, c.RetryDelay)
	var se *httpx.StatusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return models.Ballot{}, ErrNotFound
	}
	return b, err
}

func (c *HTTPClient) Register(ctx context.Context, info models.ModuleInfo) error {
	env, err := c.sign(map[string]interface{}{"module": info})
	if err != nil {
		return err
	}
	return httpx.DoJSON(ctx, c.HTTP, http.MethodPost, c.url(info.Subnet, "modules"), env, nil, c.Retries, c.RetryDelay)
}

func (c *HTTPClient) Deregister(ctx context.Context, subnet, name string) error {
	env, err := c.sign(map[string]interface{}{"name": name})
	if err != nil {
		return err
	}
	return httpx.DoJSON(ctx, c.HTTP, http.MethodDelete, c.url(subnet, "modules", name), env, nil, c.Retries, c.RetryDelay)
}

func (c *HTTPClient) Vote(ctx context.Context, b models.Ballot) (models.VoteResult, error) {
	env, err := c.sign(map[string]interface{}{"ballot": b})
	if err != nil {
		return models.VoteResult{}, err
	}
	var res models.VoteResult
	if err := httpx.DoJSON(ctx, c.HTTP, http.MethodPost, c.url(b.Subnet, "vote"), env, &res, c.Retries, c.RetryDelay); err != nil {
		return models.VoteResult{Success: false, Msg: err.Error()}, err
	}
	return res, nil
}

func (c *HTTPClient) sign(kwargs map[string]interface{}) (models.Envelope, error) {
	if c.Signer == nil {
		return models.Envelope{}, fmt.Errorf("directory client has no signing key")
	}
	plain, err := plainKwargs(kwargs)
	if err != nil {
		return models.Envelope{}, err
	}
	return auth.SignRequest(c.Signer, nil, plain, c.now())
}

// plainKwargs round-trips through JSON so struct values sign as the same
// bytes the server decodes.
func plainKwargs(in map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	out := map[string]interface{}{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
