// Package gateway is the authenticated entry point of a served module. A
// Gateway verifies callers, rates them by stake, dispatches to the module's
// capabilities, signs results and accounts for every accepted call.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xcrystal627/commune/pkg/accounting"
	"github.com/xcrystal627/commune/pkg/directory"
	"github.com/xcrystal627/commune/pkg/keys"
	"github.com/xcrystal627/commune/pkg/metrics"
	"github.com/xcrystal627/commune/pkg/models"
	"github.com/xcrystal627/commune/pkg/ratelimit"
	"github.com/xcrystal627/commune/pkg/store"
)

var ErrNotRegistered = errors.New("gateway: module not registered")

type Options struct {
	Name    string
	Subnet  string
	Host    string
	PortMin int
	PortMax int
	// Free skips signatures and rate limits; only the whitelist is enforced.
	Free                bool
	MaxRequestStaleness time.Duration
	MaxNetworkStaleness time.Duration
	MaxBodyBytes        int64
	AdminKeys           []string
	FatalErrors         []string
	CORSAllowedOrigins  string
	RateModel           ratelimit.RateModel
}

// Deps are the collaborators a Gateway is built from. Only Keys is required.
type Deps struct {
	Keys       *keys.Store
	KeyName    string
	Directory  directory.Directory
	Registrar  directory.Registrar
	Limiter    ratelimit.Limiter
	History    accounting.History
	Replay     *store.ReplayGuard
	Metrics    *metrics.Registry
	Logger     *zap.Logger
	Serializer models.Serializer
}

type Gateway struct {
	opts       Options
	keys       *keys.Store
	keyName    string
	dir        directory.Directory
	registrar  directory.Registrar
	limiter    ratelimit.Limiter
	history    accounting.History
	replay     *store.ReplayGuard
	metrics    *metrics.Registry
	logger     *zap.Logger
	serializer models.Serializer
	admins     map[string]struct{}
	stats      callStats
	now        func() time.Time
	listen     func(network, addr string) (net.Listener, error)

	mu         sync.RWMutex
	key        *keys.Key
	local      map[string]struct{}
	module     Module
	caps       map[string]Capability
	whitelist  map[string]struct{}
	schema     map[string]Schema
	refresher  *directory.Refresher
	listener   net.Listener
	server     *http.Server
	address    string
	registered bool
	cancel     context.CancelFunc

	fatalOnce    sync.Once
	shutdownOnce sync.Once
	done         chan struct{}
}

func New(opts Options, deps Deps) (*Gateway, error) {
	if deps.Keys == nil {
		return nil, errors.New("gateway: key store is required")
	}
	if opts.Subnet == "" {
		opts.Subnet = directory.DefaultSubnet
	}
	if opts.MaxRequestStaleness <= 0 {
		opts.MaxRequestStaleness = 100 * time.Second
	}
	if opts.MaxNetworkStaleness <= 0 {
		opts.MaxNetworkStaleness = time.Minute
	}
	if opts.RateModel == (ratelimit.RateModel{}) {
		opts.RateModel = ratelimit.DefaultRateModel()
	}
	g := &Gateway{
		opts:       opts,
		keys:       deps.Keys,
		keyName:    deps.KeyName,
		dir:        deps.Directory,
		registrar:  deps.Registrar,
		limiter:    deps.Limiter,
		history:    deps.History,
		replay:     deps.Replay,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		serializer: deps.Serializer,
		admins:     map[string]struct{}{},
		now:        func() time.Time { return time.Now().UTC() },
		listen:     net.Listen,
		done:       make(chan struct{}),
	}
	if g.registrar == nil {
		if r, ok := deps.Directory.(directory.Registrar); ok {
			g.registrar = r
		}
	}
	if g.limiter == nil {
		g.limiter = ratelimit.NewInMemory(time.Minute)
	}
	if g.metrics == nil {
		g.metrics = metrics.NewRegistry()
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.serializer == nil {
		g.serializer = models.JSONSerializer{}
	}
	for _, k := range opts.AdminKeys {
		if k = strings.TrimSpace(k); k != "" {
			g.admins[k] = struct{}{}
		}
	}
	return g, nil
}

// Register loads or creates the module key, binds a port, resolves the
// whitelist and schema, and publishes the module to the directory. It
// returns the advertised address.
func (g *Gateway) Register(ctx context.Context, m Module) (string, error) {
	if m.Name == "" {
		m.Name = g.opts.Name
	}
	if strings.TrimSpace(m.Name) == "" {
		return "", errors.New("gateway: module name is required")
	}
	caps, err := buildCapabilities(m)
	if err != nil {
		return "", err
	}
	keyName := g.keyName
	if keyName == "" {
		keyName = "module." + m.Name
	}
	key, err := g.keys.LoadOrCreate(keyName)
	if err != nil {
		return "", fmt.Errorf("load module key: %w", err)
	}
	local, err := g.keys.Addresses()
	if err != nil {
		return "", fmt.Errorf("list local keys: %w", err)
	}
	whitelist := buildWhitelist(m, caps)
	schema := buildSchema(caps, whitelist)

	ln, err := g.bind()
	if err != nil {
		return "", err
	}
	address := advertised(g.opts.Host, ln.Addr())

	g.mu.Lock()
	g.key = key
	g.local = local
	g.module = m
	g.caps = caps
	g.whitelist = whitelist
	g.schema = schema
	g.listener = ln
	g.address = address
	g.server = &http.Server{
		Handler:           g.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if g.dir != nil {
		g.refresher = directory.NewRefresher(g.dir, g.opts.Subnet, g.opts.MaxNetworkStaleness, g.logger.Named("refresher"))
	}
	g.mu.Unlock()

	if g.registrar != nil {
		if err := g.registrar.Register(ctx, g.info()); err != nil {
			_ = ln.Close()
			return "", fmt.Errorf("publish module: %w", err)
		}
		g.mu.Lock()
		g.registered = true
		g.mu.Unlock()
	}
	if g.refresher != nil {
		if _, err := g.refresher.Refresh(ctx); err != nil {
			g.logger.Warn("initial directory refresh failed; stake rates start empty",
				zap.String("module", m.Name), zap.String("subnet", g.opts.Subnet), zap.Error(err))
		}
	}
	g.logger.Info("module registered",
		zap.String("name", m.Name),
		zap.String("address", address),
		zap.String("key", key.Address()),
		zap.Int("functions", len(whitelist)),
		zap.Bool("free", g.opts.Free))
	return address, nil
}

func (g *Gateway) bind() (net.Listener, error) {
	host := g.opts.Host
	if host == "" {
		host = "0.0.0.0"
	}
	if g.opts.PortMin <= 0 {
		ln, err := g.listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", host, err)
		}
		return ln, nil
	}
	hi := g.opts.PortMax
	if hi < g.opts.PortMin {
		hi = g.opts.PortMin
	}
	for port := g.opts.PortMin; port <= hi; port++ {
		ln, err := g.listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
	}
	return nil, fmt.Errorf("no free port in [%d, %d] on %s", g.opts.PortMin, hi, host)
}

// advertised turns a wildcard bind address into a dialable one.
func advertised(host string, addr net.Addr) string {
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (g *Gateway) info() models.ModuleInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	costs := map[string]float64{}
	for name, c := range g.caps {
		if _, ok := g.whitelist[name]; ok {
			costs[name] = c.costWeight()
		}
	}
	return models.ModuleInfo{
		Name:      g.module.Name,
		Address:   g.address,
		Key:       g.key.Address(),
		Subnet:    g.opts.Subnet,
		Functions: sortedNames(g.whitelist),
		Costs:     costs,
		Free:      g.opts.Free,
	}
}

// Serve runs the background refresh and the HTTP server until ctx is done or
// Shutdown is called.
func (g *Gateway) Serve(ctx context.Context) error {
	g.mu.Lock()
	srv, ln, refresher := g.server, g.listener, g.refresher
	if srv == nil {
		g.mu.Unlock()
		return ErrNotRegistered
	}
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.mu.Unlock()

	if refresher != nil {
		go refresher.Run(ctx)
	}
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			_ = g.Shutdown(shutdownCtx)
		case <-g.done:
		}
	}()
	g.logger.Info("gateway serving", zap.String("address", g.Address()))
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops serving and deregisters the module. Only the first call
// does anything.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	g.shutdownOnce.Do(func() {
		g.mu.RLock()
		cancel, srv, ln, registered := g.cancel, g.server, g.listener, g.registered
		name := g.module.Name
		g.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		if srv != nil {
			err = srv.Shutdown(ctx)
		}
		if ln != nil {
			_ = ln.Close()
		}
		if registered && g.registrar != nil {
			if derr := g.registrar.Deregister(ctx, g.opts.Subnet, name); derr != nil {
				g.logger.Error("deregister failed", zap.String("name", name), zap.Error(derr))
				err = errors.Join(err, derr)
			}
		}
		g.logger.Info("gateway stopped", zap.String("name", name))
		close(g.done)
	})
	return err
}

// Done is closed once Shutdown has completed.
func (g *Gateway) Done() <-chan struct{} {
	return g.done
}

func (g *Gateway) Address() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.address
}

// Key is the module's public address, empty before Register.
func (g *Gateway) Key() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.key == nil {
		return ""
	}
	return g.key.Address()
}

func (g *Gateway) Metrics() *metrics.Registry {
	return g.metrics
}

func (g *Gateway) snapshot() *directory.Snapshot {
	g.mu.RLock()
	r := g.refresher
	g.mu.RUnlock()
	if r == nil {
		return &directory.Snapshot{Subnet: g.opts.Subnet}
	}
	return r.Snapshot()
}
