// Package validator scores the modules of one subnet every tempo, keeps the
// latest score per module in a scoreboard and votes with those scores.
package validator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/xcrystal627/commune/pkg/client"
	"github.com/xcrystal627/commune/pkg/directory"
	"github.com/xcrystal627/commune/pkg/keys"
	"github.com/xcrystal627/commune/pkg/metrics"
	"github.com/xcrystal627/commune/pkg/models"
	"github.com/xcrystal627/commune/pkg/pool"
	"github.com/xcrystal627/commune/pkg/scoreboard"
	"github.com/xcrystal627/commune/pkg/statebus"
	"github.com/xcrystal627/commune/pkg/stream"
	"github.com/xcrystal627/commune/pkg/telemetry"
)

// ScoreFunc rates one module through a client bound to it. Scores at or
// below zero keep the module off the scoreboard.
type ScoreFunc func(ctx context.Context, c *client.Client, m models.ModuleInfo) (float64, error)

// DefaultScore gives 1 to a module whose info helper reports a name.
func DefaultScore(ctx context.Context, c *client.Client, _ models.ModuleInfo) (float64, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return 0, err
	}
	if name, ok := info["name"].(string); ok && name != "" {
		return 1, nil
	}
	return 0, nil
}

type Options struct {
	Name      string
	Subnet    string
	Tempo     time.Duration
	BatchSize int
	Timeout   time.Duration
	// Search keeps only modules whose name contains it.
	Search string
	// MaxAge drops scoreboard entries older than this on read.
	MaxAge time.Duration
}

type Deps struct {
	Directory  directory.Directory
	Scoreboard scoreboard.Store
	Signer     keys.Signer
	Score      ScoreFunc
	Hub        *stream.Hub
	Publisher  statebus.Publisher
	Metrics    *metrics.Registry
	Logger     *zap.Logger
}

type Validator struct {
	opts      Options
	voter     directory.Voter
	refresher *directory.Refresher
	board     scoreboard.Store
	signer    keys.Signer
	score     ScoreFunc
	pool      *pool.Pool
	hub       *stream.Hub
	publisher statebus.Publisher
	metrics   *metrics.Registry
	logger    *zap.Logger
	now       func() time.Time

	// voteMu serializes the tempo check with the lastVote update.
	voteMu sync.Mutex

	mu        sync.Mutex
	state     State
	epochs    uint64
	lastEpoch time.Time
	lastVote  time.Time
	clients   map[string]*client.Client
}

func New(opts Options, deps Deps) (*Validator, error) {
	if deps.Directory == nil {
		return nil, errors.New("directory is required")
	}
	if deps.Scoreboard == nil {
		return nil, errors.New("scoreboard store is required")
	}
	if deps.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if opts.Subnet == "" {
		opts.Subnet = directory.DefaultSubnet
	}
	if opts.Tempo <= 0 {
		opts.Tempo = 60 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if deps.Score == nil {
		deps.Score = DefaultScore
	}
	if deps.Hub == nil {
		deps.Hub = stream.NewHub()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRegistry()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("validator")
	voter, _ := deps.Directory.(directory.Voter)
	return &Validator{
		opts:      opts,
		voter:     voter,
		refresher: directory.NewRefresher(deps.Directory, opts.Subnet, opts.Tempo, logger),
		board:     deps.Scoreboard,
		signer:    deps.Signer,
		score:     deps.Score,
		pool:      pool.New(opts.BatchSize),
		hub:       deps.Hub,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		state:     Idle,
		clients:   map[string]*client.Client{},
	}, nil
}

func (v *Validator) Hub() *stream.Hub { return v.hub }
func (v *Validator) Metrics() *metrics.Registry { return v.metrics }
func (v *Validator) Address() string { return v.signer.Address() }
func (v *Validator) Snapshot() *directory.Snapshot { return v.refresher.Snapshot() }

func (v *Validator) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Validator) setState(to State) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	next, err := Transition(v.state, to)
	if err != nil {
		return fmt.Errorf("%w: %s -> %s", err, v.state, to)
	}
	v.state = next
	return nil
}

func (v *Validator) idle() {
	v.mu.Lock()
	v.state = Idle
	v.mu.Unlock()
}

// SyncNetwork refreshes the directory snapshot when forced or when the
// current one is at least one tempo old.
func (v *Validator) SyncNetwork(ctx context.Context, force bool) (*directory.Snapshot, error) {
	snap, fetched, err := v.refresher.SyncIfOlder(ctx, v.opts.Tempo, force)
	if err != nil {
		return snap, err
	}
	if fetched {
		v.metrics.SetGauge("validator_modules", float64(len(snap.Modules)))
		v.emit(ctx, stream.TypeSync, stream.TypeSync, map[string]interface{}{
			"subnet":  snap.Subnet,
			"modules": len(snap.Modules),
		})
	}
	return snap, nil
}

// Targets lists the snapshot modules this validator scores.
func (v *Validator) Targets(snap *directory.Snapshot) []models.ModuleInfo {
	self := v.signer.Address()
	out := make([]models.ModuleInfo, 0, len(snap.Modules))
	for _, m := range snap.Modules {
		if m.Key == self {
			continue
		}
		if v.opts.Search != "" && !strings.Contains(m.Name, v.opts.Search) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Epoch syncs, scores every target in batches and votes with the positive
// scores. Only one epoch runs at a time.
func (v *Validator) Epoch(ctx context.Context) ([]models.ScoreEntry, error) {
	return v.epoch(ctx, v.now())
}

// epoch runs one epoch that began at start. Vote eligibility and the next
// epoch are both measured from start, so a faster epoch is never too soon.
func (v *Validator) epoch(ctx context.Context, start time.Time) (results []models.ScoreEntry, err error) {
	v.mu.Lock()
	epoch := v.epochs + 1
	v.mu.Unlock()
	ctx, span := telemetry.StartSpan(ctx, "validator.epoch", attribute.Int64("epoch", int64(epoch)))
	defer func() { telemetry.EndSpan(span, err) }()

	if err := v.setState(Syncing); err != nil {
		return nil, &EpochError{Epoch: epoch, Stage: v.State(), Err: ErrEpochInProgress}
	}
	defer v.idle()
	fail := func(stage State, err error) error {
		v.metrics.IncReason("epoch_failed")
		return &EpochError{Epoch: epoch, Stage: stage, Err: err}
	}

	snap, syncErr := v.SyncNetwork(ctx, false)
	if syncErr != nil {
		if snap == nil || snap.FetchedAt.IsZero() {
			return nil, fail(Syncing, fmt.Errorf("%w: %v", ErrNoSnapshot, syncErr))
		}
		v.logger.Warn("directory sync failed; scoring previous snapshot", zap.Error(syncErr))
	}
	targets := v.Targets(snap)

	if err := v.setState(ScoringBatch); err != nil {
		return nil, fail(Syncing, err)
	}
	started := v.now()
	for lo := 0; lo < len(targets); lo += v.opts.BatchSize {
		hi := lo + v.opts.BatchSize
		if hi > len(targets) {
			hi = len(targets)
		}
		batch, err := v.scoreBatch(ctx, targets[lo:hi])
		results = append(results, batch...)
		if err != nil {
			return results, fail(ScoringBatch, err)
		}
	}

	v.mu.Lock()
	v.epochs = epoch
	v.lastEpoch = start
	v.mu.Unlock()
	v.metrics.SetGauge("validator_epoch", float64(epoch))
	v.metrics.SetGauge("validator_scored", float64(len(results)))
	v.metrics.ObserveLatency("epoch", v.now().Sub(started))

	if err := v.setState(Voting); err != nil {
		return results, fail(ScoringBatch, err)
	}
	vote, voteErr := v.vote(ctx, results, start)
	if voteErr != nil {
		v.logger.Warn("vote failed; retrying at next eligible vote", zap.Error(voteErr))
	}
	v.emit(ctx, stream.TypeEpoch, stream.TypeEpoch, map[string]interface{}{
		"epoch":   epoch,
		"targets": len(targets),
		"scored":  len(results),
		"vote":    vote,
	})
	v.logger.Info("epoch complete",
		zap.Uint64("epoch", epoch),
		zap.Int("targets", len(targets)),
		zap.Int("scored", len(results)),
		zap.Bool("voted", vote.Success))
	return results, nil
}

// scoreBatch scores modules concurrently and gathers results in completion
// order. Only positive scores are returned.
func (v *Validator) scoreBatch(ctx context.Context, batch []models.ModuleInfo) ([]models.ScoreEntry, error) {
	futures := make([]*pool.Future[models.ScoreEntry], len(batch))
	for i, m := range batch {
		m := m
		futures[i] = pool.Submit(v.pool, ctx, func(ctx context.Context) (models.ScoreEntry, error) {
			return v.ScoreModule(ctx, m)
		})
	}
	var out []models.ScoreEntry
	received := 0
	for res := range pool.AsCompleted(ctx, futures) {
		received++
		if res.Err != nil {
			v.logger.Debug("module scored 0", zap.String("module", batch[res.Index].Name), zap.Error(res.Err))
		}
		if res.Value.Score > 0 {
			out = append(out, res.Value)
		}
	}
	if received < len(futures) {
		return out, ctx.Err()
	}
	return out, nil
}

// ScoreModule scores m under the configured timeout. Failures score 0 and
// come back as *ScoreError next to the zero entry. Positive scores replace
// the module's scoreboard entry; anything else removes it.
func (v *Validator) ScoreModule(ctx context.Context, m models.ModuleInfo) (entry models.ScoreEntry, err error) {
	ctx, span := telemetry.StartSpan(ctx, "validator.score",
		attribute.String("module.name", m.Name),
		attribute.String("module.key", m.Key))
	defer func() { telemetry.EndSpan(span, err) }()

	start := v.now()
	score, scoreErr := v.run(ctx, m)
	end := v.now()
	if scoreErr == nil && (math.IsNaN(score) || math.IsInf(score, 0) || score < 0) {
		scoreErr = fmt.Errorf("invalid score %v", score)
	}
	entry = models.ScoreEntry{
		Key:     m.Key,
		Name:    m.Name,
		Address: m.Address,
		Latency: end.Sub(start).Seconds(),
		Time:    end,
	}
	if scoreErr != nil {
		entry.Error = scoreErr.Error()
		err = &ScoreError{Key: m.Key, Name: m.Name, Err: scoreErr}
	} else {
		entry.Score = score
	}
	v.metrics.IncCall("score", entry.Score > 0)
	v.metrics.ObserveLatency("score", end.Sub(start))

	if perr := v.persist(ctx, entry); perr != nil {
		v.logger.Warn("scoreboard write failed", zap.String("module", m.Name), zap.Error(perr))
		if err == nil {
			err = &ScoreError{Key: m.Key, Name: m.Name, Err: perr}
		}
	}
	v.emit(ctx, stream.TypeScore, m.Key, entry)
	return entry, err
}

// run calls the score function on its own goroutine so a function that
// ignores ctx still cannot hold the batch past the timeout.
func (v *Validator) run(ctx context.Context, m models.ModuleInfo) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()
	c := v.clientFor(m)

	type outcome struct {
		score float64
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("score function panicked: %v", r)}
			}
		}()
		s, err := v.score(ctx, c, m)
		ch <- outcome{score: s, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) {
			return 0, ErrScoreTimeout
		}
		return o.score, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, ErrScoreTimeout
		}
		return 0, ctx.Err()
	}
}

func (v *Validator) persist(ctx context.Context, entry models.ScoreEntry) error {
	// The write must land even when the epoch context was cut short.
	ctx = context.WithoutCancel(ctx)
	if entry.Score > 0 {
		return v.board.Put(ctx, entry)
	}
	if err := v.board.Delete(ctx, entry.Key); err != nil && !errors.Is(err, scoreboard.ErrNotFound) {
		return err
	}
	return nil
}

// clientFor returns the cached client for m, rebuilding it when the module
// moved to a new address.
func (v *Validator) clientFor(m models.ModuleInfo) *client.Client {
	url := client.NormalizeURL(m.Address)
	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.clients[m.Key]; ok && c.URL == url {
		return c
	}
	c := client.NewClient(m.Address, v.signer, v.opts.Timeout)
	c.ServerKey = m.Key
	c.Retry = client.RetryPolicy{}
	v.clients[m.Key] = c
	return c
}

// Vote submits the positive results as a ballot. It is a no-op returning
// Success=false when the directory cannot vote, when the last accepted
// vote is younger than one tempo, or when there is nothing to vote on.
func (v *Validator) Vote(ctx context.Context, results []models.ScoreEntry) (models.VoteResult, error) {
	return v.vote(ctx, results, v.now())
}

func (v *Validator) vote(ctx context.Context, results []models.ScoreEntry, now time.Time) (models.VoteResult, error) {
	if v.voter == nil {
		return models.VoteResult{Success: false, Msg: ErrVotingNotEnabled.Error()}, nil
	}
	v.voteMu.Lock()
	defer v.voteMu.Unlock()
	v.mu.Lock()
	last := v.lastVote
	v.mu.Unlock()
	if !last.IsZero() && now.Sub(last) < v.opts.Tempo {
		wait := v.opts.Tempo - now.Sub(last)
		return models.VoteResult{Success: false, Msg: fmt.Sprintf("too soon to vote, next vote in %s", wait.Round(time.Second))}, nil
	}
	ballot := v.ballot(results)
	if len(ballot.Modules) == 0 {
		return models.VoteResult{Success: false, Msg: "no results to vote on"}, nil
	}

	res, err := v.voter.Vote(ctx, ballot)
	if err != nil {
		v.metrics.IncReason("vote_failed")
		return models.VoteResult{Success: false, Msg: err.Error()}, &VoteError{Err: err}
	}
	if !res.Success {
		v.metrics.IncReason("vote_rejected")
		return res, &VoteError{Err: errors.New(res.Msg)}
	}
	v.mu.Lock()
	v.lastVote = now
	v.mu.Unlock()
	v.metrics.IncReason("vote_accepted")
	v.emit(ctx, stream.TypeVote, stream.TypeVote, ballot)
	return res, nil
}

func (v *Validator) ballot(results []models.ScoreEntry) models.Ballot {
	b := models.Ballot{Key: v.signer.Address(), Subnet: v.opts.Subnet}
	seen := make(map[string]struct{}, len(results))
	for _, r := range results {
		if r.Key == "" || !(r.Score > 0) {
			continue
		}
		if _, dup := seen[r.Key]; dup {
			continue
		}
		seen[r.Key] = struct{}{}
		b.Modules = append(b.Modules, r.Key)
		b.Weights = append(b.Weights, r.Score)
	}
	return b
}

// Scoreboard queries the persisted board. MaxAge defaults to the
// validator's configured max age.
func (v *Validator) Scoreboard(ctx context.Context, opts scoreboard.Options) (scoreboard.Result, error) {
	if opts.MaxAge == 0 {
		opts.MaxAge = v.opts.MaxAge
	}
	if opts.Now.IsZero() {
		opts.Now = v.now()
	}
	return scoreboard.Query(ctx, v.board, opts)
}

// ResetScoreboard drops every entry and the cached clients.
func (v *Validator) ResetScoreboard(ctx context.Context) error {
	if err := v.board.Reset(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	v.clients = map[string]*client.Client{}
	v.mu.Unlock()
	return nil
}

// TimeUntilNextEpoch is zero before the first epoch and once a tempo has
// passed since the last one.
func (v *Validator) TimeUntilNextEpoch() time.Duration {
	v.mu.Lock()
	last := v.lastEpoch
	v.mu.Unlock()
	if last.IsZero() {
		return 0
	}
	if d := v.opts.Tempo - v.now().Sub(last); d > 0 {
		return d
	}
	return 0
}

type Status struct {
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	Subnet      string    `json:"subnet"`
	State       State     `json:"state"`
	Epochs      uint64    `json:"epochs"`
	LastEpoch   time.Time `json:"last_epoch"`
	LastVote    time.Time `json:"last_vote"`
	NextEpochIn float64   `json:"next_epoch_in"`
	Modules     int       `json:"modules"`
	Clients     int       `json:"clients"`
}

func (v *Validator) Status() Status {
	next := v.TimeUntilNextEpoch()
	snap := v.refresher.Snapshot()
	v.mu.Lock()
	defer v.mu.Unlock()
	return Status{
		Name:        v.opts.Name,
		Address:     v.signer.Address(),
		Subnet:      v.opts.Subnet,
		State:       v.state,
		Epochs:      v.epochs,
		LastEpoch:   v.lastEpoch,
		LastVote:    v.lastVote,
		NextEpochIn: next.Seconds(),
		Modules:     len(snap.Modules),
		Clients:     len(v.clients),
	}
}

// Run executes an epoch every tempo until ctx is done. A failed or
// panicking epoch is logged and the loop waits for the next boundary.
func (v *Validator) Run(ctx context.Context) error {
	v.logger.Info("validator started",
		zap.String("address", v.signer.Address()),
		zap.String("subnet", v.opts.Subnet),
		zap.Duration("tempo", v.opts.Tempo))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			v.logger.Info("validator stopped")
			return nil
		case <-timer.C:
		}
		start := v.now()
		v.supervise(ctx, start)
		wait := v.opts.Tempo - v.now().Sub(start)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

func (v *Validator) supervise(ctx context.Context, start time.Time) {
	defer func() {
		if r := recover(); r != nil {
			v.idle()
			v.logger.Error("epoch panicked", zap.Any("panic", r))
		}
	}()
	if _, err := v.epoch(ctx, start); err != nil && ctx.Err() == nil {
		v.logger.Error("epoch failed", zap.Error(err))
	}
}

func (v *Validator) emit(ctx context.Context, eventType, key string, data interface{}) {
	evt := stream.NewEvent(eventType, data)
	v.hub.Publish(evt)
	if v.publisher == nil {
		return
	}
	if err := statebus.PublishJSON(context.WithoutCancel(ctx), v.publisher, key, evt); err != nil {
		v.logger.Warn("event export failed", zap.String("type", eventType), zap.Error(err))
	}
}
