package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xcrystal627/commune/pkg/models"
)

// Redis keeps the registry in redis so several directory servers, or
// processes embedding the registry, share one view.
//
//	{prefix}{subnet}:modules       hash name -> ModuleInfo json
//	{prefix}{subnet}:stake         hash "from|to" -> amount
//	{prefix}{subnet}:ballot:{key}  string Ballot json
type Redis struct {
	Client *redis.Client
	Prefix string
	now    func() time.Time
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{Client: client, Prefix: prefix, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Redis) key(subnet, suffix string) string {
	return r.Prefix + subnetOrDefault(subnet) + ":" + suffix
}

func (r *Redis) Register(ctx context.Context, info models.ModuleInfo) error {
	if err := ValidateModule(info); err != nil {
		return err
	}
	info.Subnet = subnetOrDefault(info.Subnet)
	if info.RegisteredAt.IsZero() {
		info.RegisteredAt = r.now()
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return r.Client.HSet(ctx, r.key(info.Subnet, "modules"), info.Name, raw).Err()
}

func (r *Redis) Deregister(ctx context.Context, subnet, name string) error {
	return r.Client.HDel(ctx, r.key(subnet, "modules"), name).Err()
}

func (r *Redis) Modules(ctx context.Context, subnet string) ([]models.ModuleInfo, error) {
	raw, err := r.Client.HGetAll(ctx, r.key(subnet, "modules")).Result()
	if err != nil {
		return nil, fmt.Errorf("load modules: %w", err)
	}
	out := make([]models.ModuleInfo, 0, len(raw))
	for name, v := range raw {
		var info models.ModuleInfo
		if err := json.Unmarshal([]byte(v), &info); err != nil {
			return nil, fmt.Errorf("decode module %s: %w", name, err)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Redis) Namespace(ctx context.Context, subnet string) (map[string]string, error) {
	mods, err := r.Modules(ctx, subnet)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(mods))
	for _, m := range mods {
		out[m.Name] = m.Address
	}
	return out, nil
}

func (r *Redis) SetStake(ctx context.Context, subnet, from, to string, amount float64) error {
	field := from + "|" + to
	if amount <= 0 {
		return r.Client.HDel(ctx, r.key(subnet, "stake"), field).Err()
	}
	return r.Client.HSet(ctx, r.key(subnet, "stake"), field, strconv.FormatFloat(amount, 'f', -1, 64)).Err()
}

func (r *Redis) StakeTo(ctx context.Context, subnet string) (StakeTable, error) {
	raw, err := r.Client.HGetAll(ctx, r.key(subnet, "stake")).Result()
	if err != nil {
		return nil, fmt.Errorf("load stake: %w", err)
	}
	out := StakeTable{}
	for field, v := range raw {
		from, to, ok := strings.Cut(field, "|")
		if !ok {
			continue
		}
		amount, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		if out[from] == nil {
			out[from] = map[string]float64{}
		}
		out[from][to] = amount
	}
	return out, nil
}

func (r *Redis) StakeFrom(ctx context.Context, subnet string) (StakeTable, error) {
	to, err := r.StakeTo(ctx, subnet)
	if err != nil {
		return nil, err
	}
	return Transpose(to), nil
}

func (r *Redis) Vote(ctx context.Context, b models.Ballot) (models.VoteResult, error) {
	if err := ValidateBallot(b); err != nil {
		return models.VoteResult{Success: false, Msg: err.Error()}, err
	}
	b.Subnet = subnetOrDefault(b.Subnet)
	raw, err := json.Marshal(b)
	if err != nil {
		return models.VoteResult{}, err
	}
	if err := r.Client.Set(ctx, r.key(b.Subnet, "ballot:"+b.Key), raw, 0).Err(); err != nil {
		return models.VoteResult{Success: false, Msg: err.Error()}, fmt.Errorf("store ballot: %w", err)
	}
	return models.VoteResult{Success: true, Msg: "voted"}, nil
}

func (r *Redis) Ballot(ctx context.Context, subnet, key string) (models.Ballot, error) {
	raw, err := r.Client.Get(ctx, r.key(subnet, "ballot:"+key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Ballot{}, ErrNotFound
	}
	if err != nil {
		return models.Ballot{}, err
	}
	var b models.Ballot
	if err := json.Unmarshal(raw, &b); err != nil {
		return models.Ballot{}, fmt.Errorf("decode ballot: %w", err)
	}
	return b, nil
}
