package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xcrystal627/commune/pkg/models"
)

// Memory is an in-process directory for local networks and tests.
type Memory struct {
	mu      sync.RWMutex
	modules map[string]map[string]models.ModuleInfo
	stake   map[string]StakeTable
	ballots map[string]map[string]models.Ballot
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		modules: map[string]map[string]models.ModuleInfo{},
		stake:   map[string]StakeTable{},
		ballots: map[string]map[string]models.Ballot{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Register(_ context.Context, info models.ModuleInfo) error {
	if err := ValidateModule(info); err != nil {
		return err
	}
	info.Subnet = subnetOrDefault(info.Subnet)
	if info.RegisteredAt.IsZero() {
		info.RegisteredAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.modules[info.Subnet] == nil {
		m.modules[info.Subnet] = map[string]models.ModuleInfo{}
	}
	m.modules[info.Subnet][info.Name] = info
	return nil
}

func (m *Memory) Deregister(_ context.Context, subnet, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.modules[subnetOrDefault(subnet)], name)
	return nil
}

func (m *Memory) Modules(_ context.Context, subnet string) ([]models.ModuleInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byName := m.modules[subnetOrDefault(subnet)]
	out := make([]models.ModuleInfo, 0, len(byName))
	for _, info := range byName {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) Namespace(_ context.Context, subnet string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]string{}
	for name, info := range m.modules[subnetOrDefault(subnet)] {
		out[name] = info.Address
	}
	return out, nil
}

// SetStake records amount staked by from to to. A non-positive amount removes it.
func (m *Memory) SetStake(_ context.Context, subnet, from, to string, amount float64) error {
	subnet = subnetOrDefault(subnet)
	m.mu.Lock()
	defer m.mu.Unlock()
	table := m.stake[subnet]
	if table == nil {
		table = StakeTable{}
		m.stake[subnet] = table
	}
	if amount <= 0 {
		delete(table[from], to)
		if len(table[from]) == 0 {
			delete(table, from)
		}
		return nil
	}
	if table[from] == nil {
		table[from] = map[string]float64{}
	}
	table[from][to] = amount
	return nil
}

func (m *Memory) StakeTo(_ context.Context, subnet string) (StakeTable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := StakeTable{}
	for from, row := range m.stake[subnetOrDefault(subnet)] {
		cp := make(map[string]float64, len(row))
		for to, amount := range row {
			cp[to] = amount
		}
		out[from] = cp
	}
	return out, nil
}

func (m *Memory) StakeFrom(ctx context.Context, subnet string) (StakeTable, error) {
	to, err := m.StakeTo(ctx, subnet)
	if err != nil {
		return nil, err
	}
	return Transpose(to), nil
}

func (m *Memory) Vote(_ context.Context, b models.Ballot) (models.VoteResult, error) {
	if err := ValidateBallot(b); err != nil {
		return models.VoteResult{Success: false, Msg: err.Error()}, err
	}
	b.Subnet = subnetOrDefault(b.Subnet)
	b.Modules = append([]string(nil), b.Modules...)
	b.Weights = append([]float64(nil), b.Weights...)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ballots[b.Subnet] == nil {
		m.ballots[b.Subnet] = map[string]models.Ballot{}
	}
	m.ballots[b.Subnet][b.Key] = b
	return models.VoteResult{Success: true, Msg: "voted"}, nil
}

// Ballot returns the current ballot of key in subnet.
func (m *Memory) Ballot(_ context.Context, subnet, key string) (models.Ballot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.ballots[subnetOrDefault(subnet)][key]
	if !ok {
		return models.Ballot{}, ErrNotFound
	}
	return b, nil
}
