// Package directory is the network registry: module records, stake tables
// and validator ballots, plus the snapshot refresher gateways and
// validators read from.
package directory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/xcrystal627/commune/pkg/models"
)

const DefaultSubnet = "0"

var (
	ErrInvalidBallot = errors.New("invalid ballot")
	ErrInvalidModule = errors.New("invalid module record")
	ErrNotFound      = errors.New("not found")
)

// StakeTable maps an address to the amounts it relates to other addresses.
// In StakeTo the outer key is the staker; in StakeFrom it is the recipient.
type StakeTable map[string]map[string]float64

// Directory is the read side of the registry.
type Directory interface {
	Modules(ctx context.Context, subnet string) ([]models.ModuleInfo, error)
	StakeTo(ctx context.Context, subnet string) (StakeTable, error)
	StakeFrom(ctx context.Context, subnet string) (StakeTable, error)
	Namespace(ctx context.Context, subnet string) (map[string]string, error)
}

type Registrar interface {
	Register(ctx context.Context, info models.ModuleInfo) error
	Deregister(ctx context.Context, subnet, name string) error
}

// Voter accepts ballots. A ballot replaces the submitter's previous ballot
// for the same subnet.
type Voter interface {
	Vote(ctx context.Context, ballot models.Ballot) (models.VoteResult, error)
}

// SplitNetwork splits "network/subnet". A missing subnet is DefaultSubnet.
func SplitNetwork(spec string) (network, subnet string) {
	spec = strings.TrimSpace(spec)
	network, subnet, _ = strings.Cut(spec, "/")
	if network == "" {
		network = "local"
	}
	if subnet == "" {
		subnet = DefaultSubnet
	}
	return network, subnet
}

func ValidateModule(info models.ModuleInfo) error {
	switch {
	case strings.TrimSpace(info.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidModule)
	case strings.TrimSpace(info.Address) == "":
		return fmt.Errorf("%w: address is required", ErrInvalidModule)
	case strings.TrimSpace(info.Key) == "":
		return fmt.Errorf("%w: key is required", ErrInvalidModule)
	}
	return nil
}

func ValidateBallot(b models.Ballot) error {
	if strings.TrimSpace(b.Key) == "" {
		return fmt.Errorf("%w: submitter key is required", ErrInvalidBallot)
	}
	if len(b.Modules) == 0 {
		return fmt.Errorf("%w: no modules", ErrInvalidBallot)
	}
	if len(b.Modules) != len(b.Weights) {
		return fmt.Errorf("%w: %d modules but %d weights", ErrInvalidBallot, len(b.Modules), len(b.Weights))
	}
	seen := make(map[string]struct{}, len(b.Modules))
	for i, m := range b.Modules {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("%w: empty module key at %d", ErrInvalidBallot, i)
		}
		if _, dup := seen[m]; dup {
			return fmt.Errorf("%w: duplicate module %s", ErrInvalidBallot, m)
		}
		seen[m] = struct{}{}
		w := b.Weights[i]
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return fmt.Errorf("%w: bad weight %v for %s", ErrInvalidBallot, w, m)
		}
	}
	return nil
}

// Transpose turns a StakeTo table into the matching StakeFrom table.
func Transpose(t StakeTable) StakeTable {
	out := StakeTable{}
	for from, row := range t {
		for to, amount := range row {
			if out[to] == nil {
				out[to] = map[string]float64{}
			}
			out[to][from] = amount
		}
	}
	return out
}

func subnetOrDefault(subnet string) string {
	if strings.TrimSpace(subnet) == "" {
		return DefaultSubnet
	}
	return subnet
}
