package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/xcrystal627/commune/pkg/models"
)

type backend interface {
	Directory
	Registrar
	Voter
	BallotReader
	SetStake(ctx context.Context, subnet, from, to string, amount float64) error
}

func backends(t *testing.T) map[string]backend {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]backend{
		"memory": NewMemory(),
		"redis":  NewRedis(client, "modnet:"),
	}
}

func TestSplitNetwork(t *testing.T) {
	cases := map[string][2]string{
		"local/3": {"local", "3"},
		"main":    {"main", "0"},
		"":        {"local", "0"},
		"/7":      {"local", "7"},
	}
	for in, want := range cases {
		n, s := SplitNetwork(in)
		if n != want[0] || s != want[1] {
			t.Fatalf("SplitNetwork(%q) = %q,%q want %q,%q", in, n, s, want[0], want[1])
		}
	}
}

func TestValidateBallot(t *testing.T) {
	bad := []models.Ballot{
		{Modules: []string{"a"}, Weights: []float64{1}},
		{Key: "v"},
		{Key: "v", Modules: []string{"a", "b"}, Weights: []float64{1}},
		{Key: "v", Modules: []string{"a", "a"}, Weights: []float64{1, 1}},
		{Key: "v", Modules: []string{"a"}, Weights: []float64{-1}},
		{Key: "v", Modules: []string{""}, Weights: []float64{1}},
	}
	for i, b := range bad {
		if err := ValidateBallot(b); !errors.Is(err, ErrInvalidBallot) {
			t.Fatalf("case %d: expected ErrInvalidBallot, got %v", i, err)
		}
	}
	if err := ValidateBallot(models.Ballot{Key: "v", Modules: []string{"a"}, Weights: []float64{0}}); err != nil {
		t.Fatalf("expected zero weight to be valid, got %v", err)
	}
}

func TestBackendsRegistry(t *testing.T) {
	for name, dir := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := dir.Register(ctx, models.ModuleInfo{Name: "m0"}); !errors.Is(err, ErrInvalidModule) {
				t.Fatalf("expected invalid module, got %v", err)
			}
			for _, m := range []models.ModuleInfo{
				{Name: "m1", Address: "127.0.0.1:2", Key: "k1", Subnet: "1"},
				{Name: "m0", Address: "127.0.0.1:1", Key: "k0", Subnet: "1"},
			} {
				if err := dir.Register(ctx, m); err != nil {
					t.Fatalf("register %s: %v", m.Name, err)
				}
			}
			mods, err := dir.Modules(ctx, "1")
			if err != nil || len(mods) != 2 || mods[0].Name != "m0" || mods[1].Name != "m1" {
				t.Fatalf("unexpected modules %+v %v", mods, err)
			}
			if mods[0].RegisteredAt.IsZero() {
				t.Fatal("expected registration time to be set")
			}
			ns, _ := dir.Namespace(ctx, "1")
			if ns["m0"] != "127.0.0.1:1" || len(ns) != 2 {
				t.Fatalf("unexpected namespace %v", ns)
			}
			if other, _ := dir.Modules(ctx, "2"); len(other) != 0 {
				t.Fatalf("subnets must be isolated, got %+v", other)
			}
			if err := dir.Deregister(ctx, "1", "m1"); err != nil {
				t.Fatalf("deregister: %v", err)
			}
			if ns, _ := dir.Namespace(ctx, "1"); len(ns) != 1 {
				t.Fatalf("expected one module after deregister, got %v", ns)
			}
		})
	}
}

func TestBackendsStake(t *testing.T) {
	for name, dir := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = dir.SetStake(ctx, "", "alice", "bob", 10)
			_ = dir.SetStake(ctx, "", "alice", "carol", 5.5)
			_ = dir.SetStake(ctx, "", "dave", "bob", 2)
			to, err := dir.StakeTo(ctx, "")
			if err != nil || to["alice"]["bob"] != 10 || to["alice"]["carol"] != 5.5 {
				t.Fatalf("unexpected stake_to %v %v", to, err)
			}
			from, _ := dir.StakeFrom(ctx, "")
			if from["bob"]["alice"] != 10 || from["bob"]["dave"] != 2 || len(from["bob"]) != 2 {
				t.Fatalf("unexpected stake_from %v", from)
			}
			_ = dir.SetStake(ctx, "", "alice", "carol", 0)
			to, _ = dir.StakeTo(ctx, "")
			if _, ok := to["alice"]["carol"]; ok {
				t.Fatalf("expected zero stake to be removed, got %v", to)
			}
		})
	}
}

func TestBackendsVoteReplacesBallot(t *testing.T) {
	for name, dir := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := dir.Ballot(ctx, "", "v"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			res, err := dir.Vote(ctx, models.Ballot{Key: "v", Modules: []string{"a", "b"}, Weights: []float64{1, 2}})
			if err != nil || !res.Success {
				t.Fatalf("vote: %+v %v", res, err)
			}
			if _, err := dir.Vote(ctx, models.Ballot{Key: "v", Modules: []string{"c"}, Weights: []float64{3}}); err != nil {
				t.Fatalf("second vote: %v", err)
			}
			b, err := dir.Ballot(ctx, "", "v")
			if err != nil {
				t.Fatalf("ballot: %v", err)
			}
			if len(b.Modules) != 1 || b.Modules[0] != "c" || b.Weights[0] != 3 || b.Subnet != DefaultSubnet {
				t.Fatalf("expected full replacement, got %+v", b)
			}
			res, err = dir.Vote(ctx, models.Ballot{Key: "v"})
			if err == nil || res.Success {
				t.Fatalf("expected invalid ballot rejection, got %+v %v", res, err)
			}
		})
	}
}

func TestOpenPicksBackend(t *testing.T) {
	if _, ok := Open(" http://dir:8070/ ", nil, "", nil, nil).(*HTTPClient); !ok {
		t.Fatal("expected HTTP client when a url is set")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	r, ok := Open("", client, "", nil, nil).(*Redis)
	if !ok || r.Prefix != DefaultPrefix {
		t.Fatalf("expected redis registry with default prefix, got %#v", r)
	}
	if _, ok := Open("", nil, "", nil, nil).(*Memory); !ok {
		t.Fatal("expected memory directory without url or redis")
	}
}
