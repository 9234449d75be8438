package main

import (
	"context"
	"time"

	"github.com/xcrystal627/commune/pkg/gateway"
)

const maxSleep = 10 * time.Second

// demoModule is the module this binary serves.
func demoModule(name string) gateway.Module {
	return gateway.Module{
		Name:      name,
		Functions: []string{"echo", "add", "sleep", "now"},
		Capabilities: []gateway.Capability{
			{Name: "echo", Params: []string{"msg"}, Doc: "returns msg", Handler: echo},
			{Name: "add", Params: []string{"a", "b"}, Doc: "returns a + b", Handler: add},
			{Name: "sleep", Params: []string{"seconds"}, Doc: "waits up to 10s", Cost: 5, Handler: sleep},
			{Name: "now", Doc: "server time", RateClass: gateway.RatePublic, Handler: now},
		},
	}
}

func echo(_ context.Context, c gateway.Call) (interface{}, error) {
	return c.String(0, "msg")
}

func add(_ context.Context, c gateway.Call) (interface{}, error) {
	a, err := c.Float(0, "a")
	if err != nil {
		return nil, err
	}
	b, err := c.Float(1, "b")
	if err != nil {
		return nil, err
	}
	return a + b, nil
}

func sleep(ctx context.Context, c gateway.Call) (interface{}, error) {
	secs, err := c.Float(0, "seconds")
	if err != nil {
		return nil, err
	}
	d := time.Duration(secs * float64(time.Second))
	if d < 0 {
		d = 0
	}
	if d > maxSleep {
		d = maxSleep
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return d.Seconds(), nil
	}
}

func now(_ context.Context, _ gateway.Call) (interface{}, error) {
	return time.Now().UTC().Format(time.RFC3339Nano), nil
}
