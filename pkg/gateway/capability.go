package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xcrystal627/commune/pkg/auth"
)

// RateClass decides how the gate treats calls to a capability.
type RateClass string

const (
	// RateStake is the default: signed, stake-rated, rate limited.
	RateStake RateClass = "stake"
	// RatePublic skips signature and rate checks but is still accounted.
	RatePublic RateClass = "public"
	// RateAdmin may only be called by admin or owner keys.
	RateAdmin RateClass = "admin"
)

type Handler func(ctx context.Context, call Call) (interface{}, error)

// Capability is one callable function of a served module.
type Capability struct {
	Name      string
	Handler   Handler
	Cost      float64
	RateClass RateClass
	// Endpoint puts the capability on the whitelist even if the module
	// does not declare it.
	Endpoint bool
	Doc      string
	Params   []string
}

func (c Capability) costWeight() float64 {
	if c.Cost <= 0 {
		return 1
	}
	return c.Cost
}

func (c Capability) rateClass() RateClass {
	if c.RateClass == "" {
		return RateStake
	}
	return c.RateClass
}

// Module is what a gateway serves: a name, the declared whitelist and the
// capability table, resolved once at registration.
type Module struct {
	Name         string
	Functions    []string
	Capabilities []Capability
}

// Schema describes one whitelisted function.
type Schema struct {
	Doc       string    `json:"doc,omitempty"`
	Params    []string  `json:"params"`
	Cost      float64   `json:"cost"`
	RateClass RateClass `json:"rate_class"`
	Helper    bool      `json:"helper,omitempty"`
}

// Call is a decoded, authorized invocation.
type Call struct {
	Fn     string
	Args   []interface{}
	Kwargs map[string]interface{}
	Caller auth.Caller
}

// Arg returns the positional argument at i, or the keyword argument name.
func (c Call) Arg(i int, name string) (interface{}, bool) {
	if i >= 0 && i < len(c.Args) {
		return c.Args[i], true
	}
	if name != "" {
		v, ok := c.Kwargs[name]
		return v, ok
	}
	return nil, false
}

func (c Call) String(i int, name string) (string, error) {
	v, ok := c.Arg(i, name)
	if !ok {
		return "", BadRequest("missing argument %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", BadRequest("argument %q must be a string", name)
	}
	return s, nil
}

func (c Call) Float(i int, name string) (float64, error) {
	v, ok := c.Arg(i, name)
	if !ok {
		return 0, BadRequest("missing argument %q", name)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, BadRequest("argument %q must be a number", name)
	}
}

// StringOr returns the argument as a string, or def when absent.
func (c Call) StringOr(i int, name, def string) string {
	if s, err := c.String(i, name); err == nil {
		return s
	}
	return def
}

func buildCapabilities(m Module) (map[string]Capability, error) {
	caps := make(map[string]Capability, len(m.Capabilities))
	for _, c := range m.Capabilities {
		if c.Name == "" || c.Handler == nil {
			return nil, fmt.Errorf("capability %q needs a name and a handler", c.Name)
		}
		if _, dup := caps[c.Name]; dup {
			return nil, fmt.Errorf("duplicate capability %q", c.Name)
		}
		if _, helper := publicHelpers[c.Name]; helper {
			return nil, fmt.Errorf("capability %q shadows a gateway helper", c.Name)
		}
		caps[c.Name] = c
	}
	return caps, nil
}

// buildWhitelist is declared functions, fixed helpers and endpoint-tagged
// capabilities.
func buildWhitelist(m Module, caps map[string]Capability) map[string]struct{} {
	wl := map[string]struct{}{}
	for _, fn := range m.Functions {
		wl[fn] = struct{}{}
	}
	for fn := range publicHelpers {
		wl[fn] = struct{}{}
	}
	for name, c := range caps {
		if c.Endpoint {
			wl[name] = struct{}{}
		}
	}
	return wl
}

func buildSchema(caps map[string]Capability, whitelist map[string]struct{}) map[string]Schema {
	out := map[string]Schema{}
	for name := range whitelist {
		if c, ok := caps[name]; ok {
			params := c.Params
			if params == nil {
				params = []string{}
			}
			out[name] = Schema{Doc: c.Doc, Params: params, Cost: c.costWeight(), RateClass: c.rateClass()}
			continue
		}
		if doc, ok := publicHelpers[name]; ok {
			out[name] = Schema{Doc: doc, Params: []string{}, Cost: 1, RateClass: RateStake, Helper: true}
		}
	}
	return out
}

func sortedNames(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
