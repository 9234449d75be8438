// Package hardening refuses to start a service with unsafe settings in
// production-like environments.
package hardening

import (
	"fmt"
	"strings"

	"github.com/xcrystal627/commune/pkg/config"
	"github.com/xcrystal627/commune/pkg/store"
)

type Requirement struct {
	Name  string
	Value string
}

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity bool
	Free               bool
	Postgres           store.PostgresOptions
	Redis              store.RedisOptions
	// CORSAllowedOrigins is checked only when CheckCORS is set.
	CORSAllowedOrigins string
	CheckCORS          bool
	Required           []Requirement
}

func ForGateway(c *config.GatewayConfig) Options {
	return Options{
		Service:            "gateway",
		Environment:        c.Environment,
		StrictProdSecurity: c.StrictProdSecurity,
		Free:               c.Free,
		Postgres:           c.Postgres,
		Redis:              c.Redis,
		CORSAllowedOrigins: c.CORSAllowedOrigins,
		CheckCORS:          true,
		Required:           []Requirement{{Name: "directory_url or redis.addr", Value: c.DirectoryURL + c.Redis.Addr}},
	}
}

func ForValidator(c *config.ValidatorConfig) Options {
	return Options{
		Service:            "validator",
		Environment:        c.Environment,
		StrictProdSecurity: c.StrictProdSecurity,
		Redis:              c.Redis,
		CORSAllowedOrigins: c.CORSAllowedOrigins,
		CheckCORS:          true,
		Required:           []Requirement{{Name: "directory_url or redis.addr", Value: c.DirectoryURL + c.Redis.Addr}},
	}
}

func ForDirectory(c *config.DirectoryConfig) Options {
	o := Options{
		Service:            "directory",
		Environment:        c.Environment,
		StrictProdSecurity: c.StrictProdSecurity,
		Redis:              c.Redis,
	}
	if c.Backend == "redis" {
		o.Required = []Requirement{{Name: "redis.addr", Value: c.Redis.Addr}}
	}
	return o
}

func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) || !o.StrictProdSecurity {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if o.Free {
		return fmt.Errorf("%s: strict production hardening forbids free mode", service)
	}
	if strings.TrimSpace(o.Postgres.DSN) != "" && !o.Postgres.RequireTLS {
		return fmt.Errorf("%s: strict production hardening requires postgres.require_tls=true", service)
	}
	if strings.TrimSpace(o.Redis.Addr) != "" {
		if !o.Redis.RequireTLS {
			return fmt.Errorf("%s: strict production hardening requires redis.require_tls=true", service)
		}
		if o.Redis.TLSInsecure || o.Redis.AllowInsecureTLS {
			return fmt.Errorf("%s: strict production hardening forbids redis.tls_insecure/redis.allow_insecure_tls", service)
		}
	}
	if o.CheckCORS {
		if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
			return err
		}
	}
	for _, req := range o.Required {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func validateCORSOrigins(raw, service string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit cors_allowed_origins", service)
	}
	return nil
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
