package hardening

import (
	"strings"
	"testing"

	"github.com/xcrystal627/commune/pkg/config"
	"github.com/xcrystal627/commune/pkg/store"
)

func TestValidateProduction(t *testing.T) {
	base := Options{
		Service:            "gateway",
		Environment:        "production",
		StrictProdSecurity: true,
		Postgres:           store.PostgresOptions{DSN: "postgres://db/modnet?sslmode=verify-full", RequireTLS: true},
		Redis:              store.RedisOptions{Addr: "redis:6379", TLS: true, RequireTLS: true},
		CORSAllowedOrigins: "https://console.example.com",
		CheckCORS:          true,
		Required:           []Requirement{{Name: "directory_url", Value: "https://dir.example.com"}},
	}

	t.Run("pass", func(t *testing.T) {
		if err := ValidateProduction(base); err != nil {
			t.Fatalf("expected pass, got %v", err)
		}
	})

	t.Run("non_prod_skip", func(t *testing.T) {
		o := base
		o.Environment = "development"
		o.Free = true
		o.CORSAllowedOrigins = "*"
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected skip in non-production, got %v", err)
		}
	})

	cases := []struct {
		name   string
		mutate func(o *Options)
		want   string
	}{
		{"free_mode_forbidden", func(o *Options) { o.Free = true }, "free mode"},
		{"postgres_tls_required", func(o *Options) { o.Postgres.RequireTLS = false }, "postgres.require_tls"},
		{"redis_tls_required", func(o *Options) { o.Redis.RequireTLS = false }, "redis.require_tls"},
		{"redis_insecure_forbidden", func(o *Options) { o.Redis.TLSInsecure = true }, "tls_insecure"},
		{"cors_wildcard_forbidden", func(o *Options) { o.CORSAllowedOrigins = "*" }, "wildcard"},
		{"cors_localhost_forbidden", func(o *Options) { o.CORSAllowedOrigins = "https://localhost:3000" }, "localhost"},
		{"cors_https_required", func(o *Options) { o.CORSAllowedOrigins = "http://console.example.com" }, "HTTPS"},
		{"cors_required", func(o *Options) { o.CORSAllowedOrigins = " , " }, "cors_allowed_origins"},
		{"required_setting", func(o *Options) { o.Required = []Requirement{{Name: "directory_url"}} }, "directory_url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := base
			tc.mutate(&o)
			err := ValidateProduction(o)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}

	t.Run("strict_can_be_disabled", func(t *testing.T) {
		o := base
		o.StrictProdSecurity = false
		o.Free = true
		o.CORSAllowedOrigins = "*"
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected strict disable skip, got %v", err)
		}
	})

	t.Run("postgres_unset_is_fine", func(t *testing.T) {
		o := base
		o.Postgres = store.PostgresOptions{}
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected pass without postgres, got %v", err)
		}
	})
}

func TestServiceOptions(t *testing.T) {
	gw := ForGateway(&config.GatewayConfig{Environment: "prod", StrictProdSecurity: true, CORSAllowedOrigins: "https://a.example.com"})
	if err := ValidateProduction(gw); err == nil || !strings.Contains(err.Error(), "directory_url or redis.addr") {
		t.Fatalf("expected gateway to need a directory, got %v", err)
	}
	gw = ForGateway(&config.GatewayConfig{Environment: "prod", StrictProdSecurity: true, CORSAllowedOrigins: "https://a.example.com", DirectoryURL: "https://dir"})
	if err := ValidateProduction(gw); err != nil {
		t.Fatalf("expected gateway to pass, got %v", err)
	}

	vali := ForValidator(&config.ValidatorConfig{Environment: "staging", StrictProdSecurity: true, DirectoryURL: "https://dir"})
	if err := ValidateProduction(vali); err == nil {
		t.Fatal("expected validator to need CORS origins")
	}

	dir := ForDirectory(&config.DirectoryConfig{Environment: "prod", StrictProdSecurity: true, Backend: "redis"})
	if err := ValidateProduction(dir); err == nil || !strings.Contains(err.Error(), "redis.addr") {
		t.Fatalf("expected redis backend to need an address, got %v", err)
	}
	if err := ValidateProduction(ForDirectory(&config.DirectoryConfig{Environment: "prod", StrictProdSecurity: true, Backend: "memory"})); err != nil {
		t.Fatalf("expected memory directory to pass, got %v", err)
	}
}
