package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the shared redis connection used by the
// rate limiter, replay guard, directory and scoreboard.
type RedisOptions struct {
	Addr             string `mapstructure:"addr"`
	Password         string `mapstructure:"password"`
	DB               int    `mapstructure:"db"`
	TLS              bool   `mapstructure:"tls"`
	TLSInsecure      bool   `mapstructure:"tls_insecure"`
	AllowInsecureTLS bool   `mapstructure:"allow_insecure_tls"`
	TLSServerName    string `mapstructure:"tls_server_name"`
	TLSCACertFile    string `mapstructure:"tls_ca_cert_file"`
	TLSCertFile      string `mapstructure:"tls_cert_file"`
	TLSKeyFile       string `mapstructure:"tls_key_file"`
	RequireTLS       bool   `mapstructure:"require_tls"`
}

var redisPingTimeout = 2 * time.Second

// NewRedis connects and pings. An empty address means redis is not configured.
func NewRedis(ctx context.Context, o RedisOptions) (*redis.Client, error) {
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address not configured")
	}
	tlsConfig, err := redisTLSConfig(o)
	if err != nil {
		return nil, err
	}
	if o.RequireTLS && tlsConfig == nil {
		return nil, fmt.Errorf("redis require_tls=true but tls is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  o.Password,
		DB:        o.DB,
		TLSConfig: tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func redisTLSConfig(o RedisOptions) (*tls.Config, error) {
	if !o.TLS {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if o.TLSInsecure {
		if !o.AllowInsecureTLS {
			return nil, fmt.Errorf("redis tls_insecure=true requires allow_insecure_tls=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if serverName := strings.TrimSpace(o.TLSServerName); serverName != "" {
		cfg.ServerName = serverName
	}
	if caFile := strings.TrimSpace(o.TLSCACertFile); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read redis ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse redis ca cert: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	certFile := strings.TrimSpace(o.TLSCertFile)
	keyFile := strings.TrimSpace(o.TLSKeyFile)
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, fmt.Errorf("both redis tls_cert_file and tls_key_file must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
