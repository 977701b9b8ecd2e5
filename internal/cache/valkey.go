package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      ValkeyTLSConfig
}

type valkeyBackend struct {
	client valkey.Client
}

const scanBatchSize = 256

// NewValkey connects to the external store and verifies it with a ping.
func NewValkey(cfg ValkeyConfig) (Backend, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: valkey address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: valkey ping: %w", err)
	}

	return &valkeyBackend{client: client}, nil
}

func (b *valkeyBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp := b.client.Do(ctx, b.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: valkey get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, false, fmt.Errorf("cache: valkey get bytes: %w", err)
	}
	return payload, true, nil
}

func (b *valkeyBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("cache: valkey set requires a positive ttl")
	}
	cmd := b.client.B().Set().Key(key).Value(string(value)).Px(ttl).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: valkey set: %w", err)
	}
	return nil
}

func (b *valkeyBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Do(ctx, b.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("cache: valkey del: %w", err)
	}
	return nil
}

func (b *valkeyBackend) DeleteContains(ctx context.Context, substr string) error {
	if substr == "" {
		return nil
	}
	keys, err := b.Scan(ctx, substr)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := b.client.Do(ctx, b.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("cache: valkey del contains: %w", err)
	}
	return nil
}

func (b *valkeyBackend) Scan(ctx context.Context, substr string) ([]string, error) {
	pattern := "*"
	if substr != "" {
		pattern = "*" + substr + "*"
	}
	var keys []string
	var cursor uint64
	for {
		resp := b.client.Do(ctx, b.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("cache: valkey scan: %w", err)
		}
		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (b *valkeyBackend) Size(ctx context.Context) (int64, error) {
	resp := b.client.Do(ctx, b.client.B().Dbsize().Build())
	size, err := resp.ToInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: valkey dbsize: %w", err)
	}
	return size, nil
}

func (b *valkeyBackend) Close(context.Context) error {
	b.client.Close()
	return nil
}
