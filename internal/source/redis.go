package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/filtertune/pkg/filters"
)

// DefaultKeyPrefix namespaces the per-section hashes
const DefaultKeyPrefix = "filtertune:config"

// RedisSource keeps one hash per section, keyed by the stats API field name
type RedisSource struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	byField map[string]filters.Rule
}

// NewRedisSource creates a Redis-backed source.
// If client is nil, returns nil (optional Redis support)
func NewRedisSource(client *redis.Client, prefix string) *RedisSource {
	if client == nil {
		return nil
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	byField := make(map[string]filters.Rule)
	for _, r := range filters.Rules() {
		byField[r.Field] = r
	}
	return &RedisSource{
		client:  client,
		prefix:  prefix,
		timeout: 2 * time.Second,
		byField: byField,
	}
}

func (s *RedisSource) key(section filters.Section) string {
	return fmt.Sprintf("%s:%s", s.prefix, section)
}

// Current reads every section hash. Fields that are not in the rule table
// are skipped.
func (s *RedisSource) Current(ctx context.Context) (filters.Config, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("redis source not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cfg := filters.NewConfig()
	for _, section := range filters.Sections {
		key := s.key(section)
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		for field, raw := range fields {
			rule, ok := s.byField[field]
			if !ok || rule.Section != section {
				log.Warn().
					Str("key", key).
					Str("field", field).
					Msg("Skipping unknown filter field")
				continue
			}
			v, err := parseValue(rule, raw)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", key, field, err)
			}
			if err := cfg.Set(rule.Name, v); err != nil {
				return nil, err
			}
		}
	}
	return cfg, nil
}

// Apply writes every parameter: set values with HSET, unset ones with HDEL.
// It returns the share of parameters whose command succeeded.
func (s *RedisSource) Apply(ctx context.Context, cfg filters.Config) (float64, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("redis source not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rules := filters.Rules()
	cmds, pipeErr := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range rules {
			v := cfg.Get(r.Name)
			if v.IsSet() {
				pipe.HSet(ctx, s.key(r.Section), r.Field, v.String())
			} else {
				pipe.HDel(ctx, s.key(r.Section), r.Field)
			}
		}
		return nil
	})

	written := 0
	for _, cmd := range cmds {
		if cmd.Err() == nil {
			written++
		}
	}
	ratio := float64(written) / float64(len(rules))

	if pipeErr != nil {
		log.Warn().
			Err(pipeErr).
			Int("written", written).
			Int("total", len(rules)).
			Msg("Partially applied filter config")
		return ratio, fmt.Errorf("failed to apply config: %w", pipeErr)
	}

	log.Info().
		Int("parameters", cfg.SetCount()).
		Str("prefix", s.prefix).
		Msg("Applied filter config to redis")
	return ratio, nil
}

func parseValue(rule filters.Rule, raw string) (filters.Value, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return filters.Unset(), nil
	}
	if rule.Kind == filters.KindBool {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return filters.Value{}, fmt.Errorf("value %q is not a boolean", raw)
		}
		return filters.Bool(b), nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return filters.Value{}, fmt.Errorf("value %q is not a number", raw)
	}
	return filters.Num(f), nil
}
