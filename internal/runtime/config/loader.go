package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	errspkg "github.com/drblury/eventbus/internal/runtime/errors"
)

// DefaultEnvPrefix is used by Load when no prefix is given.
const DefaultEnvPrefix = "EVENTBUS"

// Load builds a Config merging, in order, the defaults, the YAML file at path
// (skipped when path is empty or missing) and environment variables. Env
// names drop the prefix, lower-case the rest and use a double underscore as
// the path separator:
//
//	EVENTBUS_KAFKA__CONSUMER_GROUP=billing -> kafka.consumer_group
//	EVENTBUS_TOPICS=orders,payments        -> topics
//
// The result is defaulted and validated.
func Load(path, envPrefix string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultValues(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: loading defaults: %w", err)
	}

	if path != "" {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			if err := k.Load(file.Provider(path), koanfyaml.Parser()); err != nil {
				return nil, fmt.Errorf("config: loading %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	if envPrefix == "" {
		envPrefix = DefaultEnvPrefix
	}
	prefix := strings.ToUpper(strings.TrimSuffix(envPrefix, "_")) + "_"
	transform := func(s string) string {
		s = strings.TrimPrefix(s, prefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}
	if err := k.Load(env.Provider(prefix, ".", transform), nil); err != nil {
		return nil, fmt.Errorf("config: loading env: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf", FlatPaths: true}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg = cfg.WithDefaults()
	if err := errspkg.NewConfigValidationError(cfg.Validate()); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultValues() map[string]any {
	return map[string]any{
		"pubsub_system":         DefaultPubSubSystem,
		"envelope.format":       DefaultEnvelope,
		"ack_mode":              AckOnResolved,
		"kafka.client_id":       DefaultKafkaClientID,
		"kafka.isolation_level": DefaultKafkaIsolationLevel,
		"kafka.session_timeout": DefaultKafkaSessionTimeout.String(),
		"kafka.initial_offset":  DefaultKafkaInitialOffset,
		"kafka.key_format":      DefaultKafkaKeyFormat,
		"nats.stream":           DefaultNATSStream,
	}
}
