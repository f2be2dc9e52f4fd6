package kafka

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	defaultInsertBlockSize = 1_048_576
	defaultPollBatchSize   = 65_536
	defaultPollTimeout     = 500 * time.Millisecond
	defaultFlushInterval   = 7500 * time.Millisecond
)

type Config struct {
	Brokers   []string `koanf:"brokers" validate:"required,min=1,dive,required"`
	Topics    []string `koanf:"topics" validate:"required,min=1,dive,required"`
	GroupName string   `koanf:"group_name" validate:"required"`
	ClientID  string   `koanf:"client_id"`
	Version   string   `koanf:"version"` // sarama protocol version

	TLSEnabled bool   `koanf:"tls_enabled"`
	SASLUser   string `koanf:"sasl_user"`
	SASLPass   string `koanf:"sasl_pass"`

	Format       string `koanf:"format"`
	RowDelimiter string `koanf:"row_delimiter" validate:"max=1"`
	Schema       string `koanf:"schema"`

	NumConsumers       int           `koanf:"num_consumers" validate:"min=1,max=16"`
	MaxBlockSize       int           `koanf:"max_block_size" validate:"min=1"`
	PollMaxBatchSize   int           `koanf:"poll_max_batch_size" validate:"min=1"`
	PollTimeout        time.Duration `koanf:"poll_timeout" validate:"gt=0"`
	FlushInterval      time.Duration `koanf:"flush_interval" validate:"gt=0"`
	CommitEveryBatch   bool          `koanf:"commit_every_batch"`
	SkipBrokenMessages int           `koanf:"skip_broken_messages" validate:"min=0"`
}

// TopicOverrides are the client settings a `kafka_<topic>` section may
// change for a table consuming that topic.
type TopicOverrides struct {
	ClientID   string `koanf:"client_id"`
	Version    string `koanf:"version"`
	TLSEnabled *bool  `koanf:"tls_enabled"`
	SASLUser   string `koanf:"sasl_user"`
	SASLPass   string `koanf:"sasl_pass"`
}

var validate = validator.New()

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// LoadConfig merges YAML (if present) with env-vars
// (prefix `STREAMTABLE_KAFKA__`, delimiter `__`).
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	// schema version check (only when YAML is present)
	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("kafka schema_version %q not supported (want v1)", sv)
	}

	_ = k.Load(env.Provider("STREAMTABLE_KAFKA__", "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "STREAMTABLE_KAFKA__"))
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	// comma separated lists are accepted anywhere a list is expected
	cfg.Brokers = splitList(cfg.Brokers)
	cfg.Topics = splitList(cfg.Topics)
	if err := applyTopicOverrides(k, &cfg); err != nil {
		return cfg, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("kafka config: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// defaults
// ---------------------------------------------------------------------------

// SetDefaults fills every unset tuning field.
func (c *Config) SetDefaults() {
	if c.NumConsumers == 0 {
		c.NumConsumers = 1
	}
	if c.Format == "" {
		c.Format = "RawBLOB"
	}
	if c.MaxBlockSize == 0 && c.NumConsumers > 0 {
		c.MaxBlockSize = defaultInsertBlockSize / c.NumConsumers
	}
	if c.PollMaxBatchSize == 0 {
		c.PollMaxBatchSize = defaultPollBatchSize
	}
	// a poll never fetches more than one block
	if c.PollMaxBatchSize > c.MaxBlockSize {
		c.PollMaxBatchSize = c.MaxBlockSize
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = defaultPollTimeout
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.Version == "" {
		c.Version = "2.1.0"
	}
}

// applyTopicOverrides merges every `kafka_<topic>` section, in topic order,
// over the top-level client settings.
func applyTopicOverrides(k *koanf.Koanf, cfg *Config) error {
	for _, topic := range cfg.Topics {
		key := "kafka_" + topic
		if !k.Exists(key) {
			continue
		}
		var o TopicOverrides
		if err := k.Unmarshal(key, &o); err != nil {
			return fmt.Errorf("kafka config %s: %w", key, err)
		}
		cfg.Override(o)
	}
	return nil
}

// Override applies the non-empty fields of o.
func (c *Config) Override(o TopicOverrides) {
	if o.ClientID != "" {
		c.ClientID = o.ClientID
	}
	if o.Version != "" {
		c.Version = o.Version
	}
	if o.TLSEnabled != nil {
		c.TLSEnabled = *o.TLSEnabled
	}
	if o.SASLUser != "" {
		c.SASLUser, c.SASLPass = o.SASLUser, o.SASLPass
	}
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
