package kafka

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kafka.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeYAML(t, `
schema_version: v1
brokers: [localhost:9092]
topics: [events]
group_name: g1
num_consumers: 4
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 1_048_576/4, cfg.MaxBlockSize)
	assert.Equal(t, 65_536, cfg.PollMaxBatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.PollTimeout)
	assert.Equal(t, 7500*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, "RawBLOB", cfg.Format)
}

func TestLoadConfig_PollBatchCappedByBlock(t *testing.T) {
	path := writeYAML(t, `
brokers: [localhost:9092]
topics: [events]
group_name: g1
max_block_size: 100
poll_timeout: 250ms
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.PollMaxBatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.PollTimeout)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeYAML(t, `
brokers: [localhost:9092]
topics: [events]
group_name: g1
`)
	t.Setenv("STREAMTABLE_KAFKA__GROUP_NAME", "from-env")
	t.Setenv("STREAMTABLE_KAFKA__TOPICS", "a,b")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.GroupName)
	assert.Equal(t, []string{"a", "b"}, cfg.Topics)
}

func TestLoadConfig_Rejects(t *testing.T) {
	cases := map[string]string{
		"schema version": "schema_version: v9\nbrokers: [b]\ntopics: [t]\ngroup_name: g\n",
		"too many consumers": "brokers: [b]\ntopics: [t]\ngroup_name: g\nnum_consumers: 17\n",
		"no topics":          "brokers: [b]\ngroup_name: g\n",
		"long delimiter":     "brokers: [b]\ntopics: [t]\ngroup_name: g\nrow_delimiter: ';;'\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeYAML(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadConfig_SecurityAndTopicOverrides(t *testing.T) {
	path := writeYAML(t, `
brokers: [localhost:9092]
topics: [events, audit]
group_name: g1
client_id: ingest
sasl_user: reader
sasl_pass: secret
kafka_audit:
  client_id: ingest-audit
  tls_enabled: true
  sasl_user: auditor
  sasl_pass: audit-secret
kafka_unused:
  client_id: never
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "ingest-audit", cfg.ClientID)
	assert.True(t, cfg.TLSEnabled)
	assert.Equal(t, "auditor", cfg.SASLUser)
	assert.Equal(t, "audit-secret", cfg.SASLPass)
	require.NotNil(t, cfg.tlsConfig())
	assert.True(t, cfg.saslEnabled())
}

func TestConfig_OverrideKeepsUnsetFields(t *testing.T) {
	cfg := Config{ClientID: "a", Version: "2.1.0", TLSEnabled: true, SASLUser: "u", SASLPass: "p"}
	off := false
	cfg.Override(TopicOverrides{TLSEnabled: &off})
	assert.Equal(t, "a", cfg.ClientID)
	assert.Equal(t, "u", cfg.SASLUser)
	assert.False(t, cfg.TLSEnabled)
	assert.Nil(t, cfg.tlsConfig())
}
