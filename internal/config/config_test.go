package config

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	v, err := NewViper(fs)
	require.NoError(t, err)
	return Load(v)
}

var familyArgs = []string{
	"--shard-count=4",
	"--shard-threshold=100",
	"--shard-timeout=5s",
	"--global-threshold=100",
	"--global-timeout=0",
}

// TestLoadFromFlags verifies a complete flag set produces the expected config.
func TestLoadFromFlags(t *testing.T) {
	cfg, err := load(t, append(familyArgs, "--store-driver=memory", "--mirror-backend=memory")...)
	require.NoError(t, err)

	assert.Equal(t, Family{
		ShardCount:      4,
		ShardThreshold:  100,
		ShardTimeout:    5 * time.Second,
		GlobalThreshold: 100,
		GlobalTimeout:   0,
	}, cfg.Family)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, time.Second, cfg.MirrorCacheTTL)
}

// TestLoadMissingFamily verifies every missing family key is reported and
// that a zero default does not count as configured.
func TestLoadMissingFamily(t *testing.T) {
	_, err := load(t, "--shard-count=2", "--global-timeout=0")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissing))
	assert.Contains(t, err.Error(), KeyShardThreshold)
	assert.Contains(t, err.Error(), KeyShardTimeout)
	assert.Contains(t, err.Error(), KeyGlobalThreshold)
	assert.NotContains(t, err.Error(), KeyShardCount)
	assert.NotContains(t, err.Error(), KeyGlobalTimeout)
}

// TestLoadFromEnv verifies TALLY_* variables satisfy the required keys.
func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TALLY_SHARD_COUNT", "3")
	t.Setenv("TALLY_SHARD_THRESHOLD", "10")
	t.Setenv("TALLY_SHARD_TIMEOUT", "250ms")
	t.Setenv("TALLY_GLOBAL_THRESHOLD", "20")
	t.Setenv("TALLY_GLOBAL_TIMEOUT", "1s")

	cfg, err := load(t)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Family.ShardCount)
	assert.Equal(t, 250*time.Millisecond, cfg.Family.ShardTimeout)
	assert.Equal(t, time.Second, cfg.Family.GlobalTimeout)
}

// TestFamilyValidate verifies range checks collect every failure.
func TestFamilyValidate(t *testing.T) {
	tests := []struct {
		name    string
		family  Family
		wantErr []string
	}{
		{
			name:   "valid",
			family: Family{ShardCount: 1, ShardThreshold: 1, GlobalThreshold: 1},
		},
		{
			name:    "zero values",
			family:  Family{},
			wantErr: []string{KeyShardCount, KeyShardThreshold, KeyGlobalThreshold},
		},
		{
			name:    "negative timeouts",
			family:  Family{ShardCount: 1, ShardThreshold: 1, GlobalThreshold: 1, ShardTimeout: -1, GlobalTimeout: -1},
			wantErr: []string{KeyShardTimeout, KeyGlobalTimeout},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.family.Validate()
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

// TestConfigValidate verifies server settings are checked after the family.
func TestConfigValidate(t *testing.T) {
	_, err := load(t, append(familyArgs, "--store-driver=rocks", "--mirror-backend=s3")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store-driver")
	assert.Contains(t, err.Error(), "mirror-backend")

	_, err = load(t, append(familyArgs, "--store-path=")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), KeyStorePath)
}
