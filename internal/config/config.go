// Package config loads the shuffle writer's recognized configuration
// options (spec.md §6), following the defaults-then-env-overrides shape
// HilthonTT-Visper's http/internal/infrastructure/configs package uses.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"
)

// Canonical config key names (spec.md §6).
const (
	KeyCompress          = "shuffle.compress"
	KeyFastMergeEnabled  = "shuffle.unsafe.fast-merge.enabled"
	KeyTransferTo        = "shuffle.file.transferTo"
	KeyInitBufferSize    = "shuffle.sort.init-buffer-size"
	KeyFileBufferSizeKB  = "shuffle.file.buffer-size"
	KeyOutputBufferKB    = "shuffle.unsafe.file.output-buffer-size"
	KeyMaxPartitions     = "shuffle.max-partitions"
)

// legacyFastMergeEnv is the misspelled alias spec.md §9 requires treating
// as equivalent to the canonical env form of KeyFastMergeEnabled.
const legacyFastMergeEnv = "SHUFFLE_UNDAFE_FAST_MERGE_ENABLE"

// canonicalFastMergeEnv is the env form of KeyFastMergeEnabled (dots and
// hyphens become underscores, uppercased); Load maps it onto the
// fast_merge_enabled field.
const canonicalFastMergeEnv = "SHUFFLE_UNSAFE_FAST_MERGE_ENABLED"

// MaxShuffleOutputPartitions is the serialized-mode partition ceiling
// (spec.md §6): 24 bits of partition id room in the packed sort pointer.
const MaxShuffleOutputPartitions = (1 << 24) - 1

// Config holds every recognized shuffle.* option.
type Config struct {
	Compress         bool `koanf:"compress"`
	FastMergeEnabled bool `koanf:"fast_merge_enabled"`
	TransferTo       bool `koanf:"transfer_to"`
	InitBufferSize   int  `koanf:"init_buffer_size"`
	FileBufferKB     int  `koanf:"file_buffer_kb"`
	OutputBufferKB   int  `koanf:"output_buffer_kb"`
	MaxPartitions    int  `koanf:"max_partitions"`

	// UsedLegacyAlias records whether the deprecated env var name was the
	// one that actually set FastMergeEnabled, so callers can log it once.
	UsedLegacyAlias bool
}

// Default returns the shuffle writer's default configuration.
func Default() Config {
	return Config{
		Compress:         false,
		FastMergeEnabled: false,
		TransferTo:       false,
		InitBufferSize:   4096,
		FileBufferKB:     32,
		OutputBufferKB:   32,
		MaxPartitions:    MaxShuffleOutputPartitions,
	}
}

// Load builds a Config from process environment variables, applying
// defaults first and then overrides, mirroring
// HilthonTT-Visper's configs.Load (applyDefaults -> applyEnvOverrides ->
// UnmarshalWithConf).
func Load() (Config, error) {
	k := koanf.New(".")

	def := Default()
	flat := map[string]interface{}{
		"compress":            def.Compress,
		"fast_merge_enabled":  def.FastMergeEnabled,
		"transfer_to":         def.TransferTo,
		"init_buffer_size":    def.InitBufferSize,
		"file_buffer_kb":      def.FileBufferKB,
		"output_buffer_kb":    def.OutputBufferKB,
		"max_partitions":      def.MaxPartitions,
	}
	for key, val := range flat {
		if err := k.Set(key, val); err != nil {
			return Config{}, err
		}
	}

	// SHUFFLE_COMPRESS, SHUFFLE_FAST_MERGE_ENABLED, SHUFFLE_TRANSFER_TO, ...
	if err := k.Load(env.ProviderWithValue("SHUFFLE_", ".", func(rawKey, value string) (string, interface{}) {
		if rawKey == canonicalFastMergeEnv {
			return "fast_merge_enabled", value
		}
		key := strings.ToLower(strings.TrimPrefix(rawKey, "SHUFFLE_"))
		return key, value
	}), nil); err != nil {
		return Config{}, err
	}

	usedAlias := false
	if _, ok := os.LookupEnv(canonicalFastMergeEnv); !ok {
		if legacy, ok := os.LookupEnv(legacyFastMergeEnv); ok {
			if b, err := strconv.ParseBool(legacy); err == nil {
				k.Set("fast_merge_enabled", b)
				usedAlias = true
			}
		}
	}

	var cfg Config
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			TagName:          "koanf",
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return Config{}, err
	}
	cfg.UsedLegacyAlias = usedAlias
	return cfg, nil
}
