package config

import "testing"

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	d := Default()
	if d.Compress {
		t.Error("Compress default should be false")
	}
	if d.FastMergeEnabled {
		t.Error("FastMergeEnabled default should be false")
	}
	if d.MaxPartitions != MaxShuffleOutputPartitions {
		t.Errorf("MaxPartitions default = %d, want %d", d.MaxPartitions, MaxShuffleOutputPartitions)
	}
}

func TestLoadWithoutOverridesReturnsDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.Compress != def.Compress || cfg.FastMergeEnabled != def.FastMergeEnabled ||
		cfg.TransferTo != def.TransferTo || cfg.InitBufferSize != def.InitBufferSize ||
		cfg.FileBufferKB != def.FileBufferKB || cfg.OutputBufferKB != def.OutputBufferKB ||
		cfg.MaxPartitions != def.MaxPartitions {
		t.Fatalf("Load() with no env overrides = %+v, want %+v", cfg, def)
	}
	if cfg.UsedLegacyAlias {
		t.Error("UsedLegacyAlias should be false with no env vars set")
	}
}

func TestLoadCanonicalEnvOverridesDefault(t *testing.T) {
	t.Setenv("SHUFFLE_COMPRESS", "true")
	t.Setenv(canonicalFastMergeEnv, "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Compress {
		t.Error("Compress should be true after SHUFFLE_COMPRESS=true")
	}
	if !cfg.FastMergeEnabled {
		t.Error("FastMergeEnabled should be true after canonical env var set")
	}
	if cfg.UsedLegacyAlias {
		t.Error("UsedLegacyAlias should be false when the canonical var is set")
	}
}

func TestLoadLegacyAliasSetsFastMergeAndFlagsItself(t *testing.T) {
	t.Setenv(legacyFastMergeEnv, "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.FastMergeEnabled {
		t.Error("FastMergeEnabled should be true when only the legacy alias is set")
	}
	if !cfg.UsedLegacyAlias {
		t.Error("UsedLegacyAlias should be true when the legacy alias was what set it")
	}
}

func TestLoadCanonicalTakesPrecedenceOverLegacyAlias(t *testing.T) {
	t.Setenv(legacyFastMergeEnv, "true")
	t.Setenv(canonicalFastMergeEnv, "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FastMergeEnabled {
		t.Error("canonical env var set to false should win even when the legacy alias says true")
	}
	if cfg.UsedLegacyAlias {
		t.Error("UsedLegacyAlias should be false when the canonical var is present, regardless of the legacy alias")
	}
}

func TestLoadLegacyAliasWithInvalidBoolIsIgnored(t *testing.T) {
	t.Setenv(legacyFastMergeEnv, "not-a-bool")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FastMergeEnabled {
		t.Error("an unparsable legacy alias value should not set FastMergeEnabled")
	}
	if cfg.UsedLegacyAlias {
		t.Error("UsedLegacyAlias should be false when the legacy value failed to parse")
	}
}
