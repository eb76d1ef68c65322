package cmd

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestEnvOverridesNestedKeys(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setDefaults(t.TempDir())
	bindEnv()
	t.Setenv("ASSETSCOPE_ESI_TOKEN", "from-env")
	t.Setenv("ASSETSCOPE_CACHE_TTL", "2h")
	t.Setenv("ASSETSCOPE_PIPELINE_FETCH_CONCURRENCY", "9")

	tests := []struct {
		key  string
		got  interface{}
		want interface{}
	}{
		{"esi.token", viper.GetString("esi.token"), "from-env"},
		{"cache.ttl", viper.GetDuration("cache.ttl"), 2 * time.Hour},
		{"pipeline.fetch_concurrency", viper.GetInt("pipeline.fetch_concurrency"), 9},
		{"esi.rate_limit", viper.GetFloat64("esi.rate_limit"), 20.0},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Fatalf("%s: want %v, got %v", tt.key, tt.want, tt.got)
		}
	}
}
