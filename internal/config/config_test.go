package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atmx/spin-economy/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.ResetInterval != 30*time.Second || cfg.BonusThreshold != 100 || cfg.BonusSpins != 50 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.BotPrefix != "bot_" || cfg.CoinsPerToken != 100 || cfg.SettleAfter != 30*time.Second {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	os.WriteFile(path, []byte("BONUS_SPINS=25\nTIMEZONE=Europe/Berlin\n"), 0o600)
	t.Setenv("BONUS_SPINS", "")
	os.Unsetenv("BONUS_SPINS")
	t.Setenv("TIMEZONE", "")
	os.Unsetenv("TIMEZONE")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BonusSpins != 25 || cfg.Timezone != "Europe/Berlin" {
		t.Errorf("expected .env values, got %d %q", cfg.BonusSpins, cfg.Timezone)
	}
}

func TestLoad_MissingEnvFileIsFine(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("expected missing .env to be ignored, got %v", err)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"RESET_INTERVAL":   "5m",
		"TIMEZONE":         "Mars/Olympus",
		"COINS_PER_TOKEN":  "0",
		"WRITE_QUEUE_SIZE": "-1",
		"SETTLE_AFTER":     "0s",
		"REDIS_URL":        "redis://localhost:6379",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := config.Load("")
			if err == nil || !strings.Contains(err.Error(), "invalid config") {
				t.Errorf("expected validation error for %s=%s, got %v", key, value, err)
			}
		})
	}
}
