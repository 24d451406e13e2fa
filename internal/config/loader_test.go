package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/okian/creditscore/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

var configEnvVars = []string{
	"CREDITSCORE_CONFIG",
	"CREDITSCORE_ADDR",
	"CREDITSCORE_QUEUE_SIZE",
	"CREDITSCORE_WORKER_COUNT",
	"CREDITSCORE_STORE_BACKEND",
	"CREDITSCORE_STORE_DSN",
	"CREDITSCORE_DEFAULT_SCORE",
	"CREDITSCORE_ON_TIME_DELTA",
	"CREDITSCORE_LATE_DELTA",
	"CREDITSCORE_INTERNAL_API_KEY",
	"CREDITSCORE_LOG_FORMAT",
	"INTERNAL_API_KEY",
}

func clearConfigEnvVars() {
	for _, k := range configEnvVars {
		_ = os.Unsetenv(k)
	}
}

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()
		clearConfigEnvVars()
		defer clearConfigEnvVars()

		convey.Convey("When loading config with defaults only", func() {
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
				convey.So(cfg.EventQueueSize, convey.ShouldEqual, 10_000)
				convey.So(cfg.RateLimitRequests, convey.ShouldEqual, 10)
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("CREDITSCORE_ADDR", ":8080")
			_ = os.Setenv("CREDITSCORE_QUEUE_SIZE", "500")
			_ = os.Setenv("CREDITSCORE_WORKER_COUNT", "16")
			_ = os.Setenv("CREDITSCORE_LATE_DELTA", "-45")
			_ = os.Setenv("INTERNAL_API_KEY", "shared-secret")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.EventQueueSize, convey.ShouldEqual, 500)
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 16)
				convey.So(cfg.LateDelta, convey.ShouldEqual, -45)
				convey.So(cfg.InternalAPIKey, convey.ShouldEqual, "shared-secret")
			})
		})

		convey.Convey("When both api key variables are set", func() {
			_ = os.Setenv("INTERNAL_API_KEY", "bare")
			_ = os.Setenv("CREDITSCORE_INTERNAL_API_KEY", "prefixed")

			cfg, err := config.Load(ctx)

			convey.Convey("Then the prefixed one should win", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.InternalAPIKey, convey.ShouldEqual, "prefixed")
			})
		})

		convey.Convey("When loading config with YAML file", func() {
			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			yaml := "addr: \":7070\"\nstore_backend: sqlite\nstore_dsn: " + filepath.Join(dir, "scores.db") + "\ndefault_score: 700\nlog_format: json\n"
			convey.So(os.WriteFile(path, []byte(yaml), 0o600), convey.ShouldBeNil)
			_ = os.Setenv("CREDITSCORE_CONFIG", path)
			_ = os.Setenv("CREDITSCORE_DEFAULT_SCORE", "720")

			cfg, err := config.Load(ctx)

			convey.Convey("Then file values should apply under env overrides", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":7070")
				convey.So(cfg.StoreBackend, convey.ShouldEqual, "sqlite")
				convey.So(cfg.LogFormat, convey.ShouldEqual, "json")
				convey.So(cfg.DefaultScore, convey.ShouldEqual, 720)
			})
		})

		convey.Convey("When the YAML file is missing", func() {
			_ = os.Setenv("CREDITSCORE_CONFIG", "/nonexistent/creditscore.yaml")

			_, err := config.Load(ctx)

			convey.Convey("Then it should fail to load", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When values are invalid", func() {
			cases := map[string]string{
				"CREDITSCORE_ADDR":          "",
				"CREDITSCORE_DEFAULT_SCORE": "900",
				"CREDITSCORE_STORE_BACKEND": "cassandra",
				"CREDITSCORE_LOG_FORMAT":    "xml",
				"CREDITSCORE_ON_TIME_DELTA": "-15",
				"CREDITSCORE_LATE_DELTA":    "30",
			}

			convey.Convey("Then each should be rejected as invalid config", func() {
				for k, v := range cases {
					clearConfigEnvVars()
					_ = os.Setenv(k, v)
					_, err := config.Load(ctx)
					convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				}
			})
		})

		convey.Convey("When a sql backend has no dsn", func() {
			_ = os.Setenv("CREDITSCORE_STORE_BACKEND", "postgres")

			_, err := config.Load(ctx)

			convey.Convey("Then it should be rejected", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		})
	})
}
