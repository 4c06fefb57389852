package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/yungbote/appbuild-orchestrator/internal/data/db"
	"github.com/yungbote/appbuild-orchestrator/internal/jobs/orchestrator"
)

const envPrefix = "APPBUILD"

type Config struct {
	HTTP         HTTPConfig         `mapstructure:"http"`
	Log          LogConfig          `mapstructure:"log"`
	DB           DBConfig           `mapstructure:"db"`
	GitHub       GitHubConfig       `mapstructure:"github"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Quota        QuotaConfig        `mapstructure:"quota"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Otel         OtelConfig         `mapstructure:"otel"`
}

type HTTPConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Mode string `mapstructure:"mode"`
}

type DBConfig struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	Host        string `mapstructure:"host"`
	Port        string `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	Name        string `mapstructure:"name"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type GitHubConfig struct {
	Owner             string        `mapstructure:"owner"`
	Repo              string        `mapstructure:"repo"`
	Token             string        `mapstructure:"token"`
	Workflow          string        `mapstructure:"workflow"`
	Ref               string        `mapstructure:"ref"`
	BaseURL           string        `mapstructure:"base_url"`
	WebURL            string        `mapstructure:"web_url"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
}

type OrchestratorConfig struct {
	ClaimInterval        time.Duration `mapstructure:"claim_interval"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	BuildTimeout         time.Duration `mapstructure:"build_timeout"`
	MaxRetries           int           `mapstructure:"max_retries"`
	StuckGraceMultiplier int           `mapstructure:"stuck_grace_multiplier"`
	DispatchTimeout      time.Duration `mapstructure:"dispatch_timeout"`
	ClaimBatch           int           `mapstructure:"claim_batch"`
	PollBatch            int           `mapstructure:"poll_batch"`
}

type QuotaConfig struct {
	DailyBuilds int `mapstructure:"daily_builds"`
}

type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type OtelConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
	Endpoint    string  `mapstructure:"endpoint"`
	Headers     string  `mapstructure:"headers"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

func setDefaults(v *viper.Viper) {
	def := orchestrator.DefaultConfig()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{})
	v.SetDefault("log.mode", "development")

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "appbuild")
	v.SetDefault("db.auto_migrate", true)

	v.SetDefault("github.owner", "")
	v.SetDefault("github.repo", "")
	v.SetDefault("github.token", "")
	v.SetDefault("github.workflow", "build-app.yml")
	v.SetDefault("github.ref", "main")
	v.SetDefault("github.base_url", "https://api.github.com")
	v.SetDefault("github.web_url", "https://github.com")
	v.SetDefault("github.requests_per_second", 2.0)
	v.SetDefault("github.http_timeout", 15*time.Second)

	v.SetDefault("orchestrator.claim_interval", def.ClaimInterval)
	v.SetDefault("orchestrator.poll_interval", def.PollInterval)
	v.SetDefault("orchestrator.build_timeout", def.BuildTimeout)
	v.SetDefault("orchestrator.max_retries", def.MaxRetries)
	v.SetDefault("orchestrator.stuck_grace_multiplier", def.StuckGraceMultiplier)
	v.SetDefault("orchestrator.dispatch_timeout", def.DispatchTimeout)
	v.SetDefault("orchestrator.claim_batch", def.ClaimBatch)
	v.SetDefault("orchestrator.poll_batch", def.PollBatch)

	v.SetDefault("quota.daily_builds", 10)
	v.SetDefault("webhook.secret", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "build-events")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.service_name", "appbuild-orchestrator")
	v.SetDefault("otel.environment", "")
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.headers", "")
	v.SetDefault("otel.insecure", false)
	v.SetDefault("otel.sample_ratio", 0.1)
}

// LoadConfig layers defaults, an optional YAML file and APPBUILD_* env vars
// (highest precedence). An empty path falls back to $APPBUILD_CONFIG.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// Standard OTEL_* variables are honoured when the prefixed ones are unset.
	_ = v.BindEnv("otel.endpoint", envPrefix+"_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("otel.headers", envPrefix+"_OTEL_HEADERS", "OTEL_EXPORTER_OTLP_HEADERS")

	if path == "" {
		path = strings.TrimSpace(os.Getenv(envPrefix + "_CONFIG"))
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// ValidateProvider checks what the orchestrator loop needs to dispatch builds.
func (c Config) ValidateProvider() error {
	var missing []string
	if strings.TrimSpace(c.GitHub.Owner) == "" {
		missing = append(missing, "github.owner")
	}
	if strings.TrimSpace(c.GitHub.Repo) == "" {
		missing = append(missing, "github.repo")
	}
	if strings.TrimSpace(c.GitHub.Token) == "" {
		missing = append(missing, "github.token")
	}
	if len(missing) > 0 {
		return errors.New("missing required config: " + strings.Join(missing, ", "))
	}
	return nil
}

func (c Config) dbConfig() db.Config {
	return db.Config{
		Driver:   c.DB.Driver,
		DSN:      c.DB.DSN,
		Host:     c.DB.Host,
		Port:     c.DB.Port,
		User:     c.DB.User,
		Password: c.DB.Password,
		Name:     c.DB.Name,
	}
}

func (c Config) orchestratorConfig() orchestrator.Config {
	o := c.Orchestrator
	return orchestrator.Config{
		ClaimInterval:        o.ClaimInterval,
		PollInterval:         o.PollInterval,
		BuildTimeout:         o.BuildTimeout,
		MaxRetries:           o.MaxRetries,
		StuckGraceMultiplier: o.StuckGraceMultiplier,
		DispatchTimeout:      o.DispatchTimeout,
		ClaimBatch:           o.ClaimBatch,
		PollBatch:            o.PollBatch,
	}
}
