// Package config loads and validates the flat environment-variable
// configuration surface for the pipeline and the dashboard.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the complete configuration surface. All values come from the
// environment (optionally seeded from a .env file in the data root).
type Config struct {
	// Ingestion
	Origins        []string `validate:"required,min=1,dive,required"`
	MinScore       int      `validate:"gte=0"`
	PostsPerOrigin int      `validate:"gt=0"`

	// Cost limits and prices
	MaxTokensPerRun  int     `validate:"gt=0"`
	MaxUSDPerRun     float64 `validate:"gt=0"`
	MaxUSDLifetime   float64 `validate:"gt=0"`
	PriceInPerToken  float64 `validate:"gt=0"`
	PriceOutPerToken float64 `validate:"gt=0"`

	// Pipeline behavior
	MaxRegenerations int    `validate:"gte=0"`
	KillSwitch       bool   `validate:"-"`
	Model            string `validate:"required"`

	// Paths
	DataRoot      string `validate:"required"`
	DatabasePath  string `validate:"required"`
	ArtifactsRoot string `validate:"required"`
	PromptsDir    string `validate:"required"`

	// Remote deadlines
	ForumTimeout      time.Duration `validate:"gt=0"`
	LLMTimeout        time.Duration `validate:"gt=0"`
	StorefrontTimeout time.Duration `validate:"gt=0"`

	// Dashboard
	DashboardPort int `validate:"gt=0,lte=65535"`
	ActivityLimit int `validate:"gt=0"`
}

// Defaults mirrored from the deployment docs.
const (
	defaultMinScore         = 10
	defaultPostsPerOrigin   = 20
	defaultMaxTokensPerRun  = 50000
	defaultMaxUSDPerRun     = 5.0
	defaultMaxUSDLifetime   = 100.0
	defaultPriceIn          = 0.03 / 1000
	defaultPriceOut         = 0.06 / 1000
	defaultMaxRegenerations = 1
	defaultModel            = "gpt-4"
	defaultForumTimeout     = 30 * time.Second
	defaultLLMTimeout       = 120 * time.Second
	defaultStoreTimeout     = 30 * time.Second
	defaultDashboardPort    = 8000
	defaultActivityLimit    = 20
)

// Load reads configuration from the environment, applying defaults and
// validating the result. A .env file under dataRoot is honored when present.
// Validation problems are collected into a single *ValidationError.
func Load(dataRoot string) (*Config, error) {
	if dataRoot == "" {
		dataRoot = getEnv("PRODPILOT_DATA_ROOT", "./data")
	}

	// Optional .env file; absence is not an error.
	_ = godotenv.Load(filepath.Join(dataRoot, ".env"))

	cfg := &Config{
		Origins:           splitList(getEnv("ORIGINS", "")),
		MinScore:          getEnvInt("MIN_SCORE", defaultMinScore),
		PostsPerOrigin:    getEnvInt("POSTS_PER_ORIGIN", defaultPostsPerOrigin),
		MaxTokensPerRun:   getEnvInt("MAX_TOKENS_PER_RUN", defaultMaxTokensPerRun),
		MaxUSDPerRun:      getEnvFloat("MAX_USD_PER_RUN", defaultMaxUSDPerRun),
		MaxUSDLifetime:    getEnvFloat("MAX_USD_LIFETIME", defaultMaxUSDLifetime),
		PriceInPerToken:   getEnvFloat("PRICE_IN_PER_TOKEN", defaultPriceIn),
		PriceOutPerToken:  getEnvFloat("PRICE_OUT_PER_TOKEN", defaultPriceOut),
		MaxRegenerations:  getEnvInt("MAX_REGENERATIONS", defaultMaxRegenerations),
		KillSwitch:        getEnvBool("KILL_SWITCH", false),
		Model:             getEnv("MODEL", defaultModel),
		DataRoot:          dataRoot,
		DatabasePath:      getEnv("DATABASE_PATH", filepath.Join(dataRoot, "pipeline.db")),
		ArtifactsRoot:     getEnv("ARTIFACTS_ROOT", filepath.Join(dataRoot, "artifacts")),
		PromptsDir:        getEnv("PROMPTS_DIR", "./prompts"),
		ForumTimeout:      getEnvDuration("FORUM_TIMEOUT", defaultForumTimeout),
		LLMTimeout:        getEnvDuration("LLM_TIMEOUT", defaultLLMTimeout),
		StorefrontTimeout: getEnvDuration("STOREFRONT_TIMEOUT", defaultStoreTimeout),
		DashboardPort:     getEnvInt("DASHBOARD_PORT", defaultDashboardPort),
		ActivityLimit:     getEnvInt("ACTIVITY_LIMIT", defaultActivityLimit),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks all fields and returns a *ValidationError listing every
// failed constraint, or nil.
func (c *Config) Validate() error {
	var reasons []string

	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok {
			for _, fe := range verrs {
				reasons = append(reasons, fmt.Sprintf("%s: failed %q constraint (value %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
		} else {
			reasons = append(reasons, err.Error())
		}
	}

	// Cross-field checks the tags cannot express.
	if c.MaxUSDPerRun > c.MaxUSDLifetime {
		reasons = append(reasons, fmt.Sprintf("MaxUSDPerRun (%v) exceeds MaxUSDLifetime (%v)", c.MaxUSDPerRun, c.MaxUSDLifetime))
	}
	for _, o := range c.Origins {
		if strings.ContainsAny(o, " \t") {
			reasons = append(reasons, fmt.Sprintf("origin %q contains whitespace", o))
		}
	}

	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}

func asValidationErrors(err error, out *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*out = verrs
	}
	return ok
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
