// config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port         string
		ReadTimeout  time.Duration
		WriteTimeout time.Duration
		MaxBodyBytes int64
		TrustProxy   bool
	}
	OpenAI struct {
		APIKey      string
		Model       string
		BaseURL     string
		MaxTokens   int
		Temperature float32
	}
	DB struct {
		URL          string
		Host         string
		Port         string
		User         string
		Password     string
		DBName       string
		SSLMode      string
		MaxOpenConns int
		MaxIdleConns int
		ConnLifetime time.Duration
	}
	Supabase struct {
		JWTSecret string
	}
	Stripe struct {
		SecretKey             string
		WebhookSecret         string
		WebhookTolerance      time.Duration
		WeeklyPaymentLinkID   string
		MonthlyPaymentLinkID  string
		LifetimePaymentLinkID string
		WeeklyPriceID         string
		MonthlyPriceID        string
		LifetimePriceID       string
		WeeklyLink            string
		MonthlyLink           string
		LifetimeLink          string
		SuccessURL            string
		CancelURL             string
	}
	RateLimit struct {
		Window   time.Duration
		Max      int
		RedisURL string
		Prefix   string
	}
	Generation struct {
		MaxMessageChars int
		FreeLimit       int
	}
	Telegram struct {
		Token string
	}
	ShutdownTimeout time.Duration
}

// envBindings maps config keys to the environment variable names used in deployment.
var envBindings = map[string][]string{
	"Server.Port":                  {"PORT", "SERVER_PORT"},
	"Server.TrustProxy":            {"TRUST_PROXY"},
	"OpenAI.APIKey":                {"OPENAI_API_KEY"},
	"OpenAI.Model":                 {"OPENAI_MODEL"},
	"OpenAI.BaseURL":               {"OPENAI_BASE_URL"},
	"DB.URL":                       {"DATABASE_URL"},
	"DB.Host":                      {"DB_HOST"},
	"DB.Port":                      {"DB_PORT"},
	"DB.User":                      {"DB_USER"},
	"DB.Password":                  {"DB_PASSWORD"},
	"DB.DBName":                    {"DB_NAME"},
	"DB.SSLMode":                   {"DB_SSL_MODE"},
	"Supabase.JWTSecret":           {"SUPABASE_JWT_SECRET"},
	"Stripe.SecretKey":             {"STRIPE_SECRET_KEY"},
	"Stripe.WebhookSecret":         {"STRIPE_WEBHOOK_SECRET"},
	"Stripe.WeeklyPaymentLinkID":   {"STRIPE_WEEKLY_PAYMENT_LINK_ID"},
	"Stripe.MonthlyPaymentLinkID":  {"STRIPE_MONTHLY_PAYMENT_LINK_ID"},
	"Stripe.LifetimePaymentLinkID": {"STRIPE_LIFETIME_PAYMENT_LINK_ID"},
	"Stripe.WeeklyPriceID":         {"STRIPE_WEEKLY_PRICE_ID"},
	"Stripe.MonthlyPriceID":        {"STRIPE_MONTHLY_PRICE_ID"},
	"Stripe.LifetimePriceID":       {"STRIPE_LIFETIME_PRICE_ID"},
	"Stripe.WeeklyLink":            {"STRIPE_WEEKLY_LINK"},
	"Stripe.MonthlyLink":           {"STRIPE_MONTHLY_LINK"},
	"Stripe.LifetimeLink":          {"STRIPE_LIFETIME_LINK"},
	"Stripe.SuccessURL":            {"STRIPE_SUCCESS_URL"},
	"Stripe.CancelURL":             {"STRIPE_CANCEL_URL"},
	"RateLimit.Window":             {"RATE_LIMIT_WINDOW"},
	"RateLimit.Max":                {"RATE_LIMIT_MAX"},
	"RateLimit.RedisURL":           {"RATE_LIMIT_REDIS_URL", "REDIS_URL"},
	"Generation.MaxMessageChars":   {"MAX_MESSAGE_CHARS"},
	"Generation.FreeLimit":         {"FREE_LIMIT"},
	"Telegram.Token":               {"TELEGRAM_TOKEN"},
	"ShutdownTimeout":              {"SHUTDOWN_TIMEOUT"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ShutdownTimeout", 10*time.Second)
	v.SetDefault("Server.Port", "8080")
	v.SetDefault("Server.ReadTimeout", 10*time.Second)
	// streamed completions can take a while
	v.SetDefault("Server.WriteTimeout", 120*time.Second)
	v.SetDefault("Server.MaxBodyBytes", 16<<10)
	v.SetDefault("Server.TrustProxy", false)
	v.SetDefault("OpenAI.Model", "gpt-4o")
	v.SetDefault("OpenAI.MaxTokens", 900)
	v.SetDefault("OpenAI.Temperature", 0.7)
	v.SetDefault("DB.SSLMode", "require")
	v.SetDefault("DB.Port", "5432")
	v.SetDefault("DB.MaxOpenConns", 20)
	v.SetDefault("DB.MaxIdleConns", 2)
	v.SetDefault("DB.ConnLifetime", 5*time.Minute)
	v.SetDefault("Stripe.WebhookTolerance", 5*time.Minute)
	v.SetDefault("RateLimit.Window", 60*time.Second)
	v.SetDefault("RateLimit.Max", 12)
	v.SetDefault("RateLimit.Prefix", "sturdy:rl")
	v.SetDefault("Generation.MaxMessageChars", 1600)
	v.SetDefault("Generation.FreeLimit", 5)
}

// Load loads the configuration
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")
	v.AddConfigPath("$HOME/.sturdy")

	setDefaults(v)

	for key, names := range envBindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Process any ${ENV_VAR} syntax in the config values
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
			envVar := strings.TrimPrefix(strings.TrimSuffix(value, "}"), "${")
			v.Set(key, os.Getenv(envVar))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// DSN returns the Postgres connection string, or "" when no database is configured.
func (c *Config) DSN() string {
	if c.DB.URL != "" {
		return c.DB.URL
	}
	if c.DB.Host == "" {
		return ""
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.DBName, c.DB.SSLMode, c.DB.MaxOpenConns,
	)
}
