/**
 * @description
 * Configuration for the billing binaries. Values come from environment
 * variables, optionally seeded from a .env file in the working directory.
 *
 * @dependencies
 * - github.com/spf13/viper
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every setting read by billing-api and scheduler.
type Config struct {
	ServerPort                     string `mapstructure:"SERVER_PORT"`
	DatabaseURL                    string `mapstructure:"DATABASE_URL"`
	EncryptionKey                  string `mapstructure:"ENCRYPTION_KEY"`
	SupabaseJWTSecret              string `mapstructure:"SUPABASE_JWT_SECRET"`
	InternalAPIKey                 string `mapstructure:"INTERNAL_API_KEY"`
	RabbitMQURL                    string `mapstructure:"RABBITMQ_URL"`
	RedisURL                       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix                 string `mapstructure:"REDIS_KEY_PREFIX"`
	RenewalAPIURL                  string `mapstructure:"RENEWAL_API_URL"`
	RenewalAPIKey                  string `mapstructure:"RENEWAL_API_KEY"`
	MercadoPagoAPIBaseURL          string `mapstructure:"MERCADOPAGO_API_BASE_URL"`
	PublicPaymentBaseURL           string `mapstructure:"PUBLIC_PAYMENT_BASE_URL"`
	AppBaseURL                     string `mapstructure:"APP_BASE_URL"`
	WebhookBaseURL                 string `mapstructure:"WEBHOOK_BASE_URL"`
	BusinessTimezone               string `mapstructure:"BUSINESS_TIMEZONE"`
	ReminderJobSchedule            string `mapstructure:"REMINDER_JOB_SCHEDULE"`
	BillingAPIURL                  string `mapstructure:"BILLING_API_URL"`
	DefaultMessagesPerMinute       int    `mapstructure:"DEFAULT_MESSAGES_PER_MINUTE"`
	DispatchMaxConcurrentAccounts  int    `mapstructure:"DISPATCH_MAX_CONCURRENT_ACCOUNTS"`
	CORSAllowedOrigins             string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	PublicRateLimitPerMinute       int    `mapstructure:"PUBLIC_RATE_LIMIT_PER_MINUTE"`
	RenewalBreakerFailureThreshold int    `mapstructure:"RENEWAL_BREAKER_FAILURE_THRESHOLD"`
}

var keys = []string{
	"SERVER_PORT",
	"DATABASE_URL",
	"ENCRYPTION_KEY",
	"SUPABASE_JWT_SECRET",
	"INTERNAL_API_KEY",
	"RABBITMQ_URL",
	"REDIS_URL",
	"REDIS_KEY_PREFIX",
	"RENEWAL_API_URL",
	"RENEWAL_API_KEY",
	"MERCADOPAGO_API_BASE_URL",
	"PUBLIC_PAYMENT_BASE_URL",
	"APP_BASE_URL",
	"WEBHOOK_BASE_URL",
	"BUSINESS_TIMEZONE",
	"REMINDER_JOB_SCHEDULE",
	"BILLING_API_URL",
	"DEFAULT_MESSAGES_PER_MINUTE",
	"DISPATCH_MAX_CONCURRENT_ACCOUNTS",
	"CORS_ALLOWED_ORIGINS",
	"PUBLIC_RATE_LIMIT_PER_MINUTE",
	"RENEWAL_BREAKER_FAILURE_THRESHOLD",
}

// LoadConfig reads configuration from the environment and an optional .env
// file found at path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "billing:reminders")
	viper.SetDefault("MERCADOPAGO_API_BASE_URL", "https://api.mercadopago.com")
	viper.SetDefault("BUSINESS_TIMEZONE", "America/Sao_Paulo")
	viper.SetDefault("REMINDER_JOB_SCHEDULE", "* * * * *")
	viper.SetDefault("DEFAULT_MESSAGES_PER_MINUTE", 5)
	viper.SetDefault("DISPATCH_MAX_CONCURRENT_ACCOUNTS", 8)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("PUBLIC_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("RENEWAL_BREAKER_FAILURE_THRESHOLD", 5)

	for _, key := range keys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RenewalAPIURL = strings.TrimSuffix(strings.TrimSpace(config.RenewalAPIURL), "/")
	config.PublicPaymentBaseURL = strings.TrimSuffix(strings.TrimSpace(config.PublicPaymentBaseURL), "/")
	config.AppBaseURL = strings.TrimSuffix(strings.TrimSpace(config.AppBaseURL), "/")
	if config.AppBaseURL == "" {
		config.AppBaseURL = config.PublicPaymentBaseURL
	}
	config.WebhookBaseURL = strings.TrimSuffix(strings.TrimSpace(config.WebhookBaseURL), "/")
	config.BillingAPIURL = strings.TrimSuffix(strings.TrimSpace(config.BillingAPIURL), "/")
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "billing:reminders"
	}

	if config.DefaultMessagesPerMinute <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive messages per minute; using 5\" value=%d", config.DefaultMessagesPerMinute)
		config.DefaultMessagesPerMinute = 5
	}
	if config.DispatchMaxConcurrentAccounts <= 0 {
		config.DispatchMaxConcurrentAccounts = 8
	}
	if config.PublicRateLimitPerMinute <= 0 {
		config.PublicRateLimitPerMinute = 60
	}
	if config.RenewalBreakerFailureThreshold <= 0 {
		config.RenewalBreakerFailureThreshold = 5
	}

	return
}

// Require returns an error naming the first listed key that is empty.
func (c Config) Require(keys ...string) error {
	values := map[string]string{
		"DATABASE_URL":        c.DatabaseURL,
		"ENCRYPTION_KEY":      c.EncryptionKey,
		"SUPABASE_JWT_SECRET": c.SupabaseJWTSecret,
		"INTERNAL_API_KEY":    c.InternalAPIKey,
		"BILLING_API_URL":     c.BillingAPIURL,
		"WEBHOOK_BASE_URL":    c.WebhookBaseURL,
	}
	for _, key := range keys {
		value, known := values[key]
		if !known {
			return fmt.Errorf("config: %s cannot be required", key)
		}
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("config: %s is required", key)
		}
	}
	return nil
}
