package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the process-wide configuration tree.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Gate       GateConfig       `mapstructure:"gate"`
	Business   BusinessConfig   `mapstructure:"business"`
	Governance GovernanceConfig `mapstructure:"governance"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`
	WorkerID int64  `mapstructure:"worker_id"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	ProposalEvents string `mapstructure:"proposal_events"`
	LedgerEvents   string `mapstructure:"ledger_events"`
}

// AuthConfig holds the secrets shared with the identity and payment collaborators.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwt_secret"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// GateConfig configures the attempt gate. Actions override Default per action name.
type GateConfig struct {
	Enabled bool                   `mapstructure:"enabled"`
	Default LimitConfig            `mapstructure:"default"`
	Actions map[string]LimitConfig `mapstructure:"actions"`
}

type LimitConfig struct {
	MaxAttempts   int64 `mapstructure:"max_attempts"`
	WindowSeconds int   `mapstructure:"window_seconds"`
}

type BusinessConfig struct {
	ContributionTimeoutMinutes int `mapstructure:"contribution_timeout_minutes"`
	MaxRetryCount              int `mapstructure:"max_retry_count"`
	PenaltyScanIntervalSeconds int `mapstructure:"penalty_scan_interval_seconds"`
	PenaltyScanBatchSize       int `mapstructure:"penalty_scan_batch_size"`
	CircleLockTTLSeconds       int `mapstructure:"circle_lock_ttl_seconds"`
}

// GovernanceConfig carries engine-wide bounds and the defaults applied to new circles.
type GovernanceConfig struct {
	MinPurposeLen              int    `mapstructure:"min_purpose_len"`
	MaxPurposeLen              int    `mapstructure:"max_purpose_len"`
	MaxLoanInterestRate        int    `mapstructure:"max_loan_interest_rate"`
	MinRepaymentMonths         int    `mapstructure:"min_repayment_months"`
	MaxRepaymentMonths         int    `mapstructure:"max_repayment_months"`
	DefaultMinProposalAmount   int64  `mapstructure:"default_min_proposal_amount"`
	DefaultMaxProposalMultiple int    `mapstructure:"default_max_proposal_multiple"`
	DefaultQuorumPercent       int    `mapstructure:"default_quorum_percent"`
	DefaultPenaltyType         string `mapstructure:"default_penalty_type"`
	DefaultPenaltyValue        string `mapstructure:"default_penalty_value"`
	DefaultGraceMultiple       string `mapstructure:"default_grace_multiple"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.worker_id", 1)

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.database", "circlefund")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.proposal_events", "circlefund.proposal")
	v.SetDefault("kafka.topic.ledger_events", "circlefund.ledger")

	v.SetDefault("gate.enabled", true)
	v.SetDefault("gate.default.max_attempts", 30)
	v.SetDefault("gate.default.window_seconds", 60)

	v.SetDefault("business.contribution_timeout_minutes", 30)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.penalty_scan_interval_seconds", 3600)
	v.SetDefault("business.penalty_scan_batch_size", 200)
	v.SetDefault("business.circle_lock_ttl_seconds", 15)

	v.SetDefault("governance.min_purpose_len", 10)
	v.SetDefault("governance.max_purpose_len", 500)
	v.SetDefault("governance.max_loan_interest_rate", 100)
	v.SetDefault("governance.min_repayment_months", 1)
	v.SetDefault("governance.max_repayment_months", 36)
	v.SetDefault("governance.default_min_proposal_amount", 1)
	v.SetDefault("governance.default_max_proposal_multiple", 10)
	v.SetDefault("governance.default_quorum_percent", 50)
	v.SetDefault("governance.default_penalty_type", "PERCENT")
	v.SetDefault("governance.default_penalty_value", "5")
	v.SetDefault("governance.default_grace_multiple", "1")

	v.SetDefault("log.level", "info")
}

// LoadConfig reads the YAML file at configPath on top of the built-in defaults.
// Every key can be overridden from the environment, e.g. CIRCLEFUND_MYSQL_HOST.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("circlefund")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return cfg
}
