// Package config 提供配置加载和管理功能
package config

import (
	"time"
)

// Config 应用配置根结构
type Config struct {
	App           AppConfig           `yaml:"app" mapstructure:"app"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Database      DatabaseConfig      `yaml:"database" mapstructure:"database"`
	Cache         CacheConfig         `yaml:"cache" mapstructure:"cache"`
	LLM           LLMConfig           `yaml:"llm" mapstructure:"llm"`
	Pipeline      PipelineConfig      `yaml:"pipeline" mapstructure:"pipeline"`
	Quota         QuotaConfig         `yaml:"quota" mapstructure:"quota"`
	Warmer        WarmerConfig        `yaml:"warmer" mapstructure:"warmer"`
	Messaging     MessagingConfig     `yaml:"messaging" mapstructure:"messaging"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
	Security      SecurityConfig      `yaml:"security" mapstructure:"security"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	Name    string `yaml:"name" mapstructure:"name"`
	Version string `yaml:"version" mapstructure:"version"`
	Env     string `yaml:"env" mapstructure:"env"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTP HTTPServerConfig `yaml:"http" mapstructure:"http"`
}

// HTTPServerConfig HTTP 服务器配置
type HTTPServerConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	User            string        `yaml:"user" mapstructure:"user"`
	Password        string        `yaml:"password" mapstructure:"password"`
	Database        string        `yaml:"database" mapstructure:"database"`
	SSLMode         string        `yaml:"ssl_mode" mapstructure:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	Redis     RedisConfig              `yaml:"redis" mapstructure:"redis"`
	KeyPrefix string                   `yaml:"key_prefix" mapstructure:"key_prefix"`
	TTL       map[string]time.Duration `yaml:"ttl" mapstructure:"ttl"`
	// EmbeddingTTL embedding 阶段固定 TTL，不随文档类型变化
	EmbeddingTTL time.Duration `yaml:"embedding_ttl" mapstructure:"embedding_ttl"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	Password     string        `yaml:"password" mapstructure:"password"`
	DB           int           `yaml:"db" mapstructure:"db"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// LLMConfig LLM 配置
type LLMConfig struct {
	DefaultProvider string                    `yaml:"default_provider" mapstructure:"default_provider"`
	Providers       map[string]ProviderConfig `yaml:"providers" mapstructure:"providers"`
	// FallbackChain 备用提供商顺序；当前仅记录意图，不自动切换
	FallbackChain []string `yaml:"fallback_chain" mapstructure:"fallback_chain"`
	// InputTokenShare 成本估算时假定的输入 token 占比（其余视为输出）
	InputTokenShare float64 `yaml:"input_token_share" mapstructure:"input_token_share"`
}

// ProviderConfig LLM 提供商配置
type ProviderConfig struct {
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
	// SearchModel 检索增强请求固定使用的模型；为空表示该提供商不提供检索能力
	SearchModel   string                   `yaml:"search_model" mapstructure:"search_model"`
	MaxTokens     int                      `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature   float64                  `yaml:"temperature" mapstructure:"temperature"`
	Timeout       time.Duration            `yaml:"timeout" mapstructure:"timeout"`
	CharsPerToken float64                  `yaml:"chars_per_token" mapstructure:"chars_per_token"`
	Pricing       map[string]PricingConfig `yaml:"pricing" mapstructure:"pricing"`
	Capabilities  []string                 `yaml:"capabilities" mapstructure:"capabilities"` // search/vision
}

// PricingConfig 按模型的价格表（USD / 1K tokens）
type PricingConfig struct {
	InputPer1K  float64 `yaml:"input_per_1k" mapstructure:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" mapstructure:"output_per_1k"`
}

// PipelineConfig 生成管线配置
type PipelineConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryBase      time.Duration `yaml:"retry_base" mapstructure:"retry_base"`
	RetryMax       time.Duration `yaml:"retry_max" mapstructure:"retry_max"`
	// RefinementTypes 允许执行润色阶段的文档类型
	RefinementTypes []string `yaml:"refinement_types" mapstructure:"refinement_types"`
	// RefineTemperature 润色阶段使用的低温度
	RefineTemperature float64 `yaml:"refine_temperature" mapstructure:"refine_temperature"`
	// ContextTailSections 生成后续章节时携带的已完成章节数量
	ContextTailSections int `yaml:"context_tail_sections" mapstructure:"context_tail_sections"`
	// ContextTailChars 已完成章节上下文的字符上限
	ContextTailChars int `yaml:"context_tail_chars" mapstructure:"context_tail_chars"`
}

// QuotaConfig 用量准入配置
type QuotaConfig struct {
	Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
	DailyCostLimitUSD float64 `yaml:"daily_cost_limit_usd" mapstructure:"daily_cost_limit_usd"`
}

// WarmerConfig 缓存预热配置
type WarmerConfig struct {
	// PatternsPerMinute 预热节流：每分钟处理的模式数
	PatternsPerMinute int `yaml:"patterns_per_minute" mapstructure:"patterns_per_minute"`
}

// MessagingConfig 消息队列配置
type MessagingConfig struct {
	RedisStream RedisStreamConfig `yaml:"redis_stream" mapstructure:"redis_stream"`
}

// RedisStreamConfig Redis Stream 配置
type RedisStreamConfig struct {
	MaxLen        int           `yaml:"max_len" mapstructure:"max_len"`
	BlockTimeout  time.Duration `yaml:"block_timeout" mapstructure:"block_timeout"`
	ClaimInterval time.Duration `yaml:"claim_interval" mapstructure:"claim_interval"`
	RetryLimit    int           `yaml:"retry_limit" mapstructure:"retry_limit"`
	RetryBackoff  BackoffConfig `yaml:"retry_backoff" mapstructure:"retry_backoff"`
}

// BackoffConfig 退避配置
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial" mapstructure:"initial"`
	Max        time.Duration `yaml:"max" mapstructure:"max"`
	Multiplier float64       `yaml:"multiplier" mapstructure:"multiplier"`
}

// ObservabilityConfig 可观测性配置
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// TracingConfig 追踪配置
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" mapstructure:"enabled"`
	Endpoint   string  `yaml:"endpoint" mapstructure:"endpoint"`
	SampleRate float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Port    int    `yaml:"port" mapstructure:"port"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	CORS CORSConfig `yaml:"cors" mapstructure:"cors"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" mapstructure:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" mapstructure:"allowed_headers"`
}
