// Package config 提供配置加载功能
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Load 加载配置文件
// 按优先级加载：默认配置 -> 环境配置 -> 环境变量
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// 1. 加载默认配置
	if err := loadConfigFile(v, "configs/config.yaml", true); err != nil {
		return nil, err
	}

	// 2. 加载环境特定配置
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}
	envFile := fmt.Sprintf("configs/config.%s.yaml", env)
	if err := loadConfigFile(v, envFile, true); err != nil {
		return nil, err
	}

	// 3. 绑定环境变量 (直接覆盖)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 设置默认值 (兜底)
	setDefaults(v)

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// loadConfigFile 读取文件，执行环境变量替换，并加载到 viper
func loadConfigFile(v *viper.Viper, path string, optional bool) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// 执行环境变量替换
	expanded := expandEnv(string(content))

	reader := strings.NewReader(expanded)
	if v.ConfigFileUsed() == "" {
		if err := v.ReadConfig(reader); err != nil {
			return fmt.Errorf("failed to read processed config %s: %w", path, err)
		}
		// 手动标记已加载文件，防止后续 ReadInConfig 报错
		v.SetConfigFile(path)
	} else {
		if err := v.MergeConfig(reader); err != nil {
			return fmt.Errorf("failed to merge processed config %s: %w", path, err)
		}
	}

	return nil
}

// expandEnv 替换字符串中的 ${VAR:default} 占位符
func expandEnv(s string) string {
	// 匹配 ${VAR} 或 ${VAR:default}
	re := regexp.MustCompile(`\${(\w+)(:([^}]*))?}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		submatch := re.FindStringSubmatch(match)
		key := submatch[1]
		hasDefault := submatch[2] != ""
		defVal := submatch[3]

		val, ok := os.LookupEnv(key)
		if ok {
			return val
		}
		if hasDefault {
			return defVal
		}
		return match
	})
}

// MustLoad 加载配置，失败时 panic
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// 应用默认值
	v.SetDefault("app.name", "docforge-ai-api")
	v.SetDefault("app.version", "v0.0.0")
	v.SetDefault("app.env", "development")

	// HTTP 服务器默认值
	v.SetDefault("server.http.host", "0.0.0.0")
	v.SetDefault("server.http.port", 8080)
	v.SetDefault("server.http.read_timeout", "30s")
	v.SetDefault("server.http.write_timeout", "120s")
	v.SetDefault("server.http.idle_timeout", "120s")

	// 数据库默认值
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.database", "docforge")
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("database.postgres.max_open_conns", 50)
	v.SetDefault("database.postgres.max_idle_conns", 10)
	v.SetDefault("database.postgres.conn_max_lifetime", "30m")
	v.SetDefault("database.postgres.conn_max_idle_time", "5m")

	// Redis 默认值
	v.SetDefault("cache.redis.host", "localhost")
	v.SetDefault("cache.redis.port", 6379)
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.pool_size", 100)
	v.SetDefault("cache.redis.min_idle_conns", 10)
	v.SetDefault("cache.redis.dial_timeout", "5s")
	v.SetDefault("cache.redis.read_timeout", "3s")
	v.SetDefault("cache.redis.write_timeout", "3s")

	// 缓存 TTL：敏感/易变内容保留时间更短
	v.SetDefault("cache.key_prefix", "docgen")
	v.SetDefault("cache.ttl.biography", "168h")
	v.SetDefault("cache.ttl.grant_proposal", "168h")
	v.SetDefault("cache.ttl.business_plan", "72h")
	v.SetDefault("cache.ttl.case_summary", "24h")
	v.SetDefault("cache.ttl.medical_report", "1h")
	v.SetDefault("cache.embedding_ttl", "24h")

	// LLM 默认值
	v.SetDefault("llm.default_provider", "openai")
	v.SetDefault("llm.input_token_share", 0.6)
	v.SetDefault("llm.fallback_chain", []string{})

	setProviderDefaults(v, "openai", "https://api.openai.com/v1", "gpt-4o", 4.0)
	v.SetDefault("llm.providers.openai.pricing.gpt-4o.input_per_1k", 0.0025)
	v.SetDefault("llm.providers.openai.pricing.gpt-4o.output_per_1k", 0.01)
	v.SetDefault("llm.providers.openai.pricing.gpt-4o-mini.input_per_1k", 0.00015)
	v.SetDefault("llm.providers.openai.pricing.gpt-4o-mini.output_per_1k", 0.0006)
	v.SetDefault("llm.providers.openai.capabilities", []string{"vision"})

	setProviderDefaults(v, "anthropic", "https://api.anthropic.com/v1", "claude-sonnet-4-20250514", 3.8)
	v.SetDefault("llm.providers.anthropic.pricing.claude-sonnet-4-20250514.input_per_1k", 0.003)
	v.SetDefault("llm.providers.anthropic.pricing.claude-sonnet-4-20250514.output_per_1k", 0.015)
	v.SetDefault("llm.providers.anthropic.capabilities", []string{"vision"})

	setProviderDefaults(v, "deepseek", "https://api.deepseek.com/v1", "deepseek-chat", 3.5)
	v.SetDefault("llm.providers.deepseek.pricing.deepseek-chat.input_per_1k", 0.00027)
	v.SetDefault("llm.providers.deepseek.pricing.deepseek-chat.output_per_1k", 0.0011)

	setProviderDefaults(v, "zhipu", "https://open.bigmodel.cn/api/paas/v4", "glm-4-plus", 1.8)
	v.SetDefault("llm.providers.zhipu.search_model", "glm-4-alltools")
	v.SetDefault("llm.providers.zhipu.pricing.glm-4-plus.input_per_1k", 0.0007)
	v.SetDefault("llm.providers.zhipu.pricing.glm-4-plus.output_per_1k", 0.0007)
	v.SetDefault("llm.providers.zhipu.pricing.glm-4-alltools.input_per_1k", 0.0014)
	v.SetDefault("llm.providers.zhipu.pricing.glm-4-alltools.output_per_1k", 0.0014)
	v.SetDefault("llm.providers.zhipu.capabilities", []string{"search"})

	setProviderDefaults(v, "moonshot", "https://api.moonshot.cn/v1", "moonshot-v1-32k", 1.8)
	v.SetDefault("llm.providers.moonshot.pricing.moonshot-v1-32k.input_per_1k", 0.0014)
	v.SetDefault("llm.providers.moonshot.pricing.moonshot-v1-32k.output_per_1k", 0.0014)

	// 管线默认值
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.retry_base", "1s")
	v.SetDefault("pipeline.retry_max", "30s")
	v.SetDefault("pipeline.refinement_types", []string{"biography", "business_plan", "grant_proposal"})
	v.SetDefault("pipeline.refine_temperature", 0.3)
	v.SetDefault("pipeline.context_tail_sections", 2)
	v.SetDefault("pipeline.context_tail_chars", 4000)

	// 配额默认值
	v.SetDefault("quota.enabled", true)
	v.SetDefault("quota.daily_cost_limit_usd", 10.0)

	// 预热默认值
	v.SetDefault("warmer.patterns_per_minute", 30)

	// 消息队列默认值
	v.SetDefault("messaging.redis_stream.max_len", 100000)
	v.SetDefault("messaging.redis_stream.block_timeout", "5s")
	v.SetDefault("messaging.redis_stream.claim_interval", "30s")
	v.SetDefault("messaging.redis_stream.retry_limit", 3)
	v.SetDefault("messaging.redis_stream.retry_backoff.initial", "1s")
	v.SetDefault("messaging.redis_stream.retry_backoff.max", "1m")
	v.SetDefault("messaging.redis_stream.retry_backoff.multiplier", 2)

	// 可观测性默认值
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")
	v.SetDefault("observability.tracing.sample_rate", 1.0)
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.port", 9464)
	v.SetDefault("observability.metrics.path", "/metrics")

	// 安全默认值
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.cors.allowed_headers", []string{"Origin", "Content-Type", "Authorization"})
}

// setProviderDefaults 设置单个提供商的公共默认值
func setProviderDefaults(v *viper.Viper, name, baseURL, model string, charsPerToken float64) {
	prefix := "llm.providers." + name
	v.SetDefault(prefix+".api_key", "")
	v.SetDefault(prefix+".base_url", baseURL)
	v.SetDefault(prefix+".model", model)
	v.SetDefault(prefix+".max_tokens", 4096)
	v.SetDefault(prefix+".temperature", 0.7)
	v.SetDefault(prefix+".timeout", "120s")
	v.SetDefault(prefix+".chars_per_token", charsPerToken)
}
