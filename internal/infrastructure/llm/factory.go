package llm

import (
	"context"
	"fmt"
	"sync"

	"docforge-ai-api/internal/config"
)

// Factory 管理多个提供商实例，按名称惰性创建并缓存
type Factory struct {
	config    *config.LLMConfig
	providers map[string]Provider
	mu        sync.RWMutex
}

// NewFactory 创建 LLM 提供商工厂
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		config:    &cfg.LLM,
		providers: make(map[string]Provider),
	}
}

// Get 获取指定名称的提供商，名称为空时返回默认提供商
func (f *Factory) Get(ctx context.Context, name string) (Provider, error) {
	if name == "" {
		name = f.config.DefaultProvider
	}

	f.mu.RLock()
	p, ok := f.providers[name]
	f.mu.RUnlock()
	if ok {
		return p, nil
	}

	// 惰性加载
	f.mu.Lock()
	defer f.mu.Unlock()

	// 再次检查防止竞态
	if p, ok = f.providers[name]; ok {
		return p, nil
	}

	providerCfg, ok := f.config.Providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %s not found in LLM config", name)
	}

	base, err := newEinoProvider(ctx, name, providerCfg, f.config.InputTokenShare)
	if err != nil {
		return nil, err
	}
	p = decorate(base)

	f.providers[name] = p
	return p, nil
}

// Default 返回默认提供商
func (f *Factory) Default(ctx context.Context) (Provider, error) {
	return f.Get(ctx, "")
}

// Has 检查提供商是否已配置
func (f *Factory) Has(name string) bool {
	_, ok := f.config.Providers[name]
	return ok
}

// DefaultName 返回默认提供商名称
func (f *Factory) DefaultName() string {
	return f.config.DefaultProvider
}
