package provider

import (
	"fmt"
	"maps"
	"time"

	"rpcpool/pkg/config"
	"rpcpool/pkg/health"
)

// Provider 一个上游 JSON-RPC 端点的不可变描述，以及它独占的健康状态。
//
// 描述字段在注册表构建后不再修改；只有 Health() 返回的状态会变化。
type Provider struct {
	ID               string
	Network          string
	Endpoint         string // 已展开环境变量
	Tier             int    // 1 为最高优先级
	Weight           float64
	Timeout          time.Duration
	FailureThreshold int
	CooldownBase     time.Duration
	CooldownMax      time.Duration
	Headers          map[string]string
	Labels           map[string]string

	health *health.State
}

// Key 返回 network/id 形式的唯一键
func (p *Provider) Key() string {
	return p.Network + "/" + p.ID
}

// Health 返回提供商的健康状态
func (p *Provider) Health() *health.State {
	return p.health
}

// Policy 返回该提供商的健康策略
func (p *Provider) Policy() health.Policy {
	return health.Policy{
		FailureThreshold: p.FailureThreshold,
		CooldownBase:     p.CooldownBase,
		CooldownMax:      p.CooldownMax,
	}
}

// Kind 返回 labels.kind（local / paid / public），未设置时为空
func (p *Provider) Kind() string {
	return p.Labels["kind"]
}

// String 用于日志，不包含端点（可能含有 API Key）
func (p *Provider) String() string {
	return fmt.Sprintf("%s(tier=%d weight=%g)", p.Key(), p.Tier, p.Weight)
}

// SameDescriptor 两个描述除健康状态外是否完全一致
func (p *Provider) SameDescriptor(o *Provider) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.ID == o.ID &&
		p.Network == o.Network &&
		p.Endpoint == o.Endpoint &&
		p.Tier == o.Tier &&
		p.Weight == o.Weight &&
		p.Timeout == o.Timeout &&
		p.FailureThreshold == o.FailureThreshold &&
		p.CooldownBase == o.CooldownBase &&
		p.CooldownMax == o.CooldownMax &&
		maps.Equal(p.Headers, o.Headers) &&
		maps.Equal(p.Labels, o.Labels)
}

// New 根据配置构建提供商并创建初始健康状态。
// pc 应已补齐缺省值并展开环境变量，校验由 Load 负责。
func New(network string, pc config.ProviderConfig) *Provider {
	p := &Provider{
		ID:               pc.ID,
		Network:          network,
		Endpoint:         pc.Endpoint,
		Tier:             pc.Tier,
		Weight:           pc.Weight,
		Timeout:          pc.Timeout,
		FailureThreshold: pc.FailureThreshold,
		CooldownBase:     pc.CooldownBase,
		CooldownMax:      pc.CooldownMax,
		Headers:          maps.Clone(pc.Headers),
		Labels:           maps.Clone(pc.Labels),
	}
	p.health = health.NewState(p.Policy())
	return p
}
