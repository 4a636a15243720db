package provider

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"rpcpool/pkg/config"
)

// Registry 网络 → 有序提供商列表的不可变快照。
//
// 重载时构建新快照并整体替换，进行中的调用继续使用它开始时的快照。
type Registry struct {
	version  uint64
	networks map[string][]*Provider
	names    []string
	loadedAt time.Time
}

// Load 根据配置构建第一个快照（Version = 1）。
// 配置中的任何问题都会使整个加载失败并返回 *ConfigError。
func Load(cfg *config.Config) (*Registry, error) {
	return build(cfg, nil, 1)
}

// Reload 根据新配置构建下一个快照（Version = prev.Version + 1）。
// 描述未变化的提供商沿用 prev 中的健康状态；新增或变更的提供商从初始状态开始。
// 失败时返回 *ConfigError，prev 保持不变。
func Reload(prev *Registry, cfg *config.Config) (*Registry, error) {
	if prev == nil {
		return Load(cfg)
	}
	return build(cfg, prev, prev.version+1)
}

func build(cfg *config.Config, prev *Registry, version uint64) (*Registry, error) {
	if cfg == nil {
		return nil, newConfigError([]string{"configuration is nil"})
	}

	problems := cfg.Problems()
	if len(cfg.Networks) == 0 {
		problems = append(problems, "no networks configured")
	}

	reg := &Registry{
		version:  version,
		networks: make(map[string][]*Provider, len(cfg.Networks)),
		names:    cfg.NetworkNames(),
		loadedAt: time.Now(),
	}

	for _, network := range reg.names {
		entries := cfg.Networks[network]
		if strings.TrimSpace(network) == "" {
			problems = append(problems, "network name cannot be empty")
			continue
		}
		if len(entries) == 0 {
			problems = append(problems, fmt.Sprintf("network %q has no providers", network))
			continue
		}

		seen := make(map[string]bool, len(entries))
		list := make([]*Provider, 0, len(entries))
		for i, raw := range entries {
			pc, errs := normalize(network, i, raw.WithDefaults(cfg.Pool.Defaults))
			if pc.ID != "" {
				if seen[pc.ID] {
					errs = append(errs, fmt.Sprintf("%s: duplicate provider id %q", where(network, i, pc.ID), pc.ID))
				}
				seen[pc.ID] = true
			}
			if len(errs) > 0 {
				problems = append(problems, errs...)
				continue
			}

			p := New(network, pc)
			if prev != nil {
				if old, ok := prev.Lookup(network, pc.ID); ok && old.SameDescriptor(p) {
					p.health = old.health
				}
			}
			list = append(list, p)
		}
		reg.networks[network] = list
	}

	if len(problems) > 0 {
		return nil, newConfigError(problems)
	}
	return reg, nil
}

// normalize 展开环境变量并校验一个已补齐缺省值的提供商配置
func normalize(network string, index int, pc config.ProviderConfig) (config.ProviderConfig, []string) {
	var errs []string
	at := where(network, index, pc.ID)

	pc.ID = strings.TrimSpace(pc.ID)
	if pc.ID == "" {
		errs = append(errs, at+": id is required")
	}

	endpoint, missing := expand(pc.Endpoint)
	for _, name := range missing {
		errs = append(errs, fmt.Sprintf("%s: endpoint references unset variable %s", at, name))
	}
	if endpoint == "" {
		errs = append(errs, at+": endpoint is required")
	} else if u, err := url.Parse(endpoint); err != nil {
		errs = append(errs, fmt.Sprintf("%s: endpoint is not a valid URL: %v", at, err))
	} else if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, at+": endpoint must be an absolute http(s) URL")
	}
	pc.Endpoint = endpoint

	if len(pc.Headers) > 0 {
		headers := make(map[string]string, len(pc.Headers))
		for k, v := range pc.Headers {
			val, missing := expand(v)
			for _, name := range missing {
				errs = append(errs, fmt.Sprintf("%s: header %s references unset variable %s", at, k, name))
			}
			headers[k] = val
		}
		pc.Headers = headers
	}

	if pc.Tier < 1 {
		errs = append(errs, fmt.Sprintf("%s: tier must be at least 1, got %d", at, pc.Tier))
	}
	if pc.Weight <= 0 {
		errs = append(errs, fmt.Sprintf("%s: weight must be positive, got %g", at, pc.Weight))
	}
	if pc.Timeout <= 0 {
		errs = append(errs, at+": timeout must be positive")
	}
	if pc.FailureThreshold < 1 {
		errs = append(errs, fmt.Sprintf("%s: failure_threshold must be at least 1, got %d", at, pc.FailureThreshold))
	}
	if pc.CooldownBase <= 0 {
		errs = append(errs, at+": cooldown_base must be positive")
	}
	if pc.CooldownMax <= 0 {
		errs = append(errs, at+": cooldown_max must be positive")
	} else if pc.CooldownMax < pc.CooldownBase {
		errs = append(errs, at+": cooldown_max must not be less than cooldown_base")
	}

	return pc, errs
}

func where(network string, index int, id string) string {
	if id == "" {
		return fmt.Sprintf("networks.%s[%d]", network, index)
	}
	return fmt.Sprintf("networks.%s[%d](%s)", network, index, id)
}

// expand 展开 ${VAR} 引用，返回结果和未设置的变量名
func expand(s string) (string, []string) {
	var missing []string
	out := os.Expand(s, func(name string) string {
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	return out, missing
}

// Version 快照版本号，每次成功重载加一
func (r *Registry) Version() uint64 {
	return r.version
}

// LoadedAt 快照构建时间
func (r *Registry) LoadedAt() time.Time {
	return r.loadedAt
}

// Networks 返回按字母排序的网络名称
func (r *Registry) Networks() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Providers 返回网络下的提供商，保持配置顺序；未知网络返回 nil
func (r *Registry) Providers(network string) []*Provider {
	list := r.networks[network]
	if list == nil {
		return nil
	}
	out := make([]*Provider, len(list))
	copy(out, list)
	return out
}

// Lookup 按网络和 ID 查找提供商
func (r *Registry) Lookup(network, id string) (*Provider, bool) {
	for _, p := range r.networks[network] {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// All 返回全部提供商，按网络名排序、网络内保持配置顺序
func (r *Registry) All() []*Provider {
	var out []*Provider
	for _, name := range r.names {
		out = append(out, r.networks[name]...)
	}
	return out
}

// Changes 两个快照之间的差异
type Changes struct {
	Added   []string // network/id
	Removed []string
	Changed []string
	Kept    []string
}

// Diff 比较 prev 与 r 之间的差异，prev 为 nil 时全部视为新增
func (r *Registry) Diff(prev *Registry) Changes {
	var c Changes
	for _, p := range r.All() {
		if prev == nil {
			c.Added = append(c.Added, p.Key())
			continue
		}
		old, ok := prev.Lookup(p.Network, p.ID)
		switch {
		case !ok:
			c.Added = append(c.Added, p.Key())
		case old.SameDescriptor(p):
			c.Kept = append(c.Kept, p.Key())
		default:
			c.Changed = append(c.Changed, p.Key())
		}
	}
	if prev != nil {
		for _, p := range prev.All() {
			if _, ok := r.Lookup(p.Network, p.ID); !ok {
				c.Removed = append(c.Removed, p.Key())
			}
		}
	}
	sort.Strings(c.Removed)
	return c
}
