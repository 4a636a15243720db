package transport

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"rpcpool/pkg/logger"
	"rpcpool/pkg/provider"
)

// ErrClosed 缓存已关闭
var ErrClosed = errors.New("connection cache closed")

// Factory 为提供商创建句柄
type Factory func(p *provider.Provider) (Handle, error)

// Stats 缓存统计
type Stats struct {
	Handles   int   `json:"handles"`
	Created   int64 `json:"created"`
	Discarded int64 `json:"discarded"`
	Evicted   int64 `json:"evicted"`
}

// Cache 按提供商懒加载句柄。同一个键在并发首次访问下只创建一次，
// 句柄从不在提供商之间共享。
type Cache struct {
	factory Factory
	group   singleflight.Group

	mu      sync.RWMutex
	handles map[string]Handle
	closed  bool
	stats   Stats
}

// NewCache 创建缓存，factory 为 nil 时使用 HTTPFactory
func NewCache(factory Factory) *Cache {
	if factory == nil {
		factory = HTTPFactory
	}
	return &Cache{
		factory: factory,
		handles: make(map[string]Handle),
	}
}

// cacheKey 端点或请求头变化后对应新的键，旧句柄在 Retain 时淘汰
func cacheKey(p *provider.Provider) string {
	var b strings.Builder
	b.WriteString(p.Key())
	b.WriteByte('@')
	b.WriteString(p.Endpoint)

	if len(p.Headers) > 0 {
		names := make([]string, 0, len(p.Headers))
		for k := range p.Headers {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			b.WriteByte('|')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(p.Headers[k])
		}
	}
	return b.String()
}

// Get 返回提供商的句柄，不存在时创建
func (c *Cache) Get(p *provider.Provider) (Handle, error) {
	key := cacheKey(p)

	c.mu.RLock()
	h, ok := c.handles[key]
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return h, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		h, ok := c.handles[key]
		c.mu.RUnlock()
		if ok {
			return h, nil
		}

		h, err := c.factory(p)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			h.Close()
			return nil, ErrClosed
		}
		c.handles[key] = h
		c.stats.Created++
		logger.WithProvider(logger.WithComponent("transport"), p.Network, p.ID).Debug("创建连接句柄")
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Handle), nil
}

// Discard 丢弃损坏的句柄，下一次 Get 会重新创建。
// 若缓存中的句柄已被替换，则只关闭传入的句柄。
func (c *Cache) Discard(p *provider.Provider, h Handle) {
	key := cacheKey(p)

	c.mu.Lock()
	if cur, ok := c.handles[key]; ok && cur == h {
		delete(c.handles, key)
		c.stats.Discarded++
	}
	c.mu.Unlock()

	if h != nil {
		h.Close()
	}
}

// Retain 淘汰不属于 reg 的句柄（提供商被移除或端点变化），返回淘汰数量
func (c *Cache) Retain(reg *provider.Registry) int {
	keep := make(map[string]bool)
	for _, p := range reg.All() {
		keep[cacheKey(p)] = true
	}

	var stale []Handle
	c.mu.Lock()
	for key, h := range c.handles {
		if !keep[key] {
			stale = append(stale, h)
			delete(c.handles, key)
		}
	}
	c.stats.Evicted += int64(len(stale))
	c.mu.Unlock()

	for _, h := range stale {
		h.Close()
	}
	return len(stale)
}

// Close 关闭全部句柄，之后的 Get 返回 ErrClosed
func (c *Cache) Close() error {
	c.mu.Lock()
	handles := c.handles
	c.handles = make(map[string]Handle)
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats 返回统计信息
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.stats
	s.Handles = len(c.handles)
	return s
}
