package metrics

import (
	"fmt"
	"time"

	"rpcpool/pkg/breaker"
	"rpcpool/pkg/health"
	"rpcpool/pkg/provider"
)

// 汇总状态
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// unhealthyIssues 问题数达到该值时网络视为 unhealthy
const unhealthyIssues = 3

// ProviderReport 单个提供商的报告
type ProviderReport struct {
	ID           string          `json:"id"`
	Tier         int             `json:"tier"`
	Weight       float64         `json:"weight"`
	Kind         string          `json:"kind,omitempty"`
	Eligible     bool            `json:"eligible"`
	Availability float64         `json:"availability"`
	Health       health.Snapshot `json:"health"`
	Stats        ProviderStats   `json:"stats"`
}

// NetworkReport 单个网络的报告
type NetworkReport struct {
	Name      string           `json:"name"`
	Status    string           `json:"status"`
	Eligible  int              `json:"eligible"`
	Issues    []string         `json:"issues,omitempty"`
	Providers []ProviderReport `json:"providers"`
}

// Report 整个连接池的健康报告
type Report struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Version     uint64          `json:"registry_version"`
	Status      string          `json:"status"`
	Networks    []NetworkReport `json:"networks"`
}

// Network 按名称查找网络报告
func (r *Report) Network(name string) (NetworkReport, bool) {
	for _, n := range r.Networks {
		if n.Name == name {
			return n, true
		}
	}
	return NetworkReport{}, false
}

// BuildReport 根据注册表快照与观测记录生成报告，rec 可以为 nil
func BuildReport(reg *provider.Registry, rec *Recorder, now time.Time) *Report {
	report := &Report{
		GeneratedAt: now,
		Status:      StatusHealthy,
	}
	if reg == nil {
		report.Status = StatusUnhealthy
		return report
	}
	report.Version = reg.Version()

	for _, name := range reg.Networks() {
		nr := buildNetwork(name, reg.Providers(name), rec, now)
		report.Networks = append(report.Networks, nr)
		report.Status = worse(report.Status, nr.Status)
	}
	return report
}

func buildNetwork(name string, providers []*provider.Provider, rec *Recorder, now time.Time) NetworkReport {
	nr := NetworkReport{Name: name}

	for _, p := range providers {
		snap := p.Health().Snapshot()
		pr := ProviderReport{
			ID:           p.ID,
			Tier:         p.Tier,
			Weight:       p.Weight,
			Kind:         p.Kind(),
			Eligible:     p.Health().Eligible(now),
			Availability: snap.Availability(),
			Health:       snap,
		}
		if rec != nil {
			pr.Stats = rec.Stats(name, p.ID)
		}
		if pr.Eligible {
			nr.Eligible++
		}

		switch {
		case snap.CircuitState == breaker.StateOpen:
			nr.Issues = append(nr.Issues, fmt.Sprintf("%s: circuit open after %d failures", p.ID, snap.ConsecutiveFailures))
		case snap.CircuitState == breaker.StateHalfOpen:
			nr.Issues = append(nr.Issues, fmt.Sprintf("%s: circuit half-open", p.ID))
		case snap.RateLimited(now):
			nr.Issues = append(nr.Issues, fmt.Sprintf("%s: rate limited for %s", p.ID, snap.RateLimitedUntil.Sub(now).Round(time.Second)))
		}
		nr.Providers = append(nr.Providers, pr)
	}

	switch {
	case nr.Eligible == 0:
		nr.Status = StatusUnhealthy
		nr.Issues = append(nr.Issues, "no provider available")
	case len(nr.Issues) == 0:
		nr.Status = StatusHealthy
	case len(nr.Issues) < unhealthyIssues:
		nr.Status = StatusDegraded
	default:
		nr.Status = StatusUnhealthy
	}
	return nr
}

func rank(status string) int {
	switch status {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

func worse(a, b string) string {
	if rank(b) > rank(a) {
		return b
	}
	return a
}
