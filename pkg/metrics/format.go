package metrics

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// FormatReport 以表格形式输出报告，计数按千分位格式化
func FormatReport(w io.Writer, r *Report) error {
	p := message.NewPrinter(language.English)
	title := cases.Title(language.English)

	if _, err := p.Fprintf(w, "rpcpool status: %s (registry v%d, %s)\n",
		title.String(r.Status), r.Version, r.GeneratedAt.Format(time.RFC3339)); err != nil {
		return err
	}

	for _, n := range r.Networks {
		p.Fprintf(w, "\n[%s] %s, %d/%d eligible\n", n.Name, title.String(n.Status), n.Eligible, len(n.Providers))
		for _, issue := range n.Issues {
			fmt.Fprintf(w, "  ! %s\n", issue)
		}

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  PROVIDER\tTIER\tCIRCUIT\tATTEMPTS\tFAILURES\tRATE LIMITS\tAVAIL\tAVG LATENCY\tBLOCK")
		for _, pr := range n.Providers {
			block := "-"
			if pr.Stats.LastBlock > 0 {
				block = p.Sprintf("%d", pr.Stats.LastBlock)
			}
			p.Fprintf(tw, "  %s\t%d\t%s\t%d\t%d\t%d\t%.1f%%\t%s\t%s\n",
				pr.ID,
				pr.Tier,
				pr.Health.CircuitState,
				pr.Health.Attempts,
				pr.Health.Failures,
				pr.Health.RateLimits,
				pr.Availability,
				latency(pr.Stats.AvgLatency),
				block,
			)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// FormatReportString 返回格式化后的报告文本
func FormatReportString(r *Report) string {
	var b strings.Builder
	_ = FormatReport(&b, r)
	return b.String()
}

func latency(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}
