package tui

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/wwwzy/QueryFit/internal/agent"
)

const barRune = "█"

// renderChart 把图表配置画成横向条形图，只使用第一个数值序列。
func renderChart(cs *agent.ChartSpec, width int) string {
	title := lipgloss.NewStyle().Bold(true).Render(cs.Title)
	if len(cs.Series) == 0 || len(cs.Data) == 0 {
		return title + "\n(no data)"
	}
	series := cs.Series[0]

	labels := make([]string, len(cs.Data))
	values := make([]float64, len(cs.Data))
	labelW, peak := 0, 0.0
	for i, row := range cs.Data {
		labels[i] = fmt.Sprint(row[cs.XAxisKey])
		values[i], _ = toFloat(row[series.DataKey])
		labelW = max(labelW, lipgloss.Width(labels[i]))
		peak = max(peak, math.Abs(values[i]))
	}

	barW := max(1, width-labelW-12)
	style := lipgloss.NewStyle()
	if series.Color != "" {
		style = style.Foreground(lipgloss.Color(series.Color))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  [%s: %s]\n", title, cs.Type, series.Label)
	for i := range labels {
		n := 0
		if peak > 0 {
			n = int(math.Round(math.Abs(values[i]) / peak * float64(barW)))
		}
		pad := strings.Repeat(" ", labelW-lipgloss.Width(labels[i]))
		fmt.Fprintf(&b, "%s%s │%s %s\n", labels[i], pad, style.Render(strings.Repeat(barRune, n)), strconv.FormatFloat(values[i], 'f', -1, 64))
	}
	return strings.TrimRight(b.String(), "\n")
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}
