package query

import (
	"sort"
	"strconv"
	"strings"

	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/metric"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/store"
)

var labelEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`)

// FormatExposition renders recent samples as Prometheus text exposition.
// Histograms emit cumulative _bucket lines in ascending bound order, the
// +Inf bucket carrying the total count, then _sum and _count.
func FormatExposition(metrics []store.RecentMetric) string {
	var b strings.Builder
	for _, m := range metrics {
		switch m.Type {
		case metric.TypeCounter, metric.TypeGauge:
			writeHeader(&b, m.Name, m.Description, string(m.Type))
			b.WriteString(m.Name)
			b.WriteString(formatLabels(m.Attributes, "", ""))
			b.WriteByte(' ')
			b.WriteString(formatValue(m.Value))
			b.WriteByte('\n')

		case metric.TypeHistogram:
			if len(m.BucketCounts) == 0 {
				continue
			}
			writeHeader(&b, m.Name, m.Description, "histogram")
			var cumulative uint64
			for i, bound := range m.ExplicitBounds {
				if i >= len(m.BucketCounts) {
					break
				}
				cumulative += m.BucketCounts[i]
				b.WriteString(m.Name)
				b.WriteString("_bucket")
				b.WriteString(formatLabels(m.Attributes, "le", formatValue(bound)))
				b.WriteByte(' ')
				b.WriteString(strconv.FormatUint(cumulative, 10))
				b.WriteByte('\n')
			}
			b.WriteString(m.Name)
			b.WriteString("_bucket")
			b.WriteString(formatLabels(m.Attributes, "le", "+Inf"))
			b.WriteByte(' ')
			b.WriteString(strconv.FormatUint(m.Count, 10))
			b.WriteByte('\n')

			b.WriteString(m.Name)
			b.WriteString("_sum")
			b.WriteString(formatLabels(m.Attributes, "", ""))
			b.WriteByte(' ')
			b.WriteString(formatValue(m.Sum))
			b.WriteByte('\n')

			b.WriteString(m.Name)
			b.WriteString("_count")
			b.WriteString(formatLabels(m.Attributes, "", ""))
			b.WriteByte(' ')
			b.WriteString(strconv.FormatUint(m.Count, 10))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func writeHeader(b *strings.Builder, name, description, typ string) {
	b.WriteString("# HELP ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(description)
	b.WriteByte('\n')
	b.WriteString("# TYPE ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(typ)
	b.WriteByte('\n')
}

// formatLabels renders the sorted label block, with an optional extra label
// (used for le) appended last.
func formatLabels(attrs map[string]string, extraKey, extraValue string) string {
	if len(attrs) == 0 && extraKey == "" {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(labelEscaper.Replace(attrs[k]))
		b.WriteByte('"')
	}
	if extraKey != "" {
		if len(keys) > 0 {
			b.WriteByte(',')
		}
		b.WriteString(extraKey)
		b.WriteString(`="`)
		b.WriteString(labelEscaper.Replace(extraValue))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
