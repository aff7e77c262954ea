package sequence

import (
	"fmt"
	"sort"
	"strings"
)

// Summarize renders the set as markdown for planning and selection context.
func Summarize(set *Set) string {
	var b strings.Builder
	b.WriteString("## Sequence Summary\n")
	fmt.Fprintf(&b, "Total Sequences: %d\n\n", set.Len())
	if set == nil {
		return b.String()
	}

	for _, seq := range set.Sequences() {
		fmt.Fprintf(&b, "### %s\n", seq.Name)
		fmt.Fprintf(&b, "- Shots: %d\n", len(seq.Shots))
		fmt.Fprintf(&b, "- Duration: %.1fs\n", seq.Duration.Seconds())
		fmt.Fprintf(&b, "- Time Span: %.1f minutes\n", seq.Span().Minutes())
		fmt.Fprintf(&b, "- Shot Types: %s\n", formatMix(seq.TypeMix))
		if seq.HasInterview {
			b.WriteString("- Has Interview: Yes\n")
		} else {
			b.WriteString("- Has Interview: No\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatMix(mix map[string]int) string {
	keys := make([]string, 0, len(mix))
	for k := range mix {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, mix[k])
	}
	return strings.Join(parts, ", ")
}
