package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
)

// Stats prints the counters gathered from analytics events.
func (a *App) Stats(_ context.Context, _ []string) error {
	families, err := a.metrics.Gather()
	if err != nil {
		return err
	}

	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			lines = append(lines, fmt.Sprintf("%s{%s}\t%g", mf.GetName(), strings.Join(labels, ","), m.GetCounter().GetValue()))
		}
	}
	if len(lines) == 0 {
		a.printf("No events yet\n")
		return nil
	}
	sort.Strings(lines)

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	for _, l := range lines {
		fmt.Fprintln(tw, l)
	}
	return tw.Flush()
}
