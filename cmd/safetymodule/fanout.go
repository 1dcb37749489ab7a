package main

import (
	"SafetyLedger/internal/core"
	"SafetyLedger/internal/observability"
)

// fanOut copies every output to each consumer without blocking the
// processor side. A full consumer misses the output and the drop is counted
// under its name. Outputs are closed once in is drained.
func fanOut(in <-chan core.CoreOutput, outs []chan<- core.CoreOutput, names []string, metrics *observability.Metrics) {
	defer func() {
		for _, out := range outs {
			close(out)
		}
	}()

	for output := range in {
		for i, out := range outs {
			select {
			case out <- output:
			default:
				if metrics == nil {
					continue
				}
				if names[i] == "publish" {
					metrics.PublishDrops.Inc()
				} else {
					metrics.ProjectionDrops.WithLabelValues(names[i]).Inc()
				}
			}
		}
	}
}
