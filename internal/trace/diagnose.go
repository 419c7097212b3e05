package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"finflow/internal/domain"
)

// Performance benchmarks the diagnosis judges against.
const (
	minSuccessRate = 0.95
	slowThreshold  = time.Second
)

// Health verdicts.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Diagnosis is the tracer's judgement of pipeline data-flow health.
type Diagnosis struct {
	Health          string   `json:"health"`
	SuccessRate     float64  `json:"success_rate"`
	TraceCount      int      `json:"trace_count"`
	SlowConversions int      `json:"slow_conversions"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Diagnose checks all recorded traces against the success-rate and latency
// benchmarks. A sub-benchmark success rate makes the verdict unhealthy;
// latency-only findings degrade it.
func (t *Tracer) Diagnose() Diagnosis {
	traces := t.Recent(t.Count())

	d := Diagnosis{Health: HealthHealthy, SuccessRate: 1.0, TraceCount: len(traces)}
	succeeded := 0
	failures := make(map[string]int)
	converted := make(map[domain.DataType]int)
	for _, trace := range traces {
		if trace.Success {
			succeeded++
		} else {
			for _, reason := range trace.Errors {
				failures[reason]++
			}
		}
		if trace.Duration > slowThreshold {
			d.SlowConversions++
		}
		converted[trace.Path[1]]++
	}
	if len(traces) > 0 {
		d.SuccessRate = float64(succeeded) / float64(len(traces))
	}

	if len(traces) > 0 && d.SuccessRate < minSuccessRate {
		d.Issues = append(d.Issues, fmt.Sprintf(
			"conversion success rate %.1f%% is below the %.0f%% benchmark",
			d.SuccessRate*100, minSuccessRate*100))
		d.Recommendations = append(d.Recommendations,
			"review failing conversion pairs and register the missing rules",
			"verify upstream content satisfies the target type's required fields")
	}
	if reason, n := topFailure(failures); n > 0 {
		d.Issues = append(d.Issues, fmt.Sprintf(
			"most frequent failure (%d occurrences): %s", n, reason))
	}
	if d.SlowConversions > 0 {
		d.Issues = append(d.Issues, fmt.Sprintf(
			"%d conversions exceeded %s", d.SlowConversions, slowThreshold))
		d.Recommendations = append(d.Recommendations,
			"profile slow conversion rules")
	}
	if len(traces) == 0 {
		d.Recommendations = append(d.Recommendations,
			"no conversions recorded yet; route conversions through the tracer to enable diagnosis")
	} else if dt, n := topDataType(converted); n > 0 {
		d.Recommendations = append(d.Recommendations, fmt.Sprintf(
			"%s is the most requested target type (%d conversions); keep its rules first in line for tuning", dt, n))
	}

	switch {
	case len(traces) > 0 && d.SuccessRate < minSuccessRate:
		d.Health = HealthUnhealthy
	case len(d.Issues) > 0:
		d.Health = HealthDegraded
	}
	return d
}

func topFailure(failures map[string]int) (string, int) {
	best, n := "", 0
	for reason, count := range failures {
		if count > n || (count == n && reason < best) {
			best, n = reason, count
		}
	}
	return best, n
}

func topDataType(counts map[domain.DataType]int) (domain.DataType, int) {
	var best domain.DataType
	n := 0
	for dt, count := range counts {
		if count > n || (count == n && dt < best) {
			best, n = dt, count
		}
	}
	return best, n
}

// FlowGraph is the agent-interaction view of the flow-event history.
type FlowGraph struct {
	Nodes []FlowNode `json:"nodes"`
	Edges []FlowEdge `json:"edges"`
}

// FlowNode is one agent observed in the flow.
type FlowNode struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// FlowEdge aggregates all deliveries of one data type between two agents.
type FlowEdge struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	DataType domain.DataType `json:"data_type"`
	Count    int             `json:"count"`
	Errors   int             `json:"errors,omitempty"`
}

// Graph builds the interaction graph from the event history. Nodes and
// edges come out sorted, so equal histories render equal graphs.
func (t *Tracer) Graph() FlowGraph {
	events := t.events.Replay("*", time.Time{})

	nodes := make(map[string]bool)
	type edgeKey struct {
		from, to string
		dt       domain.DataType
	}
	edges := make(map[edgeKey]*FlowEdge)
	for _, e := range events {
		if e.Source != "" {
			nodes[e.Source] = true
		}
		if e.Target == "" {
			continue
		}
		nodes[e.Target] = true
		key := edgeKey{from: e.Source, to: e.Target, dt: e.DataType}
		edge := edges[key]
		if edge == nil {
			edge = &FlowEdge{From: e.Source, To: e.Target, DataType: e.DataType}
			edges[key] = edge
		}
		edge.Count++
		if e.Status != StatusOK {
			edge.Errors++
		}
	}

	var graph FlowGraph
	for id := range nodes {
		graph.Nodes = append(graph.Nodes, FlowNode{ID: id, Kind: "agent"})
	}
	sort.Slice(graph.Nodes, func(i, j int) bool {
		return graph.Nodes[i].ID < graph.Nodes[j].ID
	})
	for _, edge := range edges {
		graph.Edges = append(graph.Edges, *edge)
	}
	sort.Slice(graph.Edges, func(i, j int) bool {
		a, b := graph.Edges[i], graph.Edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.DataType < b.DataType
	})
	return graph
}

// Report bundles everything a debugging session needs into one document.
type Report struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Summary     ReportSummary     `json:"summary"`
	Events      []Event           `json:"recent_events"`
	Traces      []ConversionTrace `json:"recent_traces"`
	Diagnosis   Diagnosis         `json:"diagnosis"`
	Graph       FlowGraph         `json:"graph"`
}

// ReportSummary gives the headline numbers of a report.
type ReportSummary struct {
	TotalEvents     int           `json:"total_events"`
	TotalTraces     int           `json:"total_traces"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
}

// Report caps: the full history stays queryable, the exported document
// carries only the recent tail.
const (
	reportEventLimit = 100
	reportTraceLimit = 50
)

// Report assembles the current debug report.
func (t *Tracer) Report() Report {
	return Report{
		GeneratedAt: time.Now(),
		Summary: ReportSummary{
			TotalEvents:     t.events.HistoryLen(),
			TotalTraces:     t.Count(),
			SuccessRate:     t.SuccessRate(0),
			AverageDuration: t.averageDuration(),
		},
		Events:    t.events.Recent(reportEventLimit),
		Traces:    t.Recent(reportTraceLimit),
		Diagnosis: t.Diagnose(),
		Graph:     t.Graph(),
	}
}

func (t *Tracer) averageDuration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.order) == 0 {
		return 0
	}
	var total time.Duration
	for _, id := range t.order {
		total += t.traces[id].Duration
	}
	return total / time.Duration(len(t.order))
}

// WriteReport renders the debug report as indented JSON.
func (t *Tracer) WriteReport(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(t.Report())
}
