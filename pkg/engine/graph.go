package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// EdgeType labels how two node executions are related in the graph projection.
type EdgeType string

const (
	// EdgeChild links a parent to the head of a child branch.
	EdgeChild EdgeType = "child"

	// EdgeNext links a node to its successor in a sequence.
	EdgeNext EdgeType = "next"

	// EdgeRetry links a failed attempt to the attempt that retried it.
	EdgeRetry EdgeType = "retry"
)

// GraphVertex is one node execution in the graph projection.
type GraphVertex struct {
	// RuntimeID is the node execution id.
	RuntimeID string `json:"runtime_id"`

	// SetupID is the plan node id.
	SetupID string `json:"setup_id"`

	// Name is the node name.
	Name string `json:"name,omitempty"`

	// StepType is the node's state type.
	StepType string `json:"step_type"`

	// Status is the node status at projection time.
	Status Status `json:"status"`

	// Mode is the facilitation mode, if facilitated.
	Mode ExecutionMode `json:"mode,omitempty"`

	// RetryCount is the attempt number.
	RetryCount int `json:"retry_count"`

	// Depth is the ambiance depth of the node.
	Depth int `json:"depth"`

	// StartedAt is when the node started running.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt is when the node reached a terminal status.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// Failure is the failure info, if the node failed.
	Failure *FailureInfo `json:"failure,omitempty"`

	// OutputIDs are the output instances the node wrote.
	OutputIDs []string `json:"output_ids,omitempty"`
}

// GraphEdge relates two vertices.
type GraphEdge struct {
	// From is the source runtime id.
	From string `json:"from"`

	// To is the target runtime id.
	To string `json:"to"`

	// Type is the relation.
	Type EdgeType `json:"type"`
}

// ExecutionGraph is a read-only projection of a plan execution.
type ExecutionGraph struct {
	// PlanExecution is the projected plan execution.
	PlanExecution *PlanExecution `json:"plan_execution"`

	// RootID is the runtime id of the start node.
	RootID string `json:"root_id"`

	// Vertices maps runtime ids to vertices.
	Vertices map[string]*GraphVertex `json:"vertices"`

	// Edges lists all relations, ordered for stable output.
	Edges []GraphEdge `json:"edges"`
}

// BuildExecutionGraph projects node executions into a graph.
// outputs maps runtime ids to the ids of the instances they wrote.
func BuildExecutionGraph(pe *PlanExecution, nodes []*NodeExecution, outputs map[string][]string) *ExecutionGraph {
	graph := &ExecutionGraph{
		PlanExecution: pe,
		RootID:        pe.StartingRuntimeID,
		Vertices:      make(map[string]*GraphVertex, len(nodes)),
		Edges:         make([]GraphEdge, 0, len(nodes)),
	}

	for _, n := range nodes {
		v := &GraphVertex{
			RuntimeID:  n.RuntimeID,
			SetupID:    n.SetupID,
			Name:       n.Name,
			StepType:   n.StepType,
			Status:     n.Status,
			Mode:       n.Mode,
			RetryCount: n.RetryCount,
			Depth:      n.Ambiance.Depth(),
			StartedAt:  n.StartedAt,
			EndedAt:    n.EndedAt,
			OutputIDs:  outputs[n.RuntimeID],
		}
		if n.Response != nil {
			v.Failure = n.Response.Failure
		}
		graph.Vertices[n.RuntimeID] = v

		switch {
		case n.RetryOf != "":
			graph.Edges = append(graph.Edges, GraphEdge{From: n.RetryOf, To: n.RuntimeID, Type: EdgeRetry})
		case n.PreviousRuntimeID != "":
			graph.Edges = append(graph.Edges, GraphEdge{From: n.PreviousRuntimeID, To: n.RuntimeID, Type: EdgeNext})
		case n.ParentRuntimeID != "":
			graph.Edges = append(graph.Edges, GraphEdge{From: n.ParentRuntimeID, To: n.RuntimeID, Type: EdgeChild})
		}
	}

	sort.Slice(graph.Edges, func(i, j int) bool {
		if graph.Edges[i].From != graph.Edges[j].From {
			return graph.Edges[i].From < graph.Edges[j].From
		}
		return graph.Edges[i].To < graph.Edges[j].To
	})

	return graph
}

// ToDOT generates a DOT format representation of the graph.
// The output can be rendered with Graphviz tools.
func (g *ExecutionGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph PlanExecution {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	ids := make([]string, 0, len(g.Vertices))
	for id := range g.Vertices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		v := g.Vertices[id]
		label := fmt.Sprintf("%s\\n%s", v.SetupID, v.Status)
		if v.RetryCount > 0 {
			label = fmt.Sprintf("%s\\nretry %d", label, v.RetryCount)
		}
		sb.WriteString(fmt.Sprintf("  \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
			id, label, statusColor(v.Status)))
	}
	sb.WriteString("\n")

	for _, e := range g.Edges {
		sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n", e.From, e.To, edgeStyle(e.Type)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// statusColor returns a color for visualizing node statuses.
func statusColor(s Status) string {
	switch s {
	case StatusSucceeded:
		return "lightgreen"
	case StatusFailed, StatusExpired:
		return "lightcoral"
	case StatusAborted:
		return "orange"
	case StatusIgnoreFailed:
		return "khaki"
	case StatusQueued, StatusPaused:
		return "lightgray"
	default:
		return "lightblue"
	}
}

// edgeStyle returns a DOT style string for edge types.
func edgeStyle(t EdgeType) string {
	switch t {
	case EdgeChild:
		return "style=dashed, color=blue"
	case EdgeRetry:
		return "style=dotted, color=red"
	default:
		return "style=solid, color=black"
	}
}
