// Package diagram renders a workflow's task graph, optionally overlaid with
// the task statuses of one instance, as Mermaid text or a Graphviz image.
package diagram

import "github.com/rendis/flowcore/pkg/schema"

// Virtual node IDs framing the top-level do list.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// Kind is a task kind, or start/end for the virtual nodes.
type Kind string

const (
	KindStart Kind = "start"
	KindEnd   Kind = "end"
)

// Model is the intermediate representation shared by the renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one task. ID is the task reference, so instance statuses map
// onto it directly.
type Node struct {
	ID       string
	Label    string
	Kind     Kind
	Status   *Status
	Children []*SubGraph
}

// SubGraph holds the child tasks of a composite: a do list, fork branches,
// a try block, its catch handler or a loop body.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// Status is the runtime state of a node's task instance.
type Status struct {
	Status schema.TaskStatus
	Error  string
}

// Edge is a transition between two tasks.
type Edge struct {
	From  string
	To    string
	Label string
}

// walk visits every node depth first.
func (m *Model) walk(fn func(*Node)) {
	var visit func([]*Node)
	visit = func(nodes []*Node) {
		for _, n := range nodes {
			fn(n)
			for _, sg := range n.Children {
				visit(sg.Nodes)
			}
		}
	}
	visit(m.Nodes)
}
