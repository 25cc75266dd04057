package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/flowcore/pkg/schema"
)

// RenderMermaid renders the model as a Mermaid flowchart.
func RenderMermaid(m *Model) string {
	r := &mermaid{ids: map[string]string{}}
	r.line(0, "flowchart TD")
	if m.Title != "" {
		r.line(1, "%%%% %s", m.Title)
	}
	r.nodes(1, m.Nodes)
	r.edges(1, m.Edges)

	r.line(0, "")
	for _, status := range []schema.TaskStatus{
		schema.TaskStatusCompleted, schema.TaskStatusFaulted, schema.TaskStatusRunning,
		schema.TaskStatusSuspended, schema.TaskStatusPending, schema.TaskStatusCancelled, schema.TaskStatusSkipped,
	} {
		r.line(1, "classDef %s %s", status, mermaidStyles[status])
	}
	m.walk(func(n *Node) {
		if n.Status != nil {
			r.line(1, "class %s %s", r.id(n.ID), n.Status.Status)
		}
	})
	return r.b.String()
}

var mermaidStyles = map[schema.TaskStatus]string{
	schema.TaskStatusCompleted: "fill:#2d6a2d,stroke:#1a4a1a,color:#fff",
	schema.TaskStatusFaulted:   "fill:#8b1a1a,stroke:#5c0e0e,color:#fff",
	schema.TaskStatusRunning:   "fill:#1a5276,stroke:#0e3a52,color:#fff",
	schema.TaskStatusSuspended: "fill:#b7791a,stroke:#8a5c14,color:#fff",
	schema.TaskStatusPending:   "fill:#6b6b6b,stroke:#4a4a4a,color:#fff",
	schema.TaskStatusCancelled: "fill:#4a4a4a,stroke:#333,color:#fff",
	schema.TaskStatusSkipped:   "fill:#e8e8e8,stroke:#999,color:#888,stroke-dasharray:5 5",
}

type mermaid struct {
	b   strings.Builder
	ids map[string]string
	sgs int
}

func (r *mermaid) line(depth int, format string, args ...any) {
	r.b.WriteString(strings.Repeat("    ", depth))
	fmt.Fprintf(&r.b, format, args...)
	r.b.WriteByte('\n')
}

// id maps a task reference to a short Mermaid identifier.
func (r *mermaid) id(ref string) string {
	if id, ok := r.ids[ref]; ok {
		return id
	}
	id := fmt.Sprintf("n%d", len(r.ids))
	r.ids[ref] = id
	return id
}

func (r *mermaid) nodes(depth int, nodes []*Node) {
	for _, n := range nodes {
		r.line(depth, "%s", r.shape(n))
		for _, sg := range n.Children {
			r.sgs++
			sgID := fmt.Sprintf("sg%d", r.sgs)
			r.line(depth, "subgraph %s [%q]", sgID, sg.Label)
			r.nodes(depth+1, sg.Nodes)
			r.edges(depth+1, sg.Edges)
			r.line(depth, "end")
			r.line(depth, "%s -.- %s", r.id(n.ID), sgID)
		}
	}
}

func (r *mermaid) edges(depth int, edges []Edge) {
	for _, e := range edges {
		if e.Label != "" {
			r.line(depth, "%s -->|%s| %s", r.id(e.From), escape(e.Label), r.id(e.To))
			continue
		}
		r.line(depth, "%s --> %s", r.id(e.From), r.id(e.To))
	}
}

func (r *mermaid) shape(n *Node) string {
	id, text := r.id(n.ID), escape(strings.ReplaceAll(n.Label, "\n", "<br/>"))
	switch n.Kind {
	case KindStart, KindEnd:
		return fmt.Sprintf("%s((\"%s\"))", id, text)
	case Kind(schema.KindSwitch):
		return fmt.Sprintf("%s{\"%s\"}", id, text)
	case Kind(schema.KindWait), Kind(schema.KindListen):
		return fmt.Sprintf("%s([\"%s\"])", id, text)
	case Kind(schema.KindFork), Kind(schema.KindFor), Kind(schema.KindDo), Kind(schema.KindTry):
		return fmt.Sprintf("%s[[\"%s\"]]", id, text)
	case Kind(schema.KindRaise):
		return fmt.Sprintf("%s>\"%s\"]", id, text)
	}
	return fmt.Sprintf("%s[\"%s\"]", id, text)
}

func escape(s string) string {
	return strings.NewReplacer(`"`, "#quot;", "|", "#124;").Replace(s)
}
