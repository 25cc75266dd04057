package diagram

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/rendis/flowcore/pkg/schema"
)

// Format is an image format Graphviz renders.
type Format = graphviz.Format

const (
	PNG = graphviz.PNG
	SVG = graphviz.SVG
)

// RenderImage lays the model out with dot and renders it in format.
func RenderImage(ctx context.Context, m *Model, format Format) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()
	graph.SetRankDir(cgraph.TBRank)
	if m.Title != "" {
		graph.SetLabel(m.Title)
	}

	r := &gvRenderer{root: graph, nodes: map[string]*cgraph.Node{}}
	if err := r.addNodes(graph, m.Nodes); err != nil {
		return nil, err
	}
	r.addEdges(m.Edges)

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, format, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

type gvRenderer struct {
	root     *cgraph.Graph
	nodes    map[string]*cgraph.Node
	clusters int
}

func (r *gvRenderer) addNodes(g *cgraph.Graph, nodes []*Node) error {
	for _, n := range nodes {
		gn, err := g.CreateNodeByName(n.ID)
		if err != nil {
			return fmt.Errorf("diagram: create node %s: %w", n.ID, err)
		}
		gn.SetLabel(n.Label)
		styleNode(gn, n)
		r.nodes[n.ID] = gn

		for _, sg := range n.Children {
			r.clusters++
			cluster, err := g.CreateSubGraphByName(fmt.Sprintf("cluster_%d", r.clusters))
			if err != nil {
				return fmt.Errorf("diagram: create cluster for %s: %w", n.ID, err)
			}
			cluster.SetLabel(sg.Label)
			cluster.SetStyle(cgraph.DashedGraphStyle)
			if err := r.addNodes(cluster, sg.Nodes); err != nil {
				return err
			}
			r.addEdges(sg.Edges)
			if len(sg.Nodes) > 0 {
				r.addEdges([]Edge{{From: n.ID, To: sg.Nodes[0].ID, Label: sg.Label}})
			}
		}
	}
	return nil
}

func (r *gvRenderer) addEdges(edges []Edge) {
	for _, e := range edges {
		from, to := r.nodes[e.From], r.nodes[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := r.root.CreateEdgeByName("", from, to)
		if err == nil && e.Label != "" {
			ge.SetLabel(e.Label)
		}
	}
}

func styleNode(gn *cgraph.Node, n *Node) {
	switch n.Kind {
	case KindStart, KindEnd:
		gn.SetShape(cgraph.CircleShape)
		gn.SetWidth(0.5)
		gn.SetHeight(0.5)
	case Kind(schema.KindSwitch):
		gn.SetShape(cgraph.DiamondShape)
	case Kind(schema.KindWait), Kind(schema.KindListen):
		gn.SetShape(cgraph.EllipseShape)
	case Kind(schema.KindRaise):
		gn.SetShape(cgraph.HexagonShape)
	default:
		gn.SetShape(cgraph.BoxShape)
	}
	if n.Status == nil {
		return
	}
	gn.SetStyle(cgraph.FilledNodeStyle)
	fill, font := statusColors(n.Status.Status)
	gn.SetFillColor(fill)
	gn.SetFontColor(font)
	if n.Status.Status == schema.TaskStatusSkipped {
		gn.SetStyle(cgraph.DashedNodeStyle)
	}
	if n.Status.Error != "" {
		gn.SetLabel(n.Label + "\n" + truncate(n.Status.Error, 60))
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func statusColors(s schema.TaskStatus) (fill, font string) {
	switch s {
	case schema.TaskStatusCompleted:
		return "#2d6a2d", "white"
	case schema.TaskStatusFaulted:
		return "#8b1a1a", "white"
	case schema.TaskStatusRunning:
		return "#1a5276", "white"
	case schema.TaskStatusSuspended:
		return "#b7791a", "white"
	case schema.TaskStatusSkipped:
		return "#e8e8e8", "#888888"
	case schema.TaskStatusCancelled:
		return "#4a4a4a", "white"
	}
	return "#d3d3d3", "black"
}
