package diagram

import (
	"fmt"
	"strconv"

	"github.com/rendis/flowcore/pkg/schema"
)

// Build lays out def's task graph. tasks, when given, overlays the status of
// each task instance; loop bodies show their first iteration.
func Build(def *schema.Workflow, tasks []*schema.TaskInstance) (*Model, error) {
	if def == nil || len(def.Do) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: workflow has no tasks")
	}
	b := &builder{states: make(map[string]*schema.TaskInstance, len(tasks))}
	for _, t := range tasks {
		b.states[t.Reference] = t
	}

	nodes, edges := b.list(def.Do, "/do", StartID, EndID, true)
	m := &Model{Title: title(def)}
	m.Nodes = append(m.Nodes, &Node{ID: StartID, Label: "Start", Kind: KindStart})
	m.Nodes = append(m.Nodes, nodes...)
	m.Nodes = append(m.Nodes, &Node{ID: EndID, Label: "End", Kind: KindEnd})
	m.Edges = append(m.Edges, edges...)
	m.Edges = append(m.Edges, b.exits...)
	return m, nil
}

type builder struct {
	states map[string]*schema.TaskInstance
	// exits are then: exit edges from nested lists to the workflow end.
	exits []Edge
}

// list builds the nodes of a task list under base. Sequential lists link
// each task to its successor; entry and exit frame the list when set.
func (b *builder) list(list schema.TaskList, base, entry, exit string, sequential bool) ([]*Node, []Edge) {
	refs := make([]string, len(list))
	nodes := make([]*Node, len(list))
	for i, item := range list {
		refs[i] = base + "/" + strconv.Itoa(i) + "/" + item.Name
		nodes[i] = b.node(item, refs[i])
	}
	if !sequential {
		return nodes, nil
	}

	var edges []Edge
	if entry != "" && len(refs) > 0 {
		edges = append(edges, Edge{From: entry, To: refs[0]})
	}
	target := func(i int, d schema.FlowDirective) string {
		switch {
		case d.IsContinue():
			if i+1 < len(refs) {
				return refs[i+1]
			}
			return exit
		case d.IsEnd():
			return exit
		case d.IsExit():
			return EndID
		}
		if j := list.Index(string(d)); j >= 0 {
			return refs[j]
		}
		return ""
	}
	add := func(from, to, label string, d schema.FlowDirective) {
		if to == "" {
			return
		}
		e := Edge{From: from, To: to, Label: label}
		if d.IsExit() && exit != EndID {
			b.exits = append(b.exits, e)
			return
		}
		edges = append(edges, e)
	}
	for i, item := range list {
		if sw, ok := item.Task.(*schema.SwitchTask); ok {
			for _, c := range sw.Switch {
				add(refs[i], target(i, c.Then), caseLabel(c), c.Then)
			}
			continue
		}
		then := item.Task.Base().Then
		label := ""
		if then.IsGoto() {
			label = "then"
		}
		add(refs[i], target(i, then), label, then)
	}
	return nodes, edges
}

func (b *builder) node(item *schema.TaskItem, ref string) *Node {
	n := &Node{ID: ref, Label: label(item), Kind: Kind(item.Task.Kind())}
	if st, ok := b.states[ref]; ok {
		n.Status = &Status{Status: st.Status}
		if st.Error != nil {
			n.Status.Error = st.Error.Error()
		}
	}
	sub := func(name string, list schema.TaskList, base string, sequential bool) {
		if len(list) == 0 {
			return
		}
		nodes, edges := b.list(list, base, "", "", sequential)
		n.Children = append(n.Children, &SubGraph{Label: name, Nodes: nodes, Edges: edges})
	}
	switch t := item.Task.(type) {
	case *schema.DoTask:
		if t.Mode == schema.ModeConcurrent {
			sub("do (concurrent)", t.Do, ref+"/do", false)
		} else {
			sub("do", t.Do, ref+"/do", true)
		}
	case *schema.ForkTask:
		name := "fork"
		if t.Fork.Compete {
			name = "fork (compete)"
		}
		sub(name, t.Fork.Branches, ref+"/fork/branches", false)
	case *schema.TryTask:
		sub("try", t.Try, ref+"/try", true)
		if t.Catch != nil {
			sub("catch", t.Catch.Do, ref+"/catch/do", true)
		}
	case *schema.ForTask:
		each := t.For.Each
		if each == "" {
			each = "item"
		}
		sub(fmt.Sprintf("for %s in %s", each, t.For.In), t.Do, ref+"/for/0/do", true)
	}
	return n
}

func label(item *schema.TaskItem) string {
	switch t := item.Task.(type) {
	case *schema.CallTask:
		return fmt.Sprintf("%s\n(call %s)", item.Name, t.Call)
	case *schema.WaitTask:
		return fmt.Sprintf("%s\n(wait %s)", item.Name, t.Wait.Duration)
	}
	return fmt.Sprintf("%s\n(%s)", item.Name, item.Task.Kind())
}

func caseLabel(c *schema.SwitchCase) string {
	if c.When == "" {
		return c.Name + " (default)"
	}
	return c.Name
}

func title(def *schema.Workflow) string {
	if def.Document.Title != "" {
		return def.Document.Title
	}
	return def.Document.QualifiedName()
}
