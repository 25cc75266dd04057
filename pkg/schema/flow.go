package schema

// FlowDirective tells the enclosing composite what runs after a task.
// Besides the reserved values it may name a sibling task (goto).
type FlowDirective string

const (
	FlowContinue FlowDirective = "continue"
	FlowEnd      FlowDirective = "end"
	FlowExit     FlowDirective = "exit"
)

// IsContinue reports whether the directive proceeds to the next sibling.
// The empty directive defaults to continue.
func (d FlowDirective) IsContinue() bool {
	return d == "" || d == FlowContinue
}

// IsEnd reports whether the directive terminates the enclosing composite.
func (d FlowDirective) IsEnd() bool {
	return d == FlowEnd
}

// IsExit reports whether the directive terminates the workflow.
func (d FlowDirective) IsExit() bool {
	return d == FlowExit
}

// IsGoto reports whether the directive names a task.
func (d FlowDirective) IsGoto() bool {
	return !d.IsContinue() && !d.IsEnd() && !d.IsExit()
}

// Normalize maps the empty directive to continue.
func (d FlowDirective) Normalize() FlowDirective {
	if d == "" {
		return FlowContinue
	}
	return d
}
