package validation

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowcore/pkg/schema"
)

// retryWarnThreshold is the attempt count above which a warning is issued.
const retryWarnThreshold = 10

var runReturnModes = map[string]bool{"": true, "stdout": true, "stderr": true, "code": true, "all": true, "none": true}

var taskKinds = map[string]bool{
	string(schema.KindSet): true, string(schema.KindSwitch): true, string(schema.KindRun): true,
	string(schema.KindEmit): true, string(schema.KindCall): true, string(schema.KindDo): true,
	string(schema.KindFork): true, string(schema.KindTry): true, string(schema.KindFor): true,
	string(schema.KindListen): true, string(schema.KindWait): true, string(schema.KindRaise): true,
}

type semanticChecker struct {
	def       *schema.Workflow
	functions FunctionLookup
	result    *schema.ValidationResult
}

// validateSemantic checks what the outline schema cannot: task names,
// goto targets, switch defaults, call targets, per-kind requirements,
// extensions and the schedule.
func validateSemantic(def *schema.Workflow, lookup FunctionLookup) *schema.ValidationResult {
	c := &semanticChecker{def: def, functions: lookup, result: &schema.ValidationResult{}}
	c.list("/do", def.Do, true)

	if def.Use != nil {
		for i, ext := range def.Use.Extensions {
			path := fmt.Sprintf("/use/extensions/%d/%s", i, ext.Name)
			if ext.Extension == nil {
				c.fail(path, "extension has no body")
				continue
			}
			if ext.Extension.Extend != schema.ExtendAll && !taskKinds[ext.Extension.Extend] {
				c.fail(path+"/extend", fmt.Sprintf("unknown task kind %q", ext.Extension.Extend))
			}
			if len(ext.Extension.Before) == 0 && len(ext.Extension.After) == 0 {
				c.warn(path, "extension declares no before or after tasks")
			}
			c.list(path+"/before", ext.Extension.Before, false)
			c.list(path+"/after", ext.Extension.After, false)
		}
		for name, fn := range def.Use.Functions {
			c.task(fmt.Sprintf("/use/functions/%s", name), fn, nil)
		}
	}

	if s := def.Schedule; s != nil {
		switch {
		case s.Cron != "" && s.Every != nil:
			c.fail("/schedule", "schedule takes cron or every, not both")
		case s.Cron != "":
			if _, err := cron.ParseStandard(s.Cron); err != nil {
				c.fail("/schedule/cron", fmt.Sprintf("invalid cron expression: %s", err))
			}
		case s.Every != nil && s.Every.Duration <= 0:
			c.fail("/schedule/every", "interval must be positive")
		}
	}
	if def.Timeout != nil && def.Timeout.After.Duration <= 0 {
		c.fail("/timeout/after", "timeout must be positive")
	}
	return c.result
}

func (c *semanticChecker) fail(path, msg string) {
	c.result.AddError(path, schema.ErrCodeValidation, msg)
}

func (c *semanticChecker) warn(path, msg string) {
	c.result.AddWarning(path, schema.ErrCodeValidation, msg)
}

// list checks a task list. Empty lists are accepted only where optional.
func (c *semanticChecker) list(path string, list schema.TaskList, required bool) {
	if len(list) == 0 {
		if required {
			c.fail(path, "task list is empty")
		}
		return
	}
	seen := make(map[string]bool, len(list))
	for i, item := range list {
		itemPath := fmt.Sprintf("%s/%d", path, i)
		if item == nil || item.Name == "" {
			c.fail(itemPath, "task has no name")
			continue
		}
		if seen[item.Name] {
			c.fail(itemPath, fmt.Sprintf("duplicate task name %q", item.Name))
		}
		seen[item.Name] = true
		c.task(itemPath+"/"+item.Name, item.Task, list)
	}
}

// target checks that a goto directive names a sibling.
func (c *semanticChecker) target(path string, d schema.FlowDirective, siblings schema.TaskList) {
	if !d.IsGoto() {
		return
	}
	if siblings == nil || siblings.Get(string(d)) == nil {
		c.fail(path, fmt.Sprintf("flow directive references unknown task %q", d))
	}
}

func (c *semanticChecker) task(path string, task schema.Task, siblings schema.TaskList) {
	if task == nil {
		c.fail(path, "task has no definition")
		return
	}
	base := task.Base()
	c.target(path+"/then", base.Then, siblings)
	if base.Timeout != nil && base.Timeout.After.Duration <= 0 {
		c.fail(path+"/timeout/after", "timeout must be positive")
	}

	switch t := task.(type) {
	case *schema.SwitchTask:
		if len(t.Switch) == 0 {
			c.fail(path+"/switch", "switch has no cases")
		}
		defaults := 0
		for i, sc := range t.Switch {
			if sc.When == "" {
				defaults++
			}
			c.target(fmt.Sprintf("%s/switch/%d/%s/then", path, i, sc.Name), sc.Then, siblings)
		}
		if defaults > 1 {
			c.fail(path+"/switch", fmt.Sprintf("switch has %d default cases", defaults))
		}
	case *schema.RunTask:
		if t.Run.Shell == nil || t.Run.Shell.Command == "" {
			c.fail(path+"/run/shell/command", "run task has no command")
		}
		if !runReturnModes[t.Run.Return] {
			c.fail(path+"/run/return", fmt.Sprintf("unknown return mode %q", t.Run.Return))
		}
	case *schema.EmitTask:
		if _, ok := t.Emit.Event.With["type"]; !ok {
			c.fail(path+"/emit/event/with/type", "emitted event has no type")
		}
	case *schema.CallTask:
		c.call(path, t.Call)
	case *schema.DoTask:
		if t.Mode != "" && t.Mode != schema.ModeSequential && t.Mode != schema.ModeConcurrent {
			c.fail(path+"/mode", fmt.Sprintf("unknown execution mode %q", t.Mode))
		}
		c.list(path+"/do", t.Do, true)
	case *schema.ForkTask:
		c.list(path+"/fork/branches", t.Fork.Branches, true)
	case *schema.TryTask:
		c.list(path+"/try", t.Try, true)
		if t.Catch != nil {
			c.list(path+"/catch/do", t.Catch.Do, false)
			if r := t.Catch.Retry; r != nil && r.Limit != nil && r.Limit.Attempt != nil {
				switch n := r.Limit.Attempt.Count; {
				case n < 0:
					c.fail(path+"/catch/retry/limit/attempt/count", "attempt count is negative")
				case n > retryWarnThreshold:
					c.warn(path+"/catch/retry/limit/attempt/count",
						fmt.Sprintf("high retry count (%d) may cause excessive delays", n))
				}
			}
		}
	case *schema.ForTask:
		if t.For.In == "" {
			c.fail(path+"/for/in", "for task has no collection")
		}
		c.list(path+"/do", t.Do, true)
	case *schema.ListenTask:
		to := t.Listen.To
		set := 0
		for _, ok := range []bool{to.One != nil, len(to.Any) > 0, len(to.All) > 0} {
			if ok {
				set++
			}
		}
		if set != 1 {
			c.fail(path+"/listen/to", "listen needs exactly one of one, any or all")
		}
		if to.Until != "" && len(to.Any) == 0 {
			c.fail(path+"/listen/to/until", "until applies to any only")
		}
	case *schema.WaitTask:
		if t.Wait.Duration < 0 {
			c.fail(path+"/wait", "wait duration is negative")
		}
	case *schema.RaiseTask:
		if t.Raise.Error.Type == "" {
			c.fail(path+"/raise/error/type", "raised error has no type")
		}
	}
}

func (c *semanticChecker) call(path, name string) {
	if name == "" {
		c.fail(path+"/call", "call task has no function")
		return
	}
	if c.def.Use != nil {
		if _, ok := c.def.Use.Functions[name]; ok {
			return
		}
	}
	if c.functions != nil && !c.functions.Has(name) {
		c.fail(path+"/call", fmt.Sprintf("function %q is not declared or registered", name))
	}
}
