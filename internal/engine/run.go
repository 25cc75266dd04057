package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/rendis/flowcore/internal/backend"
	"github.com/rendis/flowcore/pkg/schema"
)

// Run task return modes.
const (
	ReturnStdout = "stdout"
	ReturnStderr = "stderr"
	ReturnCode   = "code"
	ReturnAll    = "all"
	ReturnNone   = "none"
)

// runStrategy starts a process through the execution backend.
type runStrategy struct{ task *schema.RunTask }

func (s *runStrategy) validate(tc *TaskContext) error {
	sh := s.task.Run.Shell
	if sh == nil || strings.TrimSpace(sh.Command) == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "run task has no shell command")
	}
	switch s.task.Run.Return {
	case "", ReturnStdout, ReturnStderr, ReturnCode, ReturnAll, ReturnNone:
	default:
		return schema.NewErrorf(schema.ErrCodeConfiguration, "unknown run return mode %q", s.task.Run.Return)
	}
	if tc.Workflow.svc.Backend == nil {
		return schema.NewError(schema.ErrCodeConfiguration, "run task requires an execution backend")
	}
	return nil
}

func (s *runStrategy) execute(ctx context.Context, x *taskExecutor, input any) (any, schema.FlowDirective, error) {
	wc := x.tc.Workflow
	spec, err := s.processSpec(ctx, x, input)
	if err != nil {
		return nil, "", err
	}
	proc, err := wc.svc.Backend.Create(ctx, spec)
	if err != nil {
		return nil, "", err
	}
	if err := proc.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, "", context.Cause(ctx)
		}
		return nil, "", schema.NewError(schema.ErrCodeRuntime, "start process").WithCause(err)
	}

	log := wc.svc.Logger
	if s.task.Run.Await != nil && !*s.task.Run.Await {
		bg := context.WithoutCancel(ctx)
		go func() {
			var wg sync.WaitGroup
			wg.Add(2)
			go func() { defer wg.Done(); drainLines(bg, log, proc.Stdout(), "stdout", nil) }()
			go func() { defer wg.Done(); drainLines(bg, log, proc.Stderr(), "stderr", nil) }()
			code, err := proc.Wait(bg)
			wg.Wait()
			log.DebugContext(bg, "detached process exited", slog.Int("code", code), slog.Any("error", err))
		}()
		return input, "", nil
	}

	var (
		stdout, stderr []string
		wg             sync.WaitGroup
	)
	wg.Add(2)
	go func() { defer wg.Done(); drainLines(ctx, log, proc.Stdout(), "stdout", &stdout) }()
	go func() { defer wg.Done(); drainLines(ctx, log, proc.Stderr(), "stderr", &stderr) }()
	code, err := proc.Wait(ctx)
	wg.Wait()
	if err != nil {
		return nil, "", err
	}

	out := strings.Join(stdout, "\n")
	errOut := strings.Join(stderr, "\n")
	mode := s.task.Run.Return
	if code != 0 && mode != ReturnCode && mode != ReturnAll {
		return nil, "", schema.NewErrorf(schema.ErrCodeRuntime, "process exited with code %d", code).
			WithDetails(map[string]any{"code": code, "stderr": errOut})
	}
	switch mode {
	case ReturnStderr:
		return parseOutput(errOut), "", nil
	case ReturnCode:
		return code, "", nil
	case ReturnAll:
		return map[string]any{"code": code, "stdout": parseOutput(out), "stderr": errOut}, "", nil
	case ReturnNone:
		return nil, "", nil
	}
	return parseOutput(out), "", nil
}

func (s *runStrategy) processSpec(ctx context.Context, x *taskExecutor, input any) (backend.ProcessSpec, error) {
	sh := s.task.Run.Shell
	ev := x.tc.Workflow.svc.Evaluator
	spec := backend.ProcessSpec{WorkDir: x.tc.Workflow.svc.Options.RunWorkDir}

	cmd, err := ev.EvaluateTemplate(ctx, sh.Command, input, x.args)
	if err != nil {
		return spec, err
	}
	spec.Command = asString(cmd)
	for _, a := range sh.Arguments {
		v, err := ev.EvaluateTemplate(ctx, a, input, x.args)
		if err != nil {
			return spec, err
		}
		spec.Arguments = append(spec.Arguments, asString(v))
	}
	if len(sh.Environment) > 0 {
		spec.Environment = make(map[string]string, len(sh.Environment))
		for k, a := range sh.Environment {
			v, err := ev.EvaluateTemplate(ctx, a, input, x.args)
			if err != nil {
				return spec, err
			}
			spec.Environment[k] = asString(v)
		}
	}
	return spec, nil
}

// drainLines consumes a process output channel until it closes, logging each
// line and collecting it when into is non-nil.
func drainLines(ctx context.Context, log *slog.Logger, lines <-chan string, stream string, into *[]string) {
	for line := range lines {
		log.DebugContext(ctx, "process output", slog.String("stream", stream), slog.String("line", line))
		if into != nil {
			*into = append(*into, line)
		}
	}
}

// parseOutput decodes JSON output and falls back to the trimmed text.
func parseOutput(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
