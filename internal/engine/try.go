package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rendis/flowcore/pkg/schema"
)

// tryStrategy runs its body and handles the faults its catch selects.
type tryStrategy struct{ task *schema.TryTask }

func (s *tryStrategy) validate(*TaskContext) error {
	if err := requireList(s.task.Try, "try task"); err != nil {
		return err
	}
	c := s.task.Catch
	if c == nil {
		return nil
	}
	if len(c.Do) > 0 {
		if err := requireList(c.Do, "catch"); err != nil {
			return err
		}
	}
	if r := c.Retry; r != nil && r.Limit != nil && r.Limit.Attempt != nil && r.Limit.Attempt.Count < 0 {
		return schema.NewError(schema.ErrCodeConfiguration, "retry attempt count is negative")
	}
	return nil
}

func (s *tryStrategy) execute(ctx context.Context, x *taskExecutor, input any) (any, schema.FlowDirective, error) {
	c := s.task.Catch
	var (
		result *sequenceResult
		caught bool
		tries  int
	)
	attempt := func(ctx context.Context) error {
		tries++
		res, err := s.runBody(ctx, x, input)
		if err == nil {
			result = res
			return nil
		}
		fe := schema.AsFlowError(err)
		if ctx.Err() != nil || fe.Code == schema.ErrCodeCancelled {
			caught = false
			return err
		}
		ok, cerr := s.catches(ctx, x, fe)
		if cerr != nil {
			caught = false
			return cerr
		}
		caught = ok
		if !ok || c.Retry == nil {
			return err
		}
		retryable, rerr := s.retries(ctx, x, fe)
		if rerr != nil {
			caught = false
			return rerr
		}
		if !retryable {
			return err
		}
		s.recordRetry(ctx, x, tries, fe)
		return retry.RetryableError(err)
	}

	var err error
	if c != nil && c.Retry != nil {
		err = retry.Do(ctx, NewBackoff(c.Retry), attempt)
	} else {
		err = attempt(ctx)
	}
	if err == nil {
		if result.Next.IsExit() {
			return result.Output, schema.FlowExit, nil
		}
		return result.Output, "", nil
	}
	if !caught || ctx.Err() != nil {
		return nil, "", err
	}

	fe := schema.AsFlowError(err)
	if len(c.Do) == 0 {
		return input, "", nil
	}
	args := x.args.With(errorVariable(c), errorDocument(fe))
	res, herr := runSequence(ctx, x.tc, c.Do, x.tc.Reference()+"/catch/do", input, x.inputRef, args, false)
	if herr != nil {
		return nil, "", herr
	}
	if res.Next.IsExit() {
		return res.Output, schema.FlowExit, nil
	}
	return res.Output, "", nil
}

// runBody runs one attempt of the try list, bounded by the per-attempt limit.
func (s *tryStrategy) runBody(ctx context.Context, x *taskExecutor, input any) (*sequenceResult, error) {
	body := ctx
	limit := s.attemptLimit()
	if limit > 0 {
		var cancel context.CancelFunc
		body, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	res, err := runSequence(body, x.tc, s.task.Try, x.tc.Reference()+"/try", input, x.inputRef, x.args, false)
	if err != nil && ctx.Err() == nil && errors.Is(body.Err(), context.DeadlineExceeded) {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "try attempt timed out after %s", limit).WithCause(err)
	}
	return res, err
}

func (s *tryStrategy) attemptLimit() time.Duration {
	c := s.task.Catch
	if c == nil || c.Retry == nil || c.Retry.Limit == nil || c.Retry.Limit.Attempt == nil || c.Retry.Limit.Attempt.Duration == nil {
		return 0
	}
	return c.Retry.Limit.Attempt.Duration.Duration
}

// catches reports whether the catch clause handles fe.
func (s *tryStrategy) catches(ctx context.Context, x *taskExecutor, fe *schema.FlowError) (bool, error) {
	c := s.task.Catch
	if c == nil {
		return false, nil
	}
	if c.Errors != nil && c.Errors.With != nil && !matchError(c.Errors.With, fe) {
		return false, nil
	}
	return s.guards(ctx, x, fe, c.When, c.ExceptWhen)
}

// retries reports whether the retry policy applies to fe.
func (s *tryStrategy) retries(ctx context.Context, x *taskExecutor, fe *schema.FlowError) (bool, error) {
	r := s.task.Catch.Retry
	return s.guards(ctx, x, fe, r.When, r.ExceptWhen)
}

func (s *tryStrategy) guards(ctx context.Context, x *taskExecutor, fe *schema.FlowError, when, exceptWhen string) (bool, error) {
	if when == "" && exceptWhen == "" {
		return true, nil
	}
	doc := errorDocument(fe)
	args := x.args.With(errorVariable(s.task.Catch), doc)
	ev := x.tc.Workflow.svc.Evaluator
	if when != "" {
		ok, err := ev.EvaluateBool(ctx, when, doc, args)
		if err != nil || !ok {
			return false, err
		}
	}
	if exceptWhen != "" {
		ok, err := ev.EvaluateBool(ctx, exceptWhen, doc, args)
		if err != nil || ok {
			return false, err
		}
	}
	return true, nil
}

func (s *tryStrategy) recordRetry(ctx context.Context, x *taskExecutor, tries int, fe *schema.FlowError) {
	wc, inst := x.tc.Workflow, x.tc.Instance
	wc.svc.Logger.InfoContext(ctx, "retrying try block",
		slog.String("reference", inst.Reference),
		slog.Int("attempt", tries),
		slog.String("error", fe.Error()))
	wc.recordTask(ctx, schema.EventTaskRetried, inst)
}

// matchError compares the set properties of m with fe. Types match by URI
// or by their short standard name; instance matches the originating task
// reference or any reference below it.
func matchError(m *schema.ErrorMatch, fe *schema.FlowError) bool {
	if m.Type != "" && errorType(m.Type) != fe.Type {
		return false
	}
	if m.Status != 0 && m.Status != fe.Status {
		return false
	}
	if m.Title != "" && m.Title != fe.Title {
		return false
	}
	if m.Instance != "" && fe.TaskRef != m.Instance && !strings.HasPrefix(fe.TaskRef, m.Instance+"/") {
		return false
	}
	return true
}

func errorVariable(c *schema.CatchSpec) string {
	if c != nil && c.As != "" {
		return c.As
	}
	return "error"
}

// errorDocument is the value bound to the catch variable.
func errorDocument(fe *schema.FlowError) map[string]any {
	doc := map[string]any{
		"type":     fe.Type,
		"status":   fe.Status,
		"title":    fe.Title,
		"detail":   fe.Message,
		"instance": fe.TaskRef,
		"code":     fe.Code,
	}
	if len(fe.Details) > 0 {
		doc["details"] = fe.Details
	}
	return doc
}
