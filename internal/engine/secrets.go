package engine

import (
	"context"

	"github.com/rendis/flowcore/pkg/schema"
)

// loadSecrets resolves the secrets named under use.secrets. Values live only
// on the WorkflowContext and are never written to the store or the journal.
func (wc *WorkflowContext) loadSecrets(ctx context.Context) error {
	if wc.def.Use == nil || len(wc.def.Use.Secrets) == 0 {
		return nil
	}
	if wc.svc.Secrets == nil {
		return schema.NewError(schema.ErrCodeConfiguration, "workflow uses secrets but no secret vault is configured")
	}
	values := make(map[string]any, len(wc.def.Use.Secrets))
	for _, name := range wc.def.Use.Secrets {
		v, err := wc.svc.Secrets.Resolve(ctx, name)
		if err != nil {
			fe := schema.AsFlowError(err)
			return schema.NewErrorf(fe.Code, "secret %q: %s", name, fe.Message).WithCause(err)
		}
		values[name] = string(v)
	}
	wc.mu.Lock()
	wc.secrets = values
	wc.mu.Unlock()
	return nil
}

func (wc *WorkflowContext) secretValues() map[string]any {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	return wc.secrets
}
