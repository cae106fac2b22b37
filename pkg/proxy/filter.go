package proxy

import (
	"context"
	"fmt"

	"github.com/objectum/objectum-proxy/pkg/objstore"
)

// FilterBuilder derives the access-restriction predicates that must be
// merged into a request before it reaches the backend.
type FilterBuilder struct {
	Registry *objstore.Registry
}

// Build collects filters for a request. A single target model contributes
// its hook's filter under the default alias; a serialized multi-model query
// contributes one alias-scoped filter per referenced model. No hook and an
// empty hook result both mean "no restriction".
func (b *FilterBuilder) Build(ctx context.Context, store *objstore.Handle, model, query string) ([]objstore.Filter, error) {
	var filters []objstore.Filter
	if model != "" {
		f, err := b.modelFilter(ctx, store, model, "a")
		if err != nil {
			return nil, err
		}
		if len(f) > 0 {
			filters = append(filters, f)
		}
	}
	if query != "" {
		refs, err := objstore.ExtractModelRefs(query)
		if err != nil {
			return nil, fmt.Errorf("access filter: query: %s, error: %w", query, err)
		}
		for _, ref := range refs {
			code := ref.Model
			if store.Dict != nil {
				code = store.Dict.ModelCode(code)
			}
			f, err := b.modelFilter(ctx, store, code, ref.Alias)
			if err != nil {
				return nil, err
			}
			if len(f) > 0 {
				filters = append(filters, f)
			}
		}
	}
	return filters, nil
}

func (b *FilterBuilder) modelFilter(ctx context.Context, store *objstore.Handle, model, alias string) (objstore.Filter, error) {
	provider, ok := b.Registry.FilterProvider(model)
	if !ok {
		return nil, nil
	}
	f, err := provider.AccessFilter(ctx, store, alias)
	if err != nil {
		return nil, fmt.Errorf("access filter: model %s: %w", model, err)
	}
	return f, nil
}
