package engine

import (
	"context"
	"net/http"
	"strings"

	"github.com/rendis/reqflow/internal/transport"
	"github.com/rendis/reqflow/pkg/schema"
)

// buildRequest resolves every templated field of the step into a
// transport request.
func (r *stepRun) buildRequest(ctx context.Context) (*transport.Request, error) {
	res, vars, step := r.deps.Resolver, r.in.Vars, r.step
	protocol := step.ResolvedProtocol()

	method, err := res.Resolve(ctx, step.Method, vars)
	if err != nil {
		return nil, err
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		switch protocol {
		case schema.ProtocolHTTP:
			method = http.MethodGet
		case schema.ProtocolGraphQL:
			method = http.MethodPost
		}
	}

	rawURL, err := res.Resolve(ctx, step.URL, vars)
	if err != nil {
		return nil, err
	}
	var base string
	if wf := r.in.Workflow; wf != nil && wf.BaseURL != "" {
		if base, err = res.Resolve(ctx, wf.BaseURL, vars); err != nil {
			return nil, err
		}
	}

	query, err := res.ResolveMap(ctx, step.Query, vars)
	if err != nil {
		return nil, err
	}
	headers, err := res.ResolveMap(ctx, r.mergedHeaders(), vars)
	if err != nil {
		return nil, err
	}

	req := &transport.Request{
		Step:     step.Name,
		Protocol: protocol,
		Method:   method,
		URL:      joinURL(base, rawURL),
		Query:    query,
		Headers:  headers,
		Timeout:  step.Timeout.Std(),
	}

	switch {
	case step.Raw != "":
		raw, err := res.Resolve(ctx, step.Raw, vars)
		if err != nil {
			return nil, err
		}
		req.Body = raw
	case step.Body != nil:
		if req.Body, err = res.ResolveValue(ctx, step.Body, vars); err != nil {
			return nil, err
		}
	case step.Form != nil:
		if req.Form, err = res.ResolveMap(ctx, step.Form, vars); err != nil {
			return nil, err
		}
	}

	if gql := step.GraphQL; gql != nil {
		q, err := res.Resolve(ctx, gql.Query, vars)
		if err != nil {
			return nil, err
		}
		op, err := res.Resolve(ctx, gql.OperationName, vars)
		if err != nil {
			return nil, err
		}
		out := &schema.GraphQLConfig{Query: q, OperationName: op}
		if gql.Variables != nil {
			v, err := res.ResolveValue(ctx, gql.Variables, vars)
			if err != nil {
				return nil, err
			}
			out.Variables, _ = v.(map[string]any)
		}
		req.GraphQL = out
	}

	if ws := step.WebSocket; ws != nil {
		out := *ws
		if len(ws.Messages) > 0 {
			v, err := res.ResolveValue(ctx, ws.Messages, vars)
			if err != nil {
				return nil, err
			}
			out.Messages, _ = v.([]any)
		}
		req.WebSocket = &out
	}

	if step.GRPC != nil {
		v, err := res.ResolveValue(ctx, step.GRPC, vars)
		if err != nil {
			return nil, err
		}
		req.GRPC, _ = v.(map[string]any)
	}
	return req, nil
}

// mergedHeaders layers step headers over the workflow defaults. Names
// compare case-insensitively and the step's spelling wins.
func (r *stepRun) mergedHeaders() map[string]string {
	out := make(map[string]string)
	if wf := r.in.Workflow; wf != nil {
		for k, v := range wf.Headers {
			out[k] = v
		}
	}
	for k, v := range r.step.Headers {
		for existing := range out {
			if strings.EqualFold(existing, k) {
				delete(out, existing)
			}
		}
		out[k] = v
	}
	return out
}

// joinURL prefixes relative URLs with base. Absolute URLs pass through.
func joinURL(base, u string) string {
	if base == "" || strings.Contains(u, "://") {
		return u
	}
	if u == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(u, "/")
}
