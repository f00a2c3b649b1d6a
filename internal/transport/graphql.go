package transport

import (
	"context"
	"net/http"
)

// GraphQLTransport posts GraphQL operations over an HTTP transport.
type GraphQLTransport struct {
	http *HTTPTransport
}

// NewGraphQLTransport wraps h.
func NewGraphQLTransport(h *HTTPTransport) *GraphQLTransport {
	return &GraphQLTransport{http: h}
}

// Dispatch sends {query, variables, operationName} as a JSON POST. When the
// step has no graphql block the request body is sent as-is.
func (t *GraphQLTransport) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	out := *req
	out.Method = http.MethodPost
	if req.Method != "" && req.Method != http.MethodGet {
		out.Method = req.Method
	}

	if gql := req.GraphQL; gql != nil {
		payload := map[string]any{"query": gql.Query}
		if len(gql.Variables) > 0 {
			payload["variables"] = gql.Variables
		}
		if gql.OperationName != "" {
			payload["operationName"] = gql.OperationName
		}
		out.Body = payload
	}
	if out.Body == nil {
		return nil, NewError(KindProtocol, "graphql request has no query", nil)
	}

	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	if _, ok := headerValue(headers, "Accept"); !ok {
		headers["Accept"] = "application/json"
	}
	out.Headers = headers
	return t.http.Dispatch(ctx, &out)
}

var _ Transport = (*GraphQLTransport)(nil)
