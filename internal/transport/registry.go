package transport

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/reqflow/pkg/schema"
)

// Registry routes requests to a transport by protocol name.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]Transport)}
}

// NewDefaultRegistry registers the bundled HTTP, GraphQL and WebSocket
// transports.
func NewDefaultRegistry(cfg HTTPConfig) *Registry {
	r := NewRegistry()
	h := NewHTTPTransport(cfg)
	_ = r.Register(schema.ProtocolHTTP, h)
	_ = r.Register(schema.ProtocolGraphQL, NewGraphQLTransport(h))
	_ = r.Register(schema.ProtocolWebSocket, NewWebSocketTransport(WebSocketConfig{}))
	return r
}

// Register adds a transport. Returns an error on a duplicate name.
func (r *Registry) Register(protocol string, t Transport) error {
	if t == nil {
		return schema.NewError(schema.ErrCodeValidation, "transport is nil")
	}
	if protocol == "" {
		return schema.NewError(schema.ErrCodeValidation, "protocol name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transports[protocol]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "transport %q already registered", protocol)
	}
	r.transports[protocol] = t
	return nil
}

// Has reports whether a transport is registered for protocol.
func (r *Registry) Has(protocol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.transports[protocol]
	return ok
}

// Protocols lists the registered protocol names, sorted.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.transports))
	for k := range r.transports {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Dispatch routes req to the transport registered for req.Protocol. A
// protocol with no transport (grpc is not bundled) fails with
// KindUnsupported, which is never retried.
func (r *Registry) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	protocol := req.Protocol
	if protocol == "" {
		protocol = schema.ProtocolHTTP
	}
	r.mu.RLock()
	t, ok := r.transports[protocol]
	r.mu.RUnlock()
	if !ok {
		return nil, NewError(KindUnsupported, "no transport for protocol "+protocol, nil)
	}
	return t.Dispatch(ctx, req)
}

var _ Transport = (*Registry)(nil)
