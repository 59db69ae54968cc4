package reconcile

import (
	"context"
	"sort"

	"github.com/ehr/hl7hub/internal/domain/order"
	"github.com/ehr/hl7hub/internal/platform/hl7v2"
)

// Processor reconciles one type of message into order and return acts.
type Processor interface {
	Process(ctx context.Context, msg *hl7v2.Message, env Env) (*order.Aggregate, error)
}

// Registry maps message types ("ORM^O01") to their processors. It is built
// at startup and read-only afterwards.
type Registry struct {
	processors map[string]Processor
}

// NewRegistry returns a registry with the order and dispense processors for
// r's family.
func NewRegistry(r *Reconciler) *Registry {
	reg := &Registry{processors: make(map[string]Processor)}
	reg.Register("ORM^O01", &ormProcessor{r})
	reg.Register("RDS^O13", &rdsProcessor{r})
	return reg
}

// Register adds or replaces the processor for a message type. It must not
// be called once the registry is in use.
func (r *Registry) Register(messageType string, p Processor) {
	r.processors[messageType] = p
}

func (r *Registry) Lookup(messageType string) (Processor, bool) {
	p, ok := r.processors[messageType]
	return p, ok
}

// Types returns the registered message types in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.processors))
	for t := range r.processors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
