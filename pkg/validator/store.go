package validator

import (
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
)

// inmemStore wraps the policy data table in OPA's in-memory storage.Store so
// Rego rules can reference it as data.<key>.
func inmemStore(data map[string]any) storage.Store {
	return inmem.NewFromObject(data)
}
