package schema

import (
	"sort"
	"strings"
)

// Well-known document names.
const (
	TokenSchema        = "aap-token.schema.json"
	AgentSchema        = "aap-agent.schema.json"
	TaskSchema         = "aap-task.schema.json"
	CapabilitiesSchema = "aap-capabilities.schema.json"
	ConstraintsSchema  = "aap-constraints.schema.json"
	OversightSchema    = "aap-oversight.schema.json"
	DelegationSchema   = "aap-delegation.schema.json"
	ContextSchema      = "aap-context.schema.json"
	AuditSchema        = "aap-audit.schema.json"
)

// LoadOrder is the dependency-first order the core documents are registered
// in. A document may only reference documents listed before it.
var LoadOrder = []string{
	ConstraintsSchema,
	AgentSchema,
	TaskSchema,
	CapabilitiesSchema,
	OversightSchema,
	DelegationSchema,
	ContextSchema,
	AuditSchema,
	TokenSchema,
}

const documentSuffix = ".schema.json"

func inLoadOrder(name string) bool {
	for _, n := range LoadOrder {
		if n == name {
			return true
		}
	}
	return false
}

// Dependencies returns the documents doc references through external $ref
// values, sorted and without duplicates.
func Dependencies(doc any) []string {
	seen := map[string]bool{}
	collectRefs(doc, seen)
	deps := make([]string, 0, len(seen))
	for name := range seen {
		deps = append(deps, name)
	}
	sort.Strings(deps)
	return deps
}

func collectRefs(node any, seen map[string]bool) {
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			if key == "$ref" {
				if ref, ok := child.(string); ok {
					if name := refDocument(ref); name != "" {
						seen[name] = true
					}
				}
				continue
			}
			collectRefs(child, seen)
		}
	case []any:
		for _, child := range v {
			collectRefs(child, seen)
		}
	}
}

// refDocument extracts the document file name from a $ref, or "" for
// document-local pointers.
func refDocument(ref string) string {
	if i := strings.IndexByte(ref, '#'); i >= 0 {
		ref = ref[:i]
	}
	if ref == "" {
		return ""
	}
	if i := strings.LastIndexByte(ref, '/'); i >= 0 {
		ref = ref[i+1:]
	}
	if !strings.HasSuffix(ref, documentSuffix) {
		return ""
	}
	return ref
}

// extraOrder sorts documents outside LoadOrder so that every document comes
// after the documents it depends on. Ties are broken by name. Names caught
// in a cycle are returned separately.
func extraOrder(deps map[string][]string) (ordered, cyclic []string) {
	pending := make(map[string]int, len(deps))
	dependents := map[string][]string{}
	for name, ds := range deps {
		pending[name] = 0
		for _, d := range ds {
			if _, local := deps[d]; !local {
				continue
			}
			pending[name]++
			dependents[d] = append(dependents[d], name)
		}
	}
	var ready []string
	for name, n := range pending {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, name)
		delete(pending, name)
		for _, dep := range dependents[name] {
			pending[dep]--
			if pending[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	for name := range pending {
		cyclic = append(cyclic, name)
	}
	sort.Strings(cyclic)
	return ordered, cyclic
}
