package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// DefaultBaseURI is the namespace documents are registered under.
const DefaultBaseURI = "https://aap-protocol.dev/schemas/"

// Entry describes one registered document.
type Entry struct {
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on"`
	Compiled  bool     `json:"compiled"`
	Error     string   `json:"error,omitempty"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithBaseURI sets the URI prefix documents are registered under.
func WithBaseURI(uri string) Option {
	return func(r *Registry) {
		if uri == "" {
			return
		}
		if !strings.HasSuffix(uri, "/") {
			uri += "/"
		}
		r.baseURI = uri
	}
}

// WithLogger sets the logger used for load failures.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// Registry holds compiled validators keyed by document name. It is loaded
// once; afterwards it is read-only and safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	baseURI     string
	logger      *zap.Logger
	initialized bool

	loader   *gojsonschema.SchemaLoader
	docs     map[string]any
	deps     map[string][]string
	added    map[string]bool
	compiled map[string]*gojsonschema.Schema
	failures map[string]error
	names    []string
}

// NewRegistry returns an empty, uninitialized registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		baseURI: DefaultBaseURI,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize registers and compiles docs, keyed by file name. The core
// documents go first in LoadOrder, then any other documents in dependency
// order. A document that fails is recorded and skipped. Once a load has
// happened further calls are no-ops.
func (r *Registry) Initialize(docs map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return
	}
	if len(docs) == 0 {
		r.logger.Error("no schemas provided to initialize")
		return
	}

	r.loader = gojsonschema.NewSchemaLoader()
	r.docs = make(map[string]any, len(docs))
	r.deps = map[string][]string{}
	r.added = map[string]bool{}
	r.compiled = map[string]*gojsonschema.Schema{}
	r.failures = map[string]error{}
	r.names = nil

	for _, name := range LoadOrder {
		doc, ok := docs[name]
		if !ok {
			continue
		}
		if r.add(name, doc) {
			r.compile(name)
		}
	}

	if _, ok := r.compiled[TokenSchema]; !ok {
		if doc, present := docs[TokenSchema]; present {
			r.compileFallback(doc)
		}
	}

	extras := map[string][]string{}
	for name, doc := range docs {
		if !inLoadOrder(name) {
			extras[name] = dependenciesOf(name, doc)
		}
	}
	ordered, cyclic := extraOrder(extras)
	for _, name := range cyclic {
		r.track(name, docs[name])
		r.fail(name, errors.New("dependency cycle between schemas"))
	}
	var added []string
	for _, name := range ordered {
		if r.add(name, docs[name]) {
			added = append(added, name)
		}
	}
	for _, name := range added {
		r.compile(name)
	}

	r.initialized = true
	r.logger.Info("schemas initialized",
		zap.Int("documents", len(r.docs)),
		zap.Int("compiled", len(r.compiled)),
		zap.Int("failed", len(r.failures)))
}

// Initialized reports whether a load has happened.
func (r *Registry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// Validator returns the compiled schema registered under name.
func (r *Registry) Validator(name string) (*gojsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.compiled[name]
	return s, ok
}

// Document returns the raw document loaded under name.
func (r *Registry) Document(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[name]
	return doc, ok
}

// Failures returns the load error recorded per document.
func (r *Registry) Failures() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]error, len(r.failures))
	for k, v := range r.failures {
		out[k] = v
	}
	return out
}

// Entries lists every document seen by Initialize in registration order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.names))
	for _, name := range r.names {
		e := Entry{Name: name, DependsOn: r.deps[name]}
		if e.DependsOn == nil {
			e.DependsOn = []string{}
		}
		_, e.Compiled = r.compiled[name]
		if err, ok := r.failures[name]; ok && !e.Compiled {
			e.Error = err.Error()
		}
		out = append(out, e)
	}
	return out
}

func (r *Registry) uri(name string) string {
	return r.baseURI + name
}

func (r *Registry) track(name string, doc any) {
	if _, seen := r.docs[name]; seen {
		return
	}
	r.docs[name] = doc
	r.deps[name] = dependenciesOf(name, doc)
	r.names = append(r.names, name)
}

func (r *Registry) fail(name string, err error) {
	r.failures[name] = err
	r.logger.Error("failed to load schema", zap.String("schema", name), zap.Error(err))
}

// add registers doc under name once all its dependencies are registered.
func (r *Registry) add(name string, doc any) bool {
	r.track(name, doc)
	for _, dep := range r.deps[name] {
		if !r.added[dep] {
			r.fail(name, fmt.Errorf("depends on %s, which is not registered", dep))
			return false
		}
		if _, failed := r.failures[dep]; failed {
			if _, ok := r.compiled[dep]; !ok {
				r.fail(name, fmt.Errorf("depends on %s, which failed to load", dep))
				return false
			}
		}
	}
	if err := r.loader.AddSchema(r.uri(name), gojsonschema.NewGoLoader(stripID(doc))); err != nil {
		r.fail(name, fmt.Errorf("add schema: %w", err))
		return false
	}
	r.added[name] = true
	return true
}

func (r *Registry) compile(name string) {
	s, err := r.loader.Compile(gojsonschema.NewReferenceLoader(r.uri(name)))
	if err != nil {
		r.fail(name, fmt.Errorf("compile schema: %w", err))
		return
	}
	r.compiled[name] = s
}

// compileFallback compiles the raw token document on a fresh loader seeded
// with the dependencies that did compile.
func (r *Registry) compileFallback(doc any) {
	raw, ok := doc.(map[string]any)
	if !ok {
		return
	}
	for _, dep := range r.deps[TokenSchema] {
		if _, ok := r.compiled[dep]; !ok {
			r.logger.Error("token schema unavailable", zap.String("missing", dep))
			return
		}
	}
	fresh := gojsonschema.NewSchemaLoader()
	for _, dep := range r.deps[TokenSchema] {
		if err := fresh.AddSchema(r.uri(dep), gojsonschema.NewGoLoader(stripID(r.docs[dep]))); err != nil {
			r.logger.Error("failed to verify token schema", zap.String("schema", dep), zap.Error(err))
			return
		}
	}
	withID := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		withID[k] = v
	}
	withID["$id"] = r.uri(TokenSchema)
	s, err := fresh.Compile(gojsonschema.NewGoLoader(withID))
	if err != nil {
		r.logger.Error("failed to verify token schema", zap.Error(err))
		return
	}
	r.compiled[TokenSchema] = s
	delete(r.failures, TokenSchema)
	r.logger.Warn("token schema compiled through fallback")
}

// stripID drops the document's own $id so it is addressed only by the name
// it is registered under.
func stripID(doc any) any {
	m, ok := doc.(map[string]any)
	if !ok {
		return doc
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == "$id" {
			continue
		}
		out[k] = v
	}
	return out
}

func dependenciesOf(name string, doc any) []string {
	var deps []string
	for _, d := range Dependencies(doc) {
		if d != name {
			deps = append(deps, d)
		}
	}
	sort.Strings(deps)
	return deps
}
