package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func embeddedDocs(t *testing.T) map[string]any {
	t.Helper()
	docs, err := LoadFS(Embedded(), nil)
	require.NoError(t, err)
	return docs
}

func TestEmbeddedSchemasCompile(t *testing.T) {
	docs := embeddedDocs(t)
	require.Len(t, docs, len(LoadOrder))

	r := NewRegistry()
	r.Initialize(docs)
	require.True(t, r.Initialized())
	assert.Empty(t, r.Failures())

	for _, name := range LoadOrder {
		_, ok := r.Validator(name)
		assert.True(t, ok, name)
	}

	entries := r.Entries()
	require.Len(t, entries, len(LoadOrder))
	assert.Equal(t, ConstraintsSchema, entries[0].Name)
	assert.Equal(t, TokenSchema, entries[len(entries)-1].Name)
	assert.Equal(t, []string{ConstraintsSchema}, entries[3].DependsOn)
}

func TestTokenValidatorResolvesReferences(t *testing.T) {
	r := NewRegistry()
	r.Initialize(embeddedDocs(t))
	s, ok := r.Validator(TokenSchema)
	require.True(t, ok)

	payload := map[string]any{
		"iss": "https://as.example.com",
		"sub": "agent-001",
		"aud": "https://api.example.com",
		"exp": 1735689600,
		"iat": 1735686000,
		"agent": map[string]any{
			"id": "agent-001", "type": "robot", "operator": "org:example",
		},
		"task": map[string]any{"id": "task-001", "purpose": "p"},
		"capabilities": []any{
			map[string]any{"action": "api.read", "constraints": map[string]any{"max_requests_per_hour": 0}},
		},
	}
	res, err := s.Validate(gojsonschema.NewGoLoader(payload))
	require.NoError(t, err)
	assert.False(t, res.Valid())

	var fields []string
	for _, e := range res.Errors() {
		fields = append(fields, e.Field())
	}
	assert.Contains(t, fields, "agent.type")
	assert.Contains(t, fields, "capabilities.0.constraints.max_requests_per_hour")
}

func TestInitializeRunsOnce(t *testing.T) {
	r := NewRegistry()
	r.Initialize(embeddedDocs(t))
	r.Initialize(map[string]any{"other.schema.json": map[string]any{"type": "object"}})

	_, ok := r.Validator("other.schema.json")
	assert.False(t, ok)
	assert.Len(t, r.Entries(), len(LoadOrder))
}

func TestInitializeWithoutDocumentsStaysUninitialized(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	r := NewRegistry(WithLogger(zap.New(core)))
	r.Initialize(nil)

	assert.False(t, r.Initialized())
	assert.Equal(t, 1, logs.FilterMessage("no schemas provided to initialize").Len())

	r.Initialize(embeddedDocs(t))
	assert.True(t, r.Initialized())
}

func TestMalformedDocumentIsIsolated(t *testing.T) {
	docs := embeddedDocs(t)
	docs[AgentSchema] = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{"type": "string", "minLength": "one"},
		},
	}
	core, logs := observer.New(zap.ErrorLevel)
	r := NewRegistry(WithLogger(zap.New(core)))
	r.Initialize(docs)

	require.True(t, r.Initialized())
	failures := r.Failures()
	assert.Contains(t, failures, AgentSchema)
	assert.Contains(t, failures, TokenSchema)
	assert.ErrorContains(t, failures[TokenSchema], AgentSchema)

	_, ok := r.Validator(AgentSchema)
	assert.False(t, ok)
	_, ok = r.Validator(TaskSchema)
	assert.True(t, ok)
	_, ok = r.Validator(TokenSchema)
	assert.False(t, ok)

	assert.GreaterOrEqual(t, logs.FilterMessage("failed to load schema").Len(), 2)
}

func TestMissingDependencyFailsDependent(t *testing.T) {
	docs := embeddedDocs(t)
	delete(docs, ConstraintsSchema)

	r := NewRegistry()
	r.Initialize(docs)

	err := r.Failures()[CapabilitiesSchema]
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends on "+ConstraintsSchema+", which is not registered")

	_, ok := r.Validator(AgentSchema)
	assert.True(t, ok)
}

func TestExtraDocumentsLoadInDependencyOrder(t *testing.T) {
	docs := embeddedDocs(t)
	docs["x-profile.schema.json"] = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"owner":  map[string]any{"$ref": "x-owner.schema.json"},
			"caller": map[string]any{"$ref": AgentSchema},
		},
	}
	docs["x-owner.schema.json"] = map[string]any{
		"type":     "object",
		"required": []any{"name"},
	}

	r := NewRegistry()
	r.Initialize(docs)
	require.Empty(t, r.Failures())

	entries := r.Entries()
	require.Len(t, entries, len(LoadOrder)+2)
	assert.Equal(t, "x-owner.schema.json", entries[len(LoadOrder)].Name)
	assert.Equal(t, "x-profile.schema.json", entries[len(LoadOrder)+1].Name)
	assert.Equal(t, []string{AgentSchema, "x-owner.schema.json"}, entries[len(LoadOrder)+1].DependsOn)

	s, ok := r.Validator("x-profile.schema.json")
	require.True(t, ok)
	res, err := s.Validate(gojsonschema.NewGoLoader(map[string]any{"owner": map[string]any{}}))
	require.NoError(t, err)
	assert.False(t, res.Valid())
}

func TestCyclicExtraDocumentsFail(t *testing.T) {
	docs := embeddedDocs(t)
	docs["x-a.schema.json"] = map[string]any{"$ref": "x-b.schema.json"}
	docs["x-b.schema.json"] = map[string]any{"$ref": "x-a.schema.json"}

	r := NewRegistry()
	r.Initialize(docs)

	failures := r.Failures()
	assert.Contains(t, failures, "x-a.schema.json")
	assert.Contains(t, failures, "x-b.schema.json")
	_, ok := r.Validator(TokenSchema)
	assert.True(t, ok)
}

func TestDependencies(t *testing.T) {
	doc := map[string]any{
		"properties": map[string]any{
			"a": map[string]any{"$ref": "aap-agent.schema.json"},
			"b": map[string]any{"$ref": "https://aap-protocol.dev/schemas/aap-task.schema.json#/properties/id"},
			"c": map[string]any{"$ref": "#/definitions/local"},
			"d": map[string]any{"items": []any{map[string]any{"$ref": "aap-agent.schema.json"}}},
		},
	}
	assert.Equal(t, []string{AgentSchema, TaskSchema}, Dependencies(doc))
}

func TestNamesOrdersCoreFirst(t *testing.T) {
	docs := embeddedDocs(t)
	docs["a-extra.schema.json"] = map[string]any{}
	names := Names(docs)
	assert.Equal(t, LoadOrder, names[:len(LoadOrder)])
	assert.Equal(t, "a-extra.schema.json", names[len(names)-1])
	assert.True(t, IsDocumentName("a-extra.schema.json"))
	assert.False(t, IsDocumentName("../x.schema.json"))
}
