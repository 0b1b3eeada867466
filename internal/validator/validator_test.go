package validator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aapkit/internal/domain"
	"aapkit/internal/schema"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	docs, err := schema.LoadFS(schema.Embedded(), nil)
	require.NoError(t, err)
	reg := schema.NewRegistry()
	reg.Initialize(docs)
	return New(reg)
}

func blankPayload(t *testing.T) map[string]any {
	t.Helper()
	tpl, ok := domain.LookupTemplate(domain.BlankTemplate)
	require.True(t, ok)
	m, err := tpl.Payload.Map()
	require.NoError(t, err)
	return m
}

func messages(res domain.ValidationResult) []string {
	out := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		out = append(out, e.Message)
	}
	return out
}

func TestUninitializedRegistry(t *testing.T) {
	v := New(schema.NewRegistry())
	res := v.Validate(map[string]any{})
	assert.False(t, res.Valid)
	assert.Equal(t, []domain.FieldError{{Message: "Schemas not initialized. Call initializeSchemas first."}}, res.Errors)

	res = v.ValidateTaskClaim(map[string]any{})
	assert.Equal(t, "Schemas not initialized. Call initializeSchemas first.", res.Errors[0].Message)
}

func TestMissingTokenSchema(t *testing.T) {
	docs, err := schema.LoadFS(schema.Embedded(), nil)
	require.NoError(t, err)
	delete(docs, schema.TokenSchema)
	delete(docs, schema.AgentSchema)
	reg := schema.NewRegistry()
	reg.Initialize(docs)
	v := New(reg)

	assert.Equal(t, domain.Invalid("Token schema not found"), v.Validate(blankPayload(t)))
	assert.Equal(t, domain.Invalid("Agent schema not found"), v.ValidateAgentClaim(map[string]any{}))
	assert.True(t, v.ValidateTaskClaim(map[string]any{"id": "t", "purpose": "p"}).Valid)
}

func TestTemplatesAreValid(t *testing.T) {
	v := newValidator(t)
	for _, key := range domain.TemplateKeys() {
		tpl, _ := domain.LookupTemplate(key)
		res := v.Validate(tpl.Payload)
		assert.True(t, res.Valid, "%s: %v", key, res.Errors)
		assert.NotNil(t, res.Errors)
		assert.Empty(t, res.Errors)
	}
}

func TestMissingRequiredField(t *testing.T) {
	v := newValidator(t)
	p := blankPayload(t)
	delete(p, "sub")

	res := v.Validate(p)
	require.False(t, res.Valid)
	assert.Contains(t, res.Errors, domain.FieldError{Message: "Missing required field: sub", Path: "#/required"})
}

func TestEnumViolation(t *testing.T) {
	v := newValidator(t)
	p := blankPayload(t)
	p["agent"].(map[string]any)["type"] = "robot"

	res := v.Validate(p)
	require.False(t, res.Valid)
	assert.Contains(t, res.Errors, domain.FieldError{
		Message: "Invalid value: must be one of llm-autonomous, software, model-based, hybrid, rpa-bot",
		Path:    "/agent/type",
	})
}

func TestEmptyCapabilities(t *testing.T) {
	v := newValidator(t)
	p := blankPayload(t)
	p["capabilities"] = []any{}

	res := v.Validate(p)
	require.False(t, res.Valid)
	assert.Contains(t, res.Errors, domain.FieldError{
		Message: "capabilities: must have at least 1 item(s)",
		Path:    "/capabilities",
	})
}

func TestEmptyTaskID(t *testing.T) {
	v := newValidator(t)
	p := blankPayload(t)
	p["task"].(map[string]any)["id"] = ""

	res := v.Validate(p)
	require.False(t, res.Valid)
	assert.Contains(t, res.Errors, domain.FieldError{Message: "id: cannot be empty", Path: "/task/id"})
}

func TestTypeFormatAndBounds(t *testing.T) {
	v := newValidator(t)
	p := blankPayload(t)
	p["exp"] = "soon"
	p["iss"] = "not a uri"
	p["capabilities"] = []any{
		map[string]any{"action": "api.read", "constraints": map[string]any{"max_requests_per_hour": 0}},
	}

	res := v.Validate(p)
	require.False(t, res.Valid)
	assert.Contains(t, res.Errors, domain.FieldError{Message: "Invalid type: expected integer", Path: "/exp"})
	assert.Contains(t, res.Errors, domain.FieldError{Message: "Invalid format: uri", Path: "/iss"})
	assert.Contains(t, res.Errors, domain.FieldError{
		Message: "Value must be minimum 1",
		Path:    "/capabilities/0/constraints/max_requests_per_hour",
	})
}

func TestCollectsAllViolations(t *testing.T) {
	v := newValidator(t)
	p := blankPayload(t)
	delete(p, "sub")
	p["agent"].(map[string]any)["type"] = "robot"
	p["task"].(map[string]any)["id"] = ""
	p["capabilities"] = []any{}

	res := v.Validate(p)
	require.False(t, res.Valid)
	msgs := messages(res)
	assert.Contains(t, msgs, "Missing required field: sub")
	assert.Contains(t, msgs, "id: cannot be empty")
	assert.Contains(t, msgs, "capabilities: must have at least 1 item(s)")
	assert.GreaterOrEqual(t, len(msgs), 4)
}

func TestAudienceStringAndArrayAreEquivalent(t *testing.T) {
	v := newValidator(t)

	single := blankPayload(t)
	single["aud"] = "https://api.example.com"
	many := blankPayload(t)
	many["aud"] = []any{"https://api.example.com"}

	assert.True(t, v.Validate(single).Valid)
	assert.True(t, v.Validate(many).Valid)

	tpl, _ := domain.LookupTemplate(domain.BlankTemplate)
	typed := tpl.Payload
	typed.Aud = domain.Audience{"https://a.example.com", "https://b.example.com"}
	assert.True(t, v.Validate(typed).Valid)

	empty := blankPayload(t)
	empty["aud"] = []any{}
	assert.False(t, v.Validate(empty).Valid)
}

func TestClaimValidators(t *testing.T) {
	v := newValidator(t)

	assert.True(t, v.ValidateAgentClaim(map[string]any{"id": "a", "type": "software", "operator": "org:x"}).Valid)

	res := v.ValidateAgentClaim(map[string]any{"id": "a", "type": "software"})
	assert.Equal(t, []string{"Missing required field: operator"}, messages(res))

	res = v.ValidateCapabilitiesClaim([]any{})
	assert.Equal(t, []domain.FieldError{{Message: "minItems: must have at least 1 item(s)", Path: "#/minItems"}}, res.Errors)

	res, err := v.Claim("task", map[string]any{"id": "t"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Missing required field: purpose"}, messages(res))

	_, err = v.Claim("audit", map[string]any{})
	assert.Error(t, err)
}

func TestUnencodablePayload(t *testing.T) {
	v := newValidator(t)
	res := v.Validate(map[string]any{"bad": make(chan int)})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "Validation error")
}

func TestConcurrentValidation(t *testing.T) {
	v := newValidator(t)
	p := blankPayload(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, v.Validate(p).Valid)
		}()
	}
	wg.Wait()
}

func TestNormalizeFallbacks(t *testing.T) {
	cases := []struct {
		name string
		in   Violation
		want domain.FieldError
	}{
		{
			name: "unmapped keyword keeps engine message",
			in:   Violation{Keyword: "pattern", InstancePath: "/capabilities/0/action", Message: "Does not match pattern"},
			want: domain.FieldError{Message: "Does not match pattern", Path: "/capabilities/0/action"},
		},
		{
			name: "minLength without a segment",
			in:   Violation{Keyword: "minLength"},
			want: domain.FieldError{Message: "field: cannot be empty"},
		},
		{
			name: "minItems without a segment",
			in:   Violation{Keyword: "minItems", Params: map[string]any{"limit": 2}},
			want: domain.FieldError{Message: "array: must have at least 2 item(s)"},
		},
		{
			name: "maximum",
			in:   Violation{Keyword: "maximum", InstancePath: "/x", Params: map[string]any{"limit": 10}},
			want: domain.FieldError{Message: "Value must be maximum 10", Path: "/x"},
		},
		{
			name: "empty message",
			in:   Violation{Keyword: "custom", SchemaPath: "#/custom"},
			want: domain.FieldError{Message: "Validation error", Path: "#/custom"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.in))
		})
	}
}
