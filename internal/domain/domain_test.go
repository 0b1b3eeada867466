package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudienceAcceptsStringAndArray(t *testing.T) {
	var single, many Audience
	require.NoError(t, json.Unmarshal([]byte(`"https://api.example.com"`), &single))
	require.NoError(t, json.Unmarshal([]byte(`["https://a.example.com","https://b.example.com"]`), &many))

	assert.Equal(t, Audience{"https://api.example.com"}, single)
	assert.Equal(t, Audience{"https://a.example.com", "https://b.example.com"}, many)

	var bad Audience
	assert.Error(t, json.Unmarshal([]byte(`42`), &bad))
}

func TestAudienceEncoding(t *testing.T) {
	cases := []struct {
		in   Audience
		want string
	}{
		{Audience{}, `""`},
		{Audience{"x"}, `"x"`},
		{Audience{"x", "y"}, `["x","y"]`},
	}
	for _, tc := range cases {
		got, err := json.Marshal(tc.in)
		require.NoError(t, err)
		assert.JSONEq(t, tc.want, string(got))
	}
}

func TestCloneIsDeep(t *testing.T) {
	tpl, ok := LookupTemplate("research-agent")
	require.True(t, ok)
	orig := tpl.Payload
	cp := orig.Clone()
	cp.Capabilities[0].Constraints.DomainsAllowed[0] = "evil.example"
	*cp.Task.CreatedAt = 1

	assert.Equal(t, "example.org", orig.Capabilities[0].Constraints.DomainsAllowed[0])
	assert.Equal(t, staticIat, *orig.Task.CreatedAt)
}

func TestInstantiateRestampsTimestamps(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tpl, ok := LookupTemplate("delegated")
	require.True(t, ok)

	p := tpl.Instantiate(now)
	assert.Equal(t, now.Unix(), p.Iat)
	assert.Equal(t, now.Unix()+3600, p.Exp)
	require.NotNil(t, p.Task.CreatedAt)
	assert.Equal(t, now.Unix(), *p.Task.CreatedAt)
	require.NotNil(t, p.Delegation)
	assert.Equal(t, now.Unix(), p.Delegation.DelegationTime)

	// Templates without created_at keep it absent.
	cms, _ := LookupTemplate("cms-agent")
	assert.Nil(t, cms.Instantiate(now).Task.CreatedAt)
	assert.Nil(t, cms.Instantiate(now).Delegation)
}

func TestTemplateKeysBlankFirst(t *testing.T) {
	keys := TemplateKeys()
	require.NotEmpty(t, keys)
	assert.Equal(t, BlankTemplate, keys[0])
	assert.ElementsMatch(t, []string{"blank", "research-agent", "delegated", "cms-agent", "time-constrained"}, keys)

	_, ok := LookupTemplate("nope")
	assert.False(t, ok)
}

func TestPayloadMap(t *testing.T) {
	tpl, _ := LookupTemplate(BlankTemplate)
	m, err := tpl.Payload.Map()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", m["aud"])
	assert.NotContains(t, m, "oversight")
	assert.Len(t, m["capabilities"], 1)
}

func TestPayloadKeepsExtraAndMissingClaims(t *testing.T) {
	in := `{"iss":"https://auth.example.com","aud":"https://api.example.com","exp":20,"iat":10,
		"agent":{"id":"a","type":"software","operator":"org:x"},"task":{"id":"t","purpose":"p"},
		"capabilities":[],"x_trace":{"span":"abc"}}`
	var p TokenPayload
	require.NoError(t, json.Unmarshal([]byte(in), &p))
	assert.Equal(t, []string{"sub"}, p.Unset)
	assert.Equal(t, map[string]any{"x_trace": map[string]any{"span": "abc"}}, p.Extra)

	m, err := p.Clone().Map()
	require.NoError(t, err)
	assert.NotContains(t, m, "sub")
	assert.Equal(t, map[string]any{"span": "abc"}, m["x_trace"])

	// Extra never shadows a modelled claim.
	p.Extra["iss"] = "spoofed"
	m, err = p.Map()
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com", m["iss"])

	var full TokenPayload
	require.NoError(t, json.Unmarshal([]byte(`{"iss":"i","sub":"s","aud":"a","exp":1,"iat":1,"agent":{},"task":{},"capabilities":[]}`), &full))
	assert.Nil(t, full.Unset)
	assert.Nil(t, full.Extra)
}
