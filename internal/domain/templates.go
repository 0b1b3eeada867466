package domain

import (
	"sort"
	"time"
)

// Template timestamps are frozen so preset payloads stay deterministic;
// Instantiate re-stamps them.
const (
	staticIat int64 = 1735686000
	staticExp int64 = 1735689600
)

// TokenLifetime is the validity window given to freshly stamped payloads.
const TokenLifetime = time.Hour

// Template is a named preset payload.
type Template struct {
	Key         string       `json:"key"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Payload     TokenPayload `json:"payload"`
}

// Timestamps returns iat and exp for a token issued at now.
func Timestamps(now time.Time) (int64, int64) {
	iat := now.Unix()
	return iat, iat + int64(TokenLifetime/time.Second)
}

// Instantiate copies the template payload with iat/exp set relative to now.
// task.created_at and delegation.delegation_time are re-stamped when the
// template carries them.
func (t Template) Instantiate(now time.Time) TokenPayload {
	p := t.Payload.Clone()
	iat, exp := Timestamps(now)
	p.Iat = iat
	p.Exp = exp
	if p.Task.CreatedAt != nil {
		created := iat
		p.Task.CreatedAt = &created
	}
	if p.Delegation != nil {
		p.Delegation.DelegationTime = iat
	}
	return p
}

// LookupTemplate returns the preset registered under key.
func LookupTemplate(key string) (Template, bool) {
	t, ok := templates[key]
	if !ok {
		return Template{}, false
	}
	t.Payload = t.Payload.Clone()
	return t, true
}

// TemplateKeys returns the preset keys with "blank" first.
func TemplateKeys() []string {
	keys := make([]string, 0, len(templates))
	for k := range templates {
		if k != BlankTemplate {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return append([]string{BlankTemplate}, keys...)
}

// BlankTemplate is the key of the default editor payload.
const BlankTemplate = "blank"

var templates = map[string]Template{
	BlankTemplate: {
		Key:         BlankTemplate,
		Name:        "Blank Template",
		Description: "Start from scratch with minimal required fields",
		Payload: TokenPayload{
			Iss: "https://as.example.com",
			Sub: "agent-001",
			Aud: Audience{"https://api.example.com"},
			Exp: staticExp,
			Iat: staticIat,
			Agent: AgentClaim{
				ID:       "agent-001",
				Type:     "llm-autonomous",
				Operator: "org:example",
			},
			Task: TaskClaim{
				ID:      "task-001",
				Purpose: "general_purpose",
			},
			Capabilities: []Capability{
				{Action: "api.read", Description: "Read access to API resources"},
			},
		},
	},
	"research-agent": {
		Key:         "research-agent",
		Name:        "Research Agent",
		Description: "Basic research agent with web search capability",
		Payload: TokenPayload{
			Iss: "https://as.example.com",
			Sub: "agent-researcher-01",
			Aud: Audience{"https://api.example.com"},
			Exp: staticExp,
			Iat: staticIat,
			Jti: "550e8400-e29b-41d4-a716-446655440000",
			Agent: AgentClaim{
				ID:       "agent-researcher-01",
				Type:     "llm-autonomous",
				Operator: "org:acme-corp",
				Name:     "Research Assistant",
				Version:  "1.0.0",
			},
			Task: TaskClaim{
				ID:        "task-research-001",
				Purpose:   "research_climate_data",
				CreatedAt: int64Ptr(staticIat),
				CreatedBy: "user:alice",
				Category:  "research",
			},
			Capabilities: []Capability{
				{
					Action:      "search.web",
					Description: "Search web resources within allowed domains",
					Constraints: &Constraints{
						DomainsAllowed:       []string{"example.org", "trusted.com"},
						MaxRequestsPerHour:   intPtr(100),
						MaxRequestsPerMinute: intPtr(10),
					},
				},
			},
		},
	},
	"delegated": {
		Key:         "delegated",
		Name:        "Delegated Token",
		Description: "First-level delegated token with reduced privileges",
		Payload: TokenPayload{
			Iss: "https://as.example.com",
			Sub: "agent-researcher-01",
			Aud: Audience{"https://tool-scraper.example.com"},
			Exp: staticExp,
			Iat: staticIat,
			Jti: "550e8400-e29b-41d4-a716-446655440002",
			Agent: AgentClaim{
				ID:       "agent-researcher-01",
				Type:     "llm-autonomous",
				Operator: "org:acme-corp",
				Name:     "Research Assistant",
				Version:  "1.0.0",
			},
			Task: TaskClaim{
				ID:        "task-research-001",
				Purpose:   "research_climate_data",
				CreatedAt: int64Ptr(staticIat),
				CreatedBy: "user:alice",
				Category:  "research",
			},
			Capabilities: []Capability{
				{
					Action:      "search.web",
					Description: "Search web resources within allowed domains",
					Constraints: &Constraints{
						DomainsAllowed:       []string{"example.org"},
						MaxRequestsPerHour:   intPtr(50),
						MaxRequestsPerMinute: intPtr(5),
					},
				},
			},
			Delegation: &Delegation{
				DelegatorID:     "agent-researcher-01",
				DelegationTime:  staticIat,
				Depth:           1,
				MaxDepth:        intPtr(2),
				DelegationChain: []string{"agent-researcher-01", "tool-scraper"},
			},
		},
	},
	"cms-agent": {
		Key:         "cms-agent",
		Name:        "CMS Agent with Oversight",
		Description: "Content management agent requiring human approval",
		Payload: TokenPayload{
			Iss: "https://as.example.com",
			Sub: "agent-cms-01",
			Aud: Audience{"https://cms.example.com"},
			Exp: staticExp,
			Iat: staticIat,
			Agent: AgentClaim{
				ID:       "agent-cms-01",
				Type:     "software",
				Operator: "org:acme-corp",
				Name:     "CMS Publishing Agent",
				Version:  "2.0.0",
			},
			Task: TaskClaim{
				ID:       "task-cms-publish-001",
				Purpose:  "publish_article",
				Priority: "high",
				Category: "content-management",
			},
			Capabilities: []Capability{
				{Action: "cms.read", Description: "Read articles and drafts"},
				{Action: "cms.draft", Description: "Create and update drafts"},
				{
					Action:      "cms.publish",
					Description: "Publish articles (requires approval)",
					Constraints: &Constraints{MaxRequestsPerHour: intPtr(10)},
				},
			},
			Oversight: &Oversight{
				Required:                 true,
				Mode:                     "pre_approval",
				ActionsRequiringApproval: []string{"cms.publish"},
			},
		},
	},
	"time-constrained": {
		Key:         "time-constrained",
		Name:        "Time-Constrained Agent",
		Description: "Agent with time window restrictions",
		Payload: TokenPayload{
			Iss: "https://as.example.com",
			Sub: "agent-backup-01",
			Aud: Audience{"https://storage.example.com"},
			Exp: staticExp,
			Iat: staticIat,
			Agent: AgentClaim{
				ID:       "agent-backup-01",
				Type:     "software",
				Operator: "org:acme-corp",
				Name:     "Backup Agent",
				Version:  "1.0.0",
			},
			Task: TaskClaim{
				ID:       "task-backup-001",
				Purpose:  "nightly_backup",
				Priority: "medium",
				Category: "operations",
			},
			Capabilities: []Capability{
				{
					Action:      "storage.write",
					Description: "Write backup files during maintenance window",
					Constraints: &Constraints{
						TimeWindow:     &TimeWindow{Start: "22:00:00Z", End: "06:00:00Z"},
						MaxFileSizeMB:  float64Ptr(1000),
						DomainsAllowed: []string{"backup.example.com"},
					},
				},
			},
		},
	},
}

func intPtr(v int) *int             { return &v }
func int64Ptr(v int64) *int64       { return &v }
func float64Ptr(v float64) *float64 { return &v }
