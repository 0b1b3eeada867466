package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// AgentTypes lists the values accepted for agent.type.
var AgentTypes = []string{"llm-autonomous", "software", "model-based", "hybrid", "rpa-bot"}

// TokenPayload is the claims set of an AAP token.
type TokenPayload struct {
	Iss          string       `json:"iss"`
	Sub          string       `json:"sub"`
	Aud          Audience     `json:"aud"`
	Exp          int64        `json:"exp"`
	Iat          int64        `json:"iat"`
	Nbf          *int64       `json:"nbf,omitempty"`
	Jti          string       `json:"jti,omitempty"`
	Scope        string       `json:"scope,omitempty"`
	Agent        AgentClaim   `json:"agent"`
	Task         TaskClaim    `json:"task"`
	Capabilities []Capability `json:"capabilities"`
	Oversight    *Oversight   `json:"oversight,omitempty"`
	Delegation   *Delegation  `json:"delegation,omitempty"`
	Context      *Context     `json:"context,omitempty"`
	Audit        *Audit       `json:"audit,omitempty"`
	Cnf          *Cnf         `json:"cnf,omitempty"`

	// Extra holds top-level claims outside the model.
	Extra map[string]any `json:"-"`
	// Unset lists required claims that are absent from the payload.
	Unset []string `json:"-"`
}

var requiredClaims = []string{"iss", "sub", "aud", "exp", "iat", "agent", "task", "capabilities"}

var knownClaims = map[string]bool{
	"iss": true, "sub": true, "aud": true, "exp": true, "iat": true, "nbf": true,
	"jti": true, "scope": true, "agent": true, "task": true, "capabilities": true,
	"oversight": true, "delegation": true, "context": true, "audit": true, "cnf": true,
}

type payloadFields TokenPayload

func (p TokenPayload) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(payloadFields(p))
	if err != nil || (len(p.Extra) == 0 && len(p.Unset) == 0) {
		return data, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for _, k := range p.Unset {
		delete(m, k)
	}
	for k, v := range p.Extra {
		if knownClaims[k] {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode claim %s: %w", k, err)
		}
		m[k] = raw
	}
	return json.Marshal(m)
}

// UnmarshalJSON keeps unknown claims in Extra and records absent required
// claims in Unset, so a decode/encode round trip preserves both.
func (p *TokenPayload) UnmarshalJSON(data []byte) error {
	var fields payloadFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	out := TokenPayload(fields)
	out.Extra, out.Unset = nil, nil
	for k, raw := range m {
		if knownClaims[k] {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if out.Extra == nil {
			out.Extra = map[string]any{}
		}
		out.Extra[k] = v
	}
	for _, k := range requiredClaims {
		if _, ok := m[k]; !ok {
			out.Unset = append(out.Unset, k)
		}
	}
	*p = out
	return nil
}

type AgentClaim struct {
	ID              string `json:"id"`
	Type            string `json:"type" enum:"llm-autonomous,software,model-based,hybrid,rpa-bot"`
	Operator        string `json:"operator"`
	Name            string `json:"name,omitempty"`
	Version         string `json:"version,omitempty"`
	Model           string `json:"model,omitempty"`
	Description     string `json:"description,omitempty"`
	CapabilitiesURI string `json:"capabilities_uri,omitempty"`
}

type TaskClaim struct {
	ID             string `json:"id"`
	Purpose        string `json:"purpose"`
	CreatedBy      string `json:"created_by,omitempty"`
	CreatedAt      *int64 `json:"created_at,omitempty"`
	Priority       string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	Category       string `json:"category,omitempty"`
	ExpiresAt      *int64 `json:"expires_at,omitempty"`
	InputContext   string `json:"input_context,omitempty"`
	ExpectedOutput string `json:"expected_output,omitempty"`
}

type Capability struct {
	Action      string       `json:"action"`
	Description string       `json:"description,omitempty"`
	Constraints *Constraints `json:"constraints,omitempty"`
	Resources   []string     `json:"resources,omitempty"`
	Priority    string       `json:"priority,omitempty" enum:"low,medium,high,critical"`
}

// Constraints are independent limiters; every field is optional.
type Constraints struct {
	MaxRequestsPerHour     *int                    `json:"max_requests_per_hour,omitempty"`
	MaxRequestsPerMinute   *int                    `json:"max_requests_per_minute,omitempty"`
	MaxRequestsPerDay      *int                    `json:"max_requests_per_day,omitempty"`
	MaxCostUSD             *float64                `json:"max_cost_usd,omitempty"`
	MaxTokensPerRequest    *int                    `json:"max_tokens_per_request,omitempty"`
	MaxFileSizeMB          *float64                `json:"max_file_size_mb,omitempty"`
	DomainsAllowed         []string                `json:"domains_allowed,omitempty"`
	DomainsBlocked         []string                `json:"domains_blocked,omitempty"`
	TimeWindow             *TimeWindow             `json:"time_window,omitempty"`
	AllowedMethods         []string                `json:"allowed_methods,omitempty"`
	RateLimit              *RateLimit              `json:"rate_limit,omitempty"`
	GeographicRestrictions *GeographicRestrictions `json:"geographic_restrictions,omitempty"`
}

type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type RateLimit struct {
	Requests int    `json:"requests"`
	Period   string `json:"period"`
}

type GeographicRestrictions struct {
	AllowedCountries []string `json:"allowed_countries,omitempty"`
	BlockedCountries []string `json:"blocked_countries,omitempty"`
}

type Oversight struct {
	Required                 bool     `json:"required"`
	Mode                     string   `json:"mode,omitempty" enum:"pre_approval,notification,audit_only"`
	ActionsRequiringApproval []string `json:"actions_requiring_approval,omitempty"`
	NotificationEndpoint     string   `json:"notification_endpoint,omitempty"`
	ApprovalTimeoutSeconds   *int     `json:"approval_timeout_seconds,omitempty"`
}

type Delegation struct {
	DelegatorID       string   `json:"delegator_id"`
	DelegatorType     string   `json:"delegator_type,omitempty"`
	DelegationTime    int64    `json:"delegation_time"`
	Depth             int      `json:"depth"`
	MaxDepth          *int     `json:"max_depth,omitempty"`
	OriginalPrincipal string   `json:"original_principal,omitempty"`
	DelegationChain   []string `json:"delegation_chain,omitempty"`
}

type Context struct {
	SessionID     string         `json:"session_id,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Environment   string         `json:"environment,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type Audit struct {
	LogEndpoint    string   `json:"log_endpoint,omitempty"`
	LogLevel       string   `json:"log_level,omitempty" enum:"debug,info,warning,error"`
	RequiredFields []string `json:"required_fields,omitempty"`
	RetentionDays  *int     `json:"retention_days,omitempty"`
}

type Cnf struct {
	Jkt string `json:"jkt,omitempty"`
	Kid string `json:"kid,omitempty"`
}

// Clone returns a deep copy of the payload.
func (p TokenPayload) Clone() TokenPayload {
	data, err := json.Marshal(p)
	if err != nil {
		return p
	}
	var out TokenPayload
	if err := json.Unmarshal(data, &out); err != nil {
		return p
	}
	if out.Capabilities == nil {
		out.Capabilities = []Capability{}
	}
	return out
}

// Map returns the payload as a generic JSON object.
func (p TokenPayload) Map() (map[string]any, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// Audience holds the aud claim. It decodes from a string or an array of
// strings and always stores a list; a single value encodes back as a string.
type Audience []string

func (a Audience) MarshalJSON() ([]byte, error) {
	switch len(a) {
	case 0:
		return []byte(`""`), nil
	case 1:
		return json.Marshal(a[0])
	default:
		return json.Marshal([]string(a))
	}
}

func (a *Audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*a = Audience{}
		} else {
			*a = Audience{single}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("aud must be a string or an array of strings")
	}
	*a = Audience(many)
	return nil
}

// FieldError is one normalized validation failure.
type FieldError struct {
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// ValidationResult is the outcome of one validation run.
type ValidationResult struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors"`
}

// Invalid builds a failed result carrying a single message.
func Invalid(message string) ValidationResult {
	return ValidationResult{Valid: false, Errors: []FieldError{{Message: message}}}
}

// Algorithms lists the supported HMAC signing algorithms.
var Algorithms = []string{"HS256", "HS384", "HS512"}

// Signing defaults used when a request leaves them empty.
const (
	DefaultAlgorithm = "HS256"
	DefaultSecret    = "demo-secret-key-change-in-production"
)

// SignRequest is the body accepted by the token signer.
type SignRequest struct {
	Payload   map[string]any `json:"payload,omitempty"`
	Secret    string         `json:"secret,omitempty"`
	Algorithm string         `json:"algorithm,omitempty" enum:"HS256,HS384,HS512"`
}

// DecodedToken is the header and claims of a signed token.
type DecodedToken struct {
	Header  map[string]any `json:"header"`
	Payload map[string]any `json:"payload"`
}

// SignResponse is the signer's reply.
type SignResponse struct {
	Success bool          `json:"success"`
	Token   string        `json:"token,omitempty"`
	Decoded *DecodedToken `json:"decoded,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Event is one issuance log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}
