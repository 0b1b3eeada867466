package validator

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"aapkit/internal/domain"
	"aapkit/internal/schema"
)

const msgNotInitialized = "Schemas not initialized. Call initializeSchemas first."

// Func validates one payload. The live controller consumes validators in
// this form.
type Func func(payload any) domain.ValidationResult

// Validator checks payloads against the compiled documents of a Registry.
// It never mutates the payload or the registry.
type Validator struct {
	reg *schema.Registry
}

func New(reg *schema.Registry) *Validator {
	return &Validator{reg: reg}
}

// Validate checks a complete token payload and reports every violation.
func (v *Validator) Validate(payload any) domain.ValidationResult {
	return v.run(schema.TokenSchema, "Token schema not found", payload)
}

func (v *Validator) ValidateAgentClaim(claim any) domain.ValidationResult {
	return v.run(schema.AgentSchema, "Agent schema not found", claim)
}

func (v *Validator) ValidateTaskClaim(claim any) domain.ValidationResult {
	return v.run(schema.TaskSchema, "Task schema not found", claim)
}

func (v *Validator) ValidateCapabilitiesClaim(claim any) domain.ValidationResult {
	return v.run(schema.CapabilitiesSchema, "Capabilities schema not found", claim)
}

// Claim validates against the sub-schema for a named claim: agent, task or
// capabilities.
func (v *Validator) Claim(name string, value any) (domain.ValidationResult, error) {
	switch name {
	case "agent":
		return v.ValidateAgentClaim(value), nil
	case "task":
		return v.ValidateTaskClaim(value), nil
	case "capabilities":
		return v.ValidateCapabilitiesClaim(value), nil
	default:
		return domain.ValidationResult{}, fmt.Errorf("unknown claim %q", name)
	}
}

func (v *Validator) run(name, missing string, payload any) domain.ValidationResult {
	if v == nil || v.reg == nil || !v.reg.Initialized() {
		return domain.Invalid(msgNotInitialized)
	}
	s, ok := v.reg.Validator(name)
	if !ok {
		return domain.Invalid(missing)
	}
	res, err := s.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return domain.Invalid(fmt.Sprintf("Validation error: %v", err))
	}
	if res.Valid() {
		return domain.ValidationResult{Valid: true, Errors: []domain.FieldError{}}
	}
	return domain.ValidationResult{Valid: false, Errors: NormalizeAll(res.Errors())}
}
