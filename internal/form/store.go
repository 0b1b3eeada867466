// Package form holds the editable token payload and the signing secret, and
// drives token generation through a Signer.
package form

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"aapkit/internal/domain"
)

const msgGenerateFailed = "Failed to generate token"

// Signer turns a signing request into a token. The issuance engine and the
// HTTP SDK client both satisfy it.
type Signer interface {
	IssueToken(ctx context.Context, req domain.SignRequest) (domain.SignResponse, error)
}

// State is one immutable snapshot of the form.
type State struct {
	Payload        domain.TokenPayload `json:"payload"`
	SecretKey      string              `json:"secret_key"`
	Algorithm      string              `json:"algorithm,omitempty"`
	GeneratedToken string              `json:"generated_token"`
	Error          string              `json:"error"`
	Loading        bool                `json:"loading"`
	Revision       uint64              `json:"revision"`
}

func (s State) clone() State {
	s.Payload = s.Payload.Clone()
	return s
}

// DefaultState is the blank template with the demo secret.
func DefaultState() State {
	tpl, _ := domain.LookupTemplate(domain.BlankTemplate)
	return State{
		Payload:   tpl.Payload,
		SecretKey: domain.DefaultSecret,
	}
}

type Option func(*Store)

// WithClock overrides time.Now for template and timestamp stamping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithOnGenerated registers the hook fired after a token is generated.
func WithOnGenerated(fn func(token string)) Option {
	return func(s *Store) { s.onGenerated = fn }
}

// WithSecret replaces the initial secret.
func WithSecret(secret string) Option {
	return func(s *Store) {
		if secret != "" {
			s.state.SecretKey = secret
		}
	}
}

func WithAlgorithm(alg string) Option {
	return func(s *Store) { s.state.Algorithm = alg }
}

// Store serializes every change to the form state. Each operation builds
// a new State and swaps it in; readers always see a complete snapshot.
type Store struct {
	signer      Signer
	now         func() time.Time
	logger      *zap.Logger
	onGenerated func(string)

	mu     sync.Mutex
	state  State
	subs   map[int]func(State)
	nextID int
}

func New(signer Signer, opts ...Option) *Store {
	s := &Store{
		signer: signer,
		now:    time.Now,
		logger: zap.NewNop(),
		state:  DefaultState(),
		subs:   map[int]func(State){},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe calls fn after every committed change. The returned function
// removes the subscription.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// UpdateField sets a top-level payload field by its JSON name. A nil value
// removes the field.
func (s *Store) UpdateField(field string, value any) (State, error) {
	return s.updatePayload(func(p *domain.TokenPayload) error {
		next, err := setField(*p, field, value)
		if err != nil {
			return err
		}
		*p = next
		return nil
	})
}

func (s *Store) UpdateAgentField(field string, value any) (State, error) {
	return s.updatePayload(func(p *domain.TokenPayload) error {
		next, err := setField(p.Agent, field, value)
		if err != nil {
			return fmt.Errorf("agent: %w", err)
		}
		p.Agent = next
		return nil
	})
}

func (s *Store) UpdateTaskField(field string, value any) (State, error) {
	return s.updatePayload(func(p *domain.TokenPayload) error {
		next, err := setField(p.Task, field, value)
		if err != nil {
			return fmt.Errorf("task: %w", err)
		}
		p.Task = next
		return nil
	})
}

// SetCapabilities replaces the capability list; nil becomes empty.
func (s *Store) SetCapabilities(caps []domain.Capability) State {
	st, _ := s.updatePayload(func(p *domain.TokenPayload) error {
		p.Capabilities = append([]domain.Capability{}, caps...)
		return nil
	})
	return st
}

// LoadTemplate replaces the payload with a fresh copy of the named preset
// and clears the last token and error. Unknown keys leave the state as is.
func (s *Store) LoadTemplate(key string) State {
	tpl, ok := domain.LookupTemplate(key)
	if !ok {
		return s.State()
	}
	payload := tpl.Instantiate(s.now())
	st, _ := s.commit(func(st *State) error {
		st.Payload = payload
		st.Revision++
		st.GeneratedToken = ""
		st.Error = ""
		return nil
	})
	return st
}

func (s *Store) SetSecretKey(secret string) State {
	st, _ := s.commit(func(st *State) error {
		st.SecretKey = secret
		return nil
	})
	return st
}

func (s *Store) SetAlgorithm(alg string) State {
	st, _ := s.commit(func(st *State) error {
		st.Algorithm = alg
		return nil
	})
	return st
}

// UpdateTimestamps sets iat to now and exp one token lifetime later.
func (s *Store) UpdateTimestamps() State {
	iat, exp := domain.Timestamps(s.now())
	st, _ := s.updatePayload(func(p *domain.TokenPayload) error {
		p.Iat = iat
		p.Exp = exp
		return nil
	})
	return st
}

// GenerateToken signs the current payload. It does nothing until schemas
// are loaded. A failure records an error and keeps the previous token.
func (s *Store) GenerateToken(ctx context.Context, schemasLoaded bool) State {
	if !schemasLoaded {
		return s.State()
	}
	started, _ := s.commit(func(st *State) error {
		st.Loading = true
		st.Error = ""
		return nil
	})

	token, genErr := s.sign(ctx, started)

	final, _ := s.commit(func(st *State) error {
		st.Loading = false
		if genErr != "" {
			st.Error = genErr
			return nil
		}
		st.GeneratedToken = token
		return nil
	})
	if genErr != "" {
		s.logger.Warn("token generation failed", zap.String("error", genErr))
		return final
	}
	s.logger.Info("token generated", zap.String("sub", started.Payload.Sub))
	if s.onGenerated != nil {
		s.onGenerated(token)
	}
	return final
}

// sign returns the token, or the error message to show.
func (s *Store) sign(ctx context.Context, st State) (string, string) {
	if s.signer == nil {
		return "", msgGenerateFailed
	}
	payload, err := st.Payload.Map()
	if err != nil {
		return "", errorText(err)
	}
	resp, err := s.signer.IssueToken(ctx, domain.SignRequest{
		Payload:   payload,
		Secret:    st.SecretKey,
		Algorithm: st.Algorithm,
	})
	if err != nil {
		return "", errorText(err)
	}
	if !resp.Success {
		if resp.Error == "" {
			return "", msgGenerateFailed
		}
		return "", resp.Error
	}
	return resp.Token, ""
}

func errorText(err error) string {
	if err == nil || err.Error() == "" {
		return msgGenerateFailed
	}
	return err.Error()
}

func (s *Store) updatePayload(fn func(*domain.TokenPayload) error) (State, error) {
	return s.commit(func(st *State) error {
		if err := fn(&st.Payload); err != nil {
			return err
		}
		if st.Payload.Capabilities == nil {
			st.Payload.Capabilities = []domain.Capability{}
		}
		st.Revision++
		return nil
	})
}

// commit applies fn to a copy of the state and swaps it in. On error the
// state is left unchanged. Subscribers run after the lock is released.
func (s *Store) commit(fn func(*State) error) (State, error) {
	s.mu.Lock()
	next := s.state.clone()
	if err := fn(&next); err != nil {
		cur := s.state.clone()
		s.mu.Unlock()
		return cur, err
	}
	s.state = next
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	out := next.clone()
	s.mu.Unlock()

	for _, sub := range subs {
		sub(next.clone())
	}
	return out, nil
}

var errNoField = errors.New("field name is required")

// setField sets one JSON field of v, or removes it when value is nil. The
// result is decoded strictly, so a mistyped value is an error, as is an
// unknown field unless T keeps extra fields itself (TokenPayload does).
func setField[T any](v T, field string, value any) (T, error) {
	var zero T
	if field == "" {
		return zero, errNoField
	}
	data, err := json.Marshal(v)
	if err != nil {
		return zero, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return zero, err
	}
	if value == nil {
		delete(m, field)
	} else {
		m[field] = value
	}
	data, err = json.Marshal(m)
	if err != nil {
		return zero, fmt.Errorf("encode %s: %w", field, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var out T
	if err := dec.Decode(&out); err != nil {
		return zero, fmt.Errorf("set %s: %w", field, err)
	}
	return out, nil
}
