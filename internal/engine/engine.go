package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aapkit/internal/config"
	"aapkit/internal/domain"
	"aapkit/internal/events"
	"aapkit/internal/repo"
	"aapkit/internal/schema"
	"aapkit/internal/signer"
	"aapkit/internal/validator"
)

var errNotInitialized = errors.New("Schemas not initialized. Call initializeSchemas first.")

// Engine ties signing, validation and the issuance log together. DB may be
// nil, in which case nothing is recorded.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Schemas   *schema.Registry
	Validator *validator.Validator
	Signer    signer.Signer
	Logger    *zap.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, reg *schema.Registry) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Schemas:   reg,
		Validator: validator.New(reg),
		Signer:    signer.New(cfg.Signing.DefaultSecret, cfg.Signing.DefaultAlgorithm),
		Logger:    zap.NewNop(),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// IssueToken signs req and records a token.issued event. Neither the token
// nor the secret is stored.
func (e Engine) IssueToken(ctx context.Context, req domain.SignRequest) (domain.SignResponse, error) {
	resp, err := e.Signer.Sign(req)
	if err != nil {
		if signer.IsRequestError(err) {
			e.logger().Info("token request rejected", zap.String("reason", err.Error()))
		}
		return domain.SignResponse{}, err
	}
	if e.DB == nil {
		return resp, nil
	}
	id, err := e.recordIssue(ctx, req.Payload, resp)
	if err != nil {
		return domain.SignResponse{}, fmt.Errorf("record issuance: %w", err)
	}
	e.logger().Info("token issued",
		zap.Int64("event_id", id),
		zap.String("sub", stringClaim(req.Payload, "sub")),
		zap.Any("alg", resp.Decoded.Header["alg"]))
	return resp, nil
}

func (e Engine) recordIssue(ctx context.Context, payload map[string]any, resp domain.SignResponse) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var alg any
	if resp.Decoded != nil {
		alg = resp.Decoded.Header["alg"]
	}
	agentID := ""
	if agent, ok := payload["agent"].(map[string]any); ok {
		agentID = stringClaim(agent, "id")
	}
	w := e.Events
	w.Now = e.now
	id, err := w.Append(ctx, tx, events.TokenIssued, "agent", agentID, stringClaim(payload, "sub"), events.EventPayload{
		"issue_id": uuid.NewString(),
		"iss":      payload["iss"],
		"aud":      payload["aud"],
		"alg":      alg,
		"jti":      stringClaim(payload, "jti"),
		"actions":  actions(payload),
	})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// Validate checks a full payload against the token schema.
func (e Engine) Validate(payload any) domain.ValidationResult {
	return e.Validator.Validate(payload)
}

// ValidateClaim checks one claim (agent, task or capabilities).
func (e Engine) ValidateClaim(name string, value any) (domain.ValidationResult, error) {
	return e.Validator.Claim(name, value)
}

// ValidatorFunc hands the live controller its validation function once the
// registry is loaded.
func (e Engine) ValidatorFunc(ctx context.Context) (validator.Func, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.Schemas == nil || !e.Schemas.Initialized() {
		return nil, errNotInitialized
	}
	return e.Validator.Validate, nil
}

// ListIssued pages through token.issued events, newest first.
func (e Engine) ListIssued(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if e.DB == nil {
		return []domain.Event{}, nil
	}
	return e.Repo.LatestEventsFrom(ctx, limit, cursor, repo.EventFilter{Type: events.TokenIssued})
}

func stringClaim(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func actions(payload map[string]any) []string {
	out := []string{}
	caps, _ := payload["capabilities"].([]any)
	for _, c := range caps {
		if m, ok := c.(map[string]any); ok {
			if a := stringClaim(m, "action"); a != "" {
				out = append(out, a)
			}
		}
	}
	return out
}
