package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"aapkit/internal/app"
	"aapkit/internal/domain"
	"aapkit/internal/form"
	"aapkit/internal/live"
	"aapkit/internal/validator"
	aapsdk "aapkit/sdk/go"
)

type signOptions struct {
	template string
	file     string
	remote   string
	secret   string
	alg      string
	sets     []string
	refresh  bool
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{
		Use:   "token",
		Short: "Build and sign tokens",
	}
	tok.AddCommand(tokenSignCmd())
	return tok
}

func tokenSignCmd() *cobra.Command {
	var o signOptions
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a payload built from a template and/or a JSON file",
		Long: `Starts from --template (blank by default), applies top-level claims from --file,
then each --set claim=value (value parsed as JSON, or taken as a string).
Signs locally and records the issuance, or asks a running server with --remote.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.remote != "" {
				client := aapsdk.New(o.remote)
				loaded := true
				if _, err := client.Schemas(cmd.Context()); err != nil {
					logger.Warn("remote schemas unavailable", zap.Error(err))
					loaded = false
				}
				return signWith(cmd.Context(), client, remoteValidator(client), loaded, o)
			}
			return withContext(cmd.Context(), true, func(ctx context.Context, ac *app.Context) error {
				return signWith(ctx, ac.Engine, ac.Engine.ValidatorFunc, ac.Registry.Initialized(), o)
			})
		},
	}
	cmd.Flags().StringVar(&o.template, "template", domain.BlankTemplate, "template key (see aap templates list)")
	cmd.Flags().StringVar(&o.file, "file", "", "JSON object whose top-level claims are applied")
	cmd.Flags().StringVar(&o.remote, "remote", "", "server base URL, e.g. http://127.0.0.1:8080")
	cmd.Flags().StringVar(&o.secret, "secret", "", "HMAC secret (default signing.default_secret)")
	cmd.Flags().StringVar(&o.alg, "alg", "", "HS256, HS384 or HS512 (default signing.default_algorithm)")
	cmd.Flags().StringArrayVar(&o.sets, "set", nil, "claim=value, repeatable")
	cmd.Flags().BoolVar(&o.refresh, "refresh", false, "set iat to now and exp one hour later")
	return cmd
}

// remoteValidator checks payloads with the server's /validate route.
func remoteValidator(client *aapsdk.Client) live.Loader {
	return func(ctx context.Context) (validator.Func, error) {
		return func(p any) domain.ValidationResult {
			res, err := client.Validate(ctx, p)
			if err != nil {
				return domain.Invalid(err.Error())
			}
			return res
		}, nil
	}
}

func signWith(ctx context.Context, signer form.Signer, load live.Loader, schemasLoaded bool, o signOptions) error {
	secret := o.secret
	if secret == "" {
		secret = cfg.Signing.DefaultSecret
	}
	alg := o.alg
	if alg == "" {
		alg = cfg.Signing.DefaultAlgorithm
	}
	store := form.New(signer, form.WithLogger(logger), form.WithSecret(secret), form.WithAlgorithm(alg))
	if _, ok := domain.LookupTemplate(o.template); !ok {
		return fmt.Errorf("unknown template %q (see aap templates list)", o.template)
	}
	store.LoadTemplate(o.template)

	settled := make(chan struct{}, 1)
	ctrl := live.New(load, live.WithDelay(cfg.Debounce()), live.WithLogger(logger),
		live.WithOnResult(func(domain.ValidationResult) {
			select {
			case settled <- struct{}{}:
			default:
			}
		}))
	defer ctrl.Close()
	stop := live.Follow(ctrl, store)
	defer stop()

	if err := applyFile(store, o.file); err != nil {
		return err
	}
	for _, kv := range o.sets {
		if err := applySet(store, kv); err != nil {
			return err
		}
	}
	if o.refresh {
		store.UpdateTimestamps()
	}
	if !schemasLoaded {
		return fmt.Errorf("schemas not loaded; nothing signed")
	}
	res, err := awaitResult(ctx, ctrl, settled)
	if err != nil {
		return err
	}
	for _, e := range res.Errors {
		logger.Warn("payload does not match the token schema", zap.String("path", e.Path), zap.String("message", e.Message))
	}

	st := store.GenerateToken(ctx, schemasLoaded)
	if st.Error != "" {
		return fmt.Errorf("%s", st.Error)
	}
	if viper.GetBool("json") {
		return printJSON(map[string]any{
			"token":     st.GeneratedToken,
			"algorithm": st.Algorithm,
			"payload":   st.Payload,
		})
	}
	fmt.Println(st.GeneratedToken)
	return nil
}

// awaitResult starts validation of the followed payload and returns the
// result once the last edit has settled.
func awaitResult(ctx context.Context, ctrl *live.Controller, settled <-chan struct{}) (domain.ValidationResult, error) {
	ctrl.SetSchemasLoaded(true)
	for {
		select {
		case <-settled:
			if ctrl.State() == live.Settled {
				return ctrl.Result(), nil
			}
		case <-ctx.Done():
			return domain.ValidationResult{}, ctx.Err()
		}
	}
}

func applyFile(store *form.Store, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var claims map[string]any
	if err := json.Unmarshal(data, &claims); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	keys := make([]string, 0, len(claims))
	for k := range claims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := store.UpdateField(k, claims[k]); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

// applySet handles claim=value, and agent.x=value / task.x=value for the
// nested claims.
func applySet(store *form.Store, kv string) error {
	key, raw, ok := strings.Cut(kv, "=")
	if !ok || key == "" {
		return fmt.Errorf("--set %q: expected claim=value", kv)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}
	var err error
	switch {
	case strings.HasPrefix(key, "agent."):
		_, err = store.UpdateAgentField(strings.TrimPrefix(key, "agent."), value)
	case strings.HasPrefix(key, "task."):
		_, err = store.UpdateTaskField(strings.TrimPrefix(key, "task."), value)
	default:
		_, err = store.UpdateField(key, value)
	}
	if err != nil {
		return fmt.Errorf("--set %s: %w", key, err)
	}
	return nil
}
