package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nerrad567/hivehub/internal/audit"
	"github.com/nerrad567/hivehub/internal/auth"
	"github.com/nerrad567/hivehub/internal/infrastructure/config"
	"github.com/nerrad567/hivehub/internal/infrastructure/logging"
)

func keyCmd(load configLoader) *cobra.Command {
	var (
		login string
		label string
	)

	cmd := &cobra.Command{
		Use:   "key",
		Short: "Issue an access key for a user",
		Long: `Issue an access key for an existing user and print it. The key lifetime
comes from security.access_keys.ttl (0 = no expiry).

Example:
  hivehub key --login gateway --label "bench gateway"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			key, err := issueKey(cmd, cfg, login, label)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	cmd.Flags().StringVarP(&login, "login", "l", "", "login of the key owner")
	cmd.Flags().StringVar(&label, "label", "cli", "label stored with the key")
	cmd.MarkFlagRequired("login") //nolint:errcheck // flag is defined above
	return cmd
}

func issueKey(cmd *cobra.Command, cfg *config.Config, login, label string) (string, error) {
	if err := cfg.ValidateServer(); err != nil {
		return "", fmt.Errorf("validating config: %w", err)
	}
	ctx := cmd.Context()

	// stdout carries the key
	db, err := openDatabase(ctx, cfg, logging.Discard())
	if err != nil {
		return "", err
	}
	defer db.Close() //nolint:errcheck // key already stored when this runs

	authn := auth.NewAuthenticator(
		auth.NewUserRepository(db.DB),
		auth.NewKeyRepository(db.DB),
		cfg.Security.AccessKeys.Secret,
		cfg.Security.LockAfter,
	)
	user, err := authn.Users().GetByLogin(ctx, login)
	if err != nil {
		return "", fmt.Errorf("looking up %q: %w", login, err)
	}
	key, err := authn.IssueKey(ctx, user, cfg.GetAccessKeyTTL(), label)
	if err != nil {
		return "", fmt.Errorf("issuing key: %w", err)
	}

	entry := &audit.Entry{
		Action:     audit.ActionKeyIssue,
		EntityType: audit.EntityUser,
		EntityID:   user.Login,
		Source:     audit.SourceCLI,
		Details:    map[string]any{"label": label},
	}
	if err := audit.NewSQLiteRepository(db.DB).Create(ctx, entry); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: recording audit entry: %v\n", err)
	}
	return key, nil
}
