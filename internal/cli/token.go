package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"live-quiz-engine/internal/auth"
	"live-quiz-engine/internal/config"
)

// NewTokenCmd mints a bearer token signed with the configured secret, for
// local testing without an identity provider.
func NewTokenCmd(configPath *string) *cobra.Command {
	var (
		userID string
		name   string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret not configured")
			}
			tok, err := auth.NewTokenVerifier(cfg.Auth.JWTSecret).Issue(auth.Identity{
				UserID: userID,
				Name:   name,
				Role:   auth.Role(role),
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "subject user id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleParticipant), "participant, operator or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
