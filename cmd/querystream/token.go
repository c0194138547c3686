package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/querystream/internal/middleware"
)

var (
	tokenUser     string
	tokenTTL      time.Duration
	tokenReadOnly bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a gateway access token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl := tokenTTL
		if ttl == 0 {
			ttl = cfg.JWTExpiration
		}

		token, err := issueGatewayToken(cfg.JWTSecret, tokenUser, ttl, tokenReadOnly)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenUser, "user", "u", "", "user id (required)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (defaults to JWT_EXPIRATION)")
	tokenCmd.Flags().BoolVar(&tokenReadOnly, "read-only", false, "omit the conversations:write scope")
	_ = tokenCmd.MarkFlagRequired("user")
}

// issueGatewayToken signs a token for the session endpoints. Read-only
// tokens may watch conversations but not change them.
func issueGatewayToken(secret, userID string, ttl time.Duration, readOnly bool) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	var scopes []string
	if !readOnly {
		scopes = append(scopes, middleware.ScopeConversationsWrite)
	}
	return middleware.IssueToken(secret, userID, ttl, scopes...)
}
