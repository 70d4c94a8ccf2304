package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solatis/scankeeper/internal/core/auth"
	"github.com/solatis/scankeeper/internal/core/config"
	"github.com/solatis/scankeeper/internal/core/db"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage scan API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue an API key for a tenant",
	RunE:  runAPIKeyCreate,
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke API_KEY_ID",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeyRevoke,
}

func init() {
	rootCmd.AddCommand(apikeyCmd)
	apikeyCmd.AddCommand(apikeyCreateCmd, apikeyRevokeCmd)
	apikeyCreateCmd.Flags().String("tenant", "", "tenant ID the key authenticates as (required)")
	apikeyCreateCmd.Flags().String("name", "", "label for the key")
	apikeyCreateCmd.Flags().String("secret-id", "", "HMAC secret ID to sign with (default: first configured)")
	apikeyCreateCmd.MarkFlagRequired("tenant")
}

// openAuthenticator wires the key store and HMAC secrets.
func openAuthenticator(run func(*auth.Authenticator) error) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	queries, err := db.LoadQueries(database)
	if err != nil {
		return fmt.Errorf("failed to load queries: %w", err)
	}
	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	return run(auth.NewAuthenticator(secrets, queries))
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	name, _ := cmd.Flags().GetString("name")
	secretID, _ := cmd.Flags().GetString("secret-id")

	return openAuthenticator(func(a *auth.Authenticator) error {
		issued, err := a.IssueAPIKey(context.Background(), tenant, name, secretID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "api_key_id: %s\n", issued.APIKeyID)
		fmt.Fprintf(out, "tenant_id:  %s\n", issued.TenantID)
		fmt.Fprintf(out, "api_key:    %s\n", issued.Key)
		fmt.Fprintln(out, "Store the key now; it cannot be shown again.")
		return nil
	})
}

func runAPIKeyRevoke(cmd *cobra.Command, args []string) error {
	return openAuthenticator(func(a *auth.Authenticator) error {
		if err := a.RevokeAPIKey(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
		return nil
	})
}
