package cmd

import (
	"fmt"
	"sort"

	"github.com/solatis/crmrules/internal/core/auth"
	"github.com/solatis/crmrules/internal/core/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue an API key for a tenant",
	Long: `Issue an API key signed with one of the configured HMAC secrets.
The key is printed once; only its HMAC is stored.`,
	RunE: runKeysCreate,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <api-key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()

		database, queries, err := openDatabase(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := auth.RevokeKey(cmd.Context(), queries, args[0]); err != nil {
			return err
		}
		logger.Info("api key revoked", zap.String("api_key_id", args[0]))
		return nil
	},
}

func init() {
	keysCreateCmd.Flags().String("tenant", "", "tenant the key authenticates as")
	keysCreateCmd.Flags().String("name", "", "human-readable key name")
	keysCreateCmd.Flags().String("secret-id", "", "HMAC secret to sign with (required when several are configured)")
	keysCreateCmd.MarkFlagRequired("tenant")

	keysCmd.AddCommand(keysCreateCmd, keysRevokeCmd)
	rootCmd.AddCommand(keysCmd)
}

func runKeysCreate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tenant, _ := cmd.Flags().GetString("tenant")
	name, _ := cmd.Flags().GetString("name")
	secretID, _ := cmd.Flags().GetString("secret-id")

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	secretID, err = pickSecret(secrets, secretID)
	if err != nil {
		return err
	}

	database, queries, err := openDatabase(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	issued, err := auth.CreateKey(cmd.Context(), queries, tenant, name, secretID, secrets[secretID])
	if err != nil {
		return err
	}
	logger.Info("api key created", zap.String("api_key_id", issued.ID), zap.String("tenant_id", tenant))
	fmt.Fprintf(cmd.OutOrStdout(), "id:  %s\nkey: %s\n", issued.ID, issued.Key)
	return nil
}

// pickSecret returns requested when configured, or the only configured
// secret when requested is empty.
func pickSecret(secrets map[string][]byte, requested string) (string, error) {
	if requested != "" {
		if _, ok := secrets[requested]; !ok {
			return "", fmt.Errorf("secret_id %s is not configured", requested)
		}
		return requested, nil
	}

	ids := make([]string, 0, len(secrets))
	for id := range secrets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("no HMAC secrets configured (set %s_HMAC_SECRET environment variable)", config.EnvPrefix)
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("several HMAC secrets configured, choose one with --secret-id: %v", ids)
	}
}
