package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/solatis/crmrules/internal/check"
	"github.com/solatis/crmrules/internal/client"
	"github.com/solatis/crmrules/internal/rules"
	"github.com/solatis/crmrules/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var checkCmd = &cobra.Command{
	Use:   "check <rules.yaml>",
	Short: "Validate scoring criteria and score sample records",
	Long: `Validate scoring criteria written as YAML against the field catalog and
score the file's sample records. Nothing is persisted.

Fields resolve against the local database, or against a running server
when --server is given (the API key is read from --api-key or CRM_API_KEY).`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().String("server", "", "resolve fields through a crmrules server at this address")
	checkCmd.Flags().String("api-key", "", "API key for --server")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	file, err := check.Decode(f)
	if err != nil {
		return err
	}

	var resolver rules.FieldResolver
	if server, _ := cmd.Flags().GetString("server"); server != "" {
		apiKey, _ := cmd.Flags().GetString("api-key")
		if apiKey == "" {
			apiKey = os.Getenv("CRM_API_KEY")
		}
		c, err := client.Dial(server, client.WithAPIKey(apiKey), client.WithTimeout(cfg.Editor.ResolveTimeout))
		if err != nil {
			return err
		}
		defer c.Close()
		resolver = c
		logger.Debug("resolving fields remotely", zap.String("server", server))
	} else {
		database, queries, err := openDatabase(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer database.Close()
		resolver = store.NewFieldCatalog(database, queries)
	}

	report, err := check.Run(cmd.Context(), rules.NewCachingResolver(resolver, nil), file, cfg.Editor.LoadConcurrency)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(report.Violations) > 0 {
		for _, msg := range report.Violations.Messages() {
			fmt.Fprintln(out, msg)
		}
		return fmt.Errorf("%d violation(s) in %s", len(report.Violations), args[0])
	}

	fmt.Fprintf(out, "%s: %d criteria valid\n", file.Object, len(file.Criteria))
	for i, res := range report.Results {
		matched := strings.Join(res.MatchedNames(), ", ")
		if matched == "" {
			matched = "-"
		}
		fmt.Fprintf(out, "record %d: %d%% %s (%s)\n", i+1, res.Percentage, res.Band, matched)
	}
	return nil
}
