package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

const (
	outputJSON  = "json"
	outputTable = "table"
)

// options holds the persistent flags shared by every subcommand
type options struct {
	apiURL string
	token  string
	output string
}

// NewRootCommand creates the netforge admin command tree
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "netforge",
		Short:         "NetForge network design admin CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.output != outputJSON && opts.output != outputTable {
				return fmt.Errorf("unknown output format %q (want json or table)", opts.output)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.apiURL, "api-url", envOr("NETFORGE_API_URL", "http://localhost:8080"), "NetForge API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("NETFORGE_TOKEN"), "API token (nf_...)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", outputTable, "Output format: table or json")

	root.AddCommand(
		newIPAMCommand(opts),
		newMigrateCommand(),
		newPlansCommand(opts),
		newEquipmentCommand(opts),
	)
	return root
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
