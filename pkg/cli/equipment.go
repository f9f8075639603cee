package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/netforge/pkg/equipment"
	"github.com/platinummonkey/netforge/pkg/httputil"
)

func newEquipmentCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "equipment",
		Short: "Manage an organization's equipment catalog",
	}

	var validateOnly bool
	imp := &cobra.Command{
		Use:   "import <org> <file.yaml>",
		Short: "Upload a YAML equipment catalog",
		Long: `Uploads a YAML catalog to the API. Entries are matched on vendor and
model: existing entries are updated, new ones created. The org may be
given by ID or slug.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read catalog: %w", err)
			}
			// Parse locally first so obvious mistakes never reach the API.
			if _, err := equipment.ParseCatalog(data); err != nil {
				return err
			}
			if validateOnly {
				fmt.Fprintln(cmd.OutOrStdout(), "catalog is valid")
				return nil
			}

			res, err := importCatalog(&http.Client{Timeout: time.Minute}, opts, args[0], data)
			if err != nil {
				return err
			}
			if opts.output == outputJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported catalog into %s: %d created, %d updated\n", args[0], res.Created, res.Updated)
			return nil
		},
	}
	imp.Flags().BoolVar(&validateOnly, "validate-only", false, "Parse the catalog without uploading it")

	cmd.AddCommand(imp)
	return cmd
}

func importCatalog(client *http.Client, opts *options, org string, data []byte) (*equipment.ImportResult, error) {
	if opts.token == "" {
		return nil, errors.New("an API token is required (--token or NETFORGE_TOKEN)")
	}

	endpoint := fmt.Sprintf("%s/api/v1/orgs/%s/equipment/import", strings.TrimRight(opts.apiURL, "/"), url.PathEscape(org))
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+opts.token)
	req.Header.Set("Content-Type", "application/yaml")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to import catalog: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr httputil.ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("import failed (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("import failed: %s", resp.Status)
	}

	var res equipment.ImportResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &res, nil
}
