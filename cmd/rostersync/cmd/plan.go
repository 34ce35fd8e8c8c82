package cmd

import (
	"encoding/json"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/rostersync/rostersync/internal/planning"
	"github.com/rostersync/rostersync/pkg/dataset"
	"github.com/rostersync/rostersync/pkg/errors"
)

var (
	planDataset   string
	planStartLine int
)

// planCmd evaluates one batch of records and prints the resulting plan.
var planCmd = &cobra.Command{
	Use:   "plan <records-file>",
	Short: "Plan one batch of roster records",
	Long: `Plan reads a YAML or JSON file containing a list of validated
records, runs the matching and resolution pipeline against the configured
store, and prints the plan with its match and resolve reports. Secret
fields are masked in every artifact.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := readRecords(args[0])
		if err != nil {
			return err
		}

		rs, cleanup, err := buildSync(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		result, err := rs.Plan(cmd.Context(), planning.Batch{
			Dataset:   planDataset,
			Records:   records,
			StartLine: planStartLine,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"plan":    result.Plan.Masked(),
			"match":   result.Match,
			"resolve": result.Resolve,
		})
	},
}

func init() {
	planCmd.Flags().StringVarP(&planDataset, "dataset", "d", "employees", "dataset to plan")
	planCmd.Flags().IntVar(&planStartLine, "start-line", 1, "source line of the first record")
	rootCmd.AddCommand(planCmd)
}

// readRecords parses a YAML or JSON list of records.
func readRecords(path string) ([]dataset.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapIO("read", path, err)
	}
	var records []dataset.Record
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, errors.NewConfigError("records", "parsing records file "+path, err)
	}
	return records, nil
}
