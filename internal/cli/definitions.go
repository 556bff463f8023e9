package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextsight-ai/conveyor/internal/model"
)

var definitionsCmd = &cobra.Command{
	Use:   "definitions",
	Short: "Manage pipeline definitions",
}

var definitionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Definitions []model.PipelineDefinition `json:"definitions"`
		}
		if err := getJSON(cmd, "/api/definitions", &out); err != nil {
			return err
		}
		if len(out.Definitions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no definitions")
			return nil
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-36s  %-20s  %-12s  %-8s  %s\n", "ID", "NAME", "MODE", "RUNS", "SUCCESS")
		for _, d := range out.Definitions {
			fmt.Fprintf(w, "%-36s  %-20s  %-12s  %-8d  %.1f%%\n",
				d.ID, d.Name, d.DefaultMode, d.Stats.TotalRuns, d.Stats.SuccessRate)
		}
		return nil
	},
}

var definitionsCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a pipeline definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config-file")
		rawConfig := ""
		if configPath != "" {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return fmt.Errorf("read pipeline config: %w", err)
			}
			rawConfig = string(data)
		}
		repo, _ := cmd.Flags().GetString("repo")
		branch, _ := cmd.Flags().GetString("branch")
		mode, _ := cmd.Flags().GetString("mode")
		namespace, _ := cmd.Flags().GetString("namespace")
		schedule, _ := cmd.Flags().GetString("schedule")
		secret, _ := cmd.Flags().GetString("webhook-secret")

		var def model.PipelineDefinition
		err := postJSON(cmd, "/api/definitions", map[string]interface{}{
			"name":           args[0],
			"repository":     repo,
			"default_branch": branch,
			"raw_config":     rawConfig,
			"default_mode":   mode,
			"namespace":      namespace,
			"schedule":       schedule,
			"webhook_secret": secret,
		}, &def)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created definition %s (%s)\n", def.Name, def.ID)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats DEFINITION_ID",
	Short: "Show aggregate statistics for a definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats model.DefinitionStats
		if err := getJSON(cmd, "/api/definitions/"+args[0]+"/stats", &stats); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "total runs:    %d\n", stats.TotalRuns)
		fmt.Fprintf(w, "succeeded:     %d\n", stats.SuccessRuns)
		fmt.Fprintf(w, "failed:        %d\n", stats.FailedRuns)
		fmt.Fprintf(w, "success rate:  %.1f%%\n", stats.SuccessRate)
		fmt.Fprintf(w, "avg duration:  %.1fs\n", stats.AvgDurationSecs)
		if stats.LastRunID != "" {
			fmt.Fprintf(w, "last run:      %s (%s", stats.LastRunID, stats.LastRunStatus)
			if stats.LastDuration != "" {
				fmt.Fprintf(w, ", %s", stats.LastDuration)
			}
			fmt.Fprintln(w, ")")
		}
		return nil
	},
}

func init() {
	definitionsCreateCmd.Flags().String("config-file", "", "Path to the pipeline YAML to store")
	definitionsCreateCmd.Flags().String("repo", "", "Repository the pipeline builds")
	definitionsCreateCmd.Flags().String("branch", "main", "Default branch")
	definitionsCreateCmd.Flags().String("mode", "local", "Default execution mode (local, cluster_job, agent)")
	definitionsCreateCmd.Flags().String("namespace", "", "Agent pool or label for agent mode")
	definitionsCreateCmd.Flags().String("schedule", "", "Cron expression for scheduled triggers")
	definitionsCreateCmd.Flags().String("webhook-secret", "", "Shared secret for webhook signature checks")

	definitionsCmd.AddCommand(definitionsListCmd)
	definitionsCmd.AddCommand(definitionsCreateCmd)
}
