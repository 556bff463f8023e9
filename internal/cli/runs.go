package cli

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextsight-ai/conveyor/internal/engine"
	"github.com/nextsight-ai/conveyor/internal/model"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger DEFINITION_ID",
	Short: "Trigger a pipeline run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		branch, _ := cmd.Flags().GetString("branch")
		env, _ := cmd.Flags().GetString("env")
		mode, _ := cmd.Flags().GetString("mode")
		agentID, _ := cmd.Flags().GetString("agent")
		by, _ := cmd.Flags().GetString("by")
		varFlags, _ := cmd.Flags().GetStringSlice("var")

		variables := make(map[string]string)
		for _, v := range varFlags {
			parts := strings.SplitN(v, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("invalid --var %q (want KEY=VALUE)", v)
			}
			variables[parts[0]] = parts[1]
		}

		var summary engine.RunSummary
		err := postJSON(cmd, "/api/definitions/"+args[0]+"/trigger", map[string]interface{}{
			"branch":       branch,
			"environment":  env,
			"mode":         mode,
			"agent_id":     agentID,
			"triggered_by": by,
			"variables":    variables,
		}, &summary)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s queued (%s mode, %d stages)\n",
			summary.RunID, summary.Mode, summary.StageCount)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status RUN_ID",
	Short: "Show a run with its stages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var status engine.RunStatus
		if err := getJSON(cmd, "/api/runs/"+args[0], &status); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		run := status.Run
		fmt.Fprintf(w, "run %s: %s (%d%%)\n", run.ID, run.Status, status.ProgressPercent)
		fmt.Fprintf(w, "  branch %s, %s trigger by %s, mode %s\n", run.Branch, run.TriggerType, run.TriggeredBy, run.Mode)
		if run.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", run.Error)
		}
		for _, st := range status.Stages {
			marker := " "
			if st.RequiresApproval {
				marker = fmt.Sprintf(" [needs %d approval(s)]", st.RequiredApprovers)
			}
			fmt.Fprintf(w, "  %d. %-20s %s%s\n", st.Order+1, st.Name, st.Status, marker)
		}
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		defID, _ := cmd.Flags().GetString("definition")
		statusFilter, _ := cmd.Flags().GetString("status")

		q := url.Values{}
		if defID != "" {
			q.Set("definition_id", defID)
		}
		if statusFilter != "" {
			q.Set("status", statusFilter)
		}
		path := "/api/runs"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var out struct {
			Runs []model.PipelineRun `json:"runs"`
		}
		if err := getJSON(cmd, path, &out); err != nil {
			return err
		}
		if len(out.Runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no runs")
			return nil
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-36s  %-10s  %-12s  %-10s  %s\n", "ID", "STATUS", "MODE", "TRIGGER", "BRANCH")
		for _, r := range out.Runs {
			fmt.Fprintf(w, "%-36s  %-10s  %-12s  %-10s  %s\n", r.ID, r.Status, r.Mode, r.TriggerType, r.Branch)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel RUN_ID",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Cancelled bool `json:"cancelled"`
		}
		if err := postJSON(cmd, "/api/runs/"+args[0]+"/cancel", map[string]string{}, &out); err != nil {
			return err
		}
		if out.Cancelled {
			fmt.Fprintf(cmd.OutOrStdout(), "run %s cancelled\n", args[0])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "run %s was not running\n", args[0])
		}
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry RUN_ID",
	Short: "Retry a failed or cancelled run as a new run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		var summary engine.RunSummary
		err := postJSON(cmd, "/api/runs/"+args[0]+"/retry", map[string]string{"triggered_by": by}, &summary)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "new run %s queued\n", summary.RunID)
		return nil
	},
}

func init() {
	triggerCmd.Flags().String("branch", "", "Branch to build (defaults to the definition's branch)")
	triggerCmd.Flags().String("env", "", "Target environment (e.g. production)")
	triggerCmd.Flags().String("mode", "", "Execution mode override (local, cluster_job, agent)")
	triggerCmd.Flags().String("agent", "", "Explicit agent id for agent mode")
	triggerCmd.Flags().String("by", "cli", "Identity recorded as the trigger source")
	triggerCmd.Flags().StringSlice("var", nil, "Pipeline variable KEY=VALUE (repeatable)")

	runsCmd.Flags().String("definition", "", "Filter by definition id")
	runsCmd.Flags().String("status", "", "Filter by run status")

	retryCmd.Flags().String("by", "cli", "Identity recorded as the trigger source")
}
