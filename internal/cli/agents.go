package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextsight-ai/conveyor/internal/model"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage remote worker agents",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Agents []model.Agent `json:"agents"`
		}
		if err := getJSON(cmd, "/api/agents", &out); err != nil {
			return err
		}
		if len(out.Agents) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no agents")
			return nil
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-36s  %-16s  %-20s  %-8s  %s\n", "ID", "NAME", "ADDRESS", "JOBS", "HEALTHY")
		for _, a := range out.Agents {
			fmt.Fprintf(w, "%-36s  %-16s  %-20s  %d/%-6d  %v\n",
				a.ID, a.Name, fmt.Sprintf("%s:%d", a.Host, a.Port), a.CurrentJobs, a.MaxJobs, a.Healthy)
		}
		return nil
	},
}

var agentsAddCmd = &cobra.Command{
	Use:   "add NAME HOST PORT",
	Short: "Register an agent",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, _ := cmd.Flags().GetString("pool")
		labels, _ := cmd.Flags().GetString("labels")
		maxJobs, _ := cmd.Flags().GetInt("max-jobs")

		var labelList []string
		if labels != "" {
			labelList = strings.Split(labels, ",")
		}

		var port int
		if _, err := fmt.Sscanf(args[2], "%d", &port); err != nil {
			return fmt.Errorf("invalid port %q", args[2])
		}

		var agent model.Agent
		err := postJSON(cmd, "/api/agents", map[string]interface{}{
			"name":     args[0],
			"host":     args[1],
			"port":     port,
			"pool":     pool,
			"labels":   labelList,
			"max_jobs": maxJobs,
		}, &agent)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered agent %s (%s)\n", agent.Name, agent.ID)
		return nil
	},
}

func init() {
	agentsAddCmd.Flags().String("pool", "", "Pool the agent belongs to")
	agentsAddCmd.Flags().String("labels", "", "Comma-separated labels")
	agentsAddCmd.Flags().Int("max-jobs", 1, "Maximum concurrent jobs")

	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsAddCmd)
}
