package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextsight-ai/conveyor/internal/model"
)

var approveCmd = &cobra.Command{
	Use:   "approve STAGE_ID",
	Short: "Record an approval decision for a gated stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		approver, _ := cmd.Flags().GetString("as")
		role, _ := cmd.Flags().GetString("role")
		comment, _ := cmd.Flags().GetString("comment")
		reject, _ := cmd.Flags().GetBool("reject")

		if approver == "" {
			return fmt.Errorf("--as is required")
		}
		decision := string(model.DecisionApproved)
		if reject {
			decision = string(model.DecisionRejected)
		}

		var a model.Approval
		err := postJSON(cmd, "/api/stages/"+args[0]+"/approvals", map[string]string{
			"decision": decision,
			"approver": approver,
			"role":     role,
			"comment":  comment,
		}, &a)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s recorded for stage %s\n", a.Decision, a.StageID)
		return nil
	},
}

func init() {
	approveCmd.Flags().String("as", "", "Approver identity")
	approveCmd.Flags().String("role", "", "Approver role (e.g. admin, lead)")
	approveCmd.Flags().String("comment", "", "Optional comment")
	approveCmd.Flags().Bool("reject", false, "Record a rejection instead of an approval")
}
