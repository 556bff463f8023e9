package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextsight-ai/conveyor/internal/logsink"
	"github.com/nextsight-ai/conveyor/internal/model"
)

var logsCmd = &cobra.Command{
	Use:   "logs RUN_ID",
	Short: "Print or follow a run's log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		stageID, _ := cmd.Flags().GetString("stage")

		var cursor int64
		for {
			q := url.Values{}
			q.Set("after", strconv.FormatInt(cursor, 10))
			if stageID != "" {
				q.Set("stage_id", stageID)
			}
			var out struct {
				Entries []model.LogEntry `json:"entries"`
				Cursor  int64            `json:"cursor"`
			}
			if err := getJSON(cmd, "/api/runs/"+args[0]+"/logs?"+q.Encode(), &out); err != nil {
				return err
			}
			cursor = out.Cursor

			done := false
			for _, e := range out.Entries {
				lines := strings.Split(e.Message, "\n")
				fmt.Fprintf(cmd.OutOrStdout(), "%s [%s] %s\n",
					e.CreatedAt.Local().Format("15:04:05"), e.Level, lines[0])
				for _, line := range lines[1:] {
					fmt.Fprintf(cmd.OutOrStdout(), "         %s\n", line)
				}
				if strings.HasPrefix(e.Message, logsink.CompletionMarkerPrefix) {
					done = true
				}
			}
			if !follow || done {
				return nil
			}
			time.Sleep(time.Second)
		}
	},
}

func init() {
	logsCmd.Flags().BoolP("follow", "f", false, "Keep polling until the run completes")
	logsCmd.Flags().String("stage", "", "Only show entries for one stage id")
}
