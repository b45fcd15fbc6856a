package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tidecaster/internal/store"
)

// promptConfirm asks the user for confirmation. When skipConfirm is set
// (--yes flag) it returns true without prompting.
func promptConfirm(prompt string, skipConfirm bool) bool {
	if skipConfirm {
		return true
	}

	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

func newResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset <item-id>",
		Short: "Return a failed item to the phase it failed from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, db, _ := openStore()
			defer func() { _ = db.Close() }()

			ctx := context.Background()
			item, err := st.GetItem(ctx, args[0])
			if err != nil {
				return err
			}
			if item.Phase != store.PhaseFailed {
				return fmt.Errorf("item %s is %s, only failed items can be reset", item.ID, item.Phase)
			}

			prompt := fmt.Sprintf("Reset %s (%s) back to %s?", item.ID, item.SourceRef, item.FailedFrom.String)
			if !promptConfirm(prompt, yes) {
				return fmt.Errorf("aborted")
			}

			if err := st.ResetFailed(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Item %s returned to %s\n", item.ID, item.FailedFrom.String)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "skip confirmation prompt")
	return cmd
}
