package cli

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pliu/chainchat/internal/health"
)

func NewHealthCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the ledger, content paths, database and queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report := a.checker.Check(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return errors.Wrap(err, "encode report")
			}
			if report.Status == health.StatusUnhealthy {
				return errors.New("unhealthy")
			}
			return nil
		},
	}
}
