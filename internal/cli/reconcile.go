package cli

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pliu/chainchat/internal/reconcile"
)

func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	var opts reconcile.Options

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.reconciler.Run(cmd.Context(), opts)
			if result != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(result); encErr != nil {
					return errors.Wrap(encErr, "encode result")
				}
			}
			if err != nil {
				return err
			}
			if !result.Success {
				return errors.New("reconciliation failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.ForceResync, "force", false, "run even if another pass is in flight")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report what would change without writing")
	cmd.Flags().IntVar(&opts.MaxMessages, "max-messages", 0, "limit content validation to this many messages")
	cmd.Flags().BoolVar(&opts.SkipContentValidation, "skip-content-validation", false, "skip the content phase")
	return cmd
}
