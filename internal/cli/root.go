package cli

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/gophvault/internal/config"
	"github.com/spf13/cobra"
)

func (a *App) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "vaultctl",
		Short: "vaultctl - a local, encrypted password vault",
		Long: `vaultctl keeps credentials in an encrypted SQLite vault unlocked by a
master password. Backups and QR transfer chunks stay encrypted end to end,
and an optional S3 remote keeps several devices in sync.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		a.initCommand(),
		a.passwdCommand(),
		a.infoCommand(),
		a.addCommand(),
		a.listCommand(),
		a.showCommand(),
		a.editCommand(),
		a.rmCommand(),
		a.purgeCommand(),
		a.attachCommand(),
		a.filesCommand(),
		a.extractCommand(),
		a.detachCommand(),
		a.auditCommand(),
		a.exportCommand(),
		a.importCommand(),
		a.planCommand(),
		a.syncCommand(),
		a.resolveCommand(),
	)
	return root
}

// run adapts fn into a cobra RunE. The engine is opened before fn and closed
// after it; with unlock set the master password is asked for first.
func (a *App) run(unlock bool, fn func(ctx context.Context, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		if err := a.setup(cmd); err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, a.teardown())
		}()

		ctx := cmd.Context()
		if unlock {
			if err := a.unlock(ctx); err != nil {
				return err
			}
		}
		return fn(ctx, args)
	}
}
