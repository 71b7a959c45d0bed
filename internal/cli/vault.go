package cli

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func (a *App) initCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new vault protected by a master password",
		Args:  cobra.NoArgs,
		RunE: a.run(false, func(ctx context.Context, _ []string) error {
			pass, err := a.readNewSecret("Master password")
			if err != nil {
				return err
			}
			defer common.WipeByteArray(pass)

			rec, err := a.eng.CreateVault(ctx, pass)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, color.GreenString("✓")+" Vault created: "+color.YellowString(rec.VaultID))
			fmt.Fprintf(a.out, "  KDF:    %s\n  Cipher: %s\n", rec.KDF.Algorithm, rec.Cipher)
			return nil
		}),
	}
}

func (a *App) passwdCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change the master password and re-encrypt every entry",
		Args:  cobra.NoArgs,
		RunE: a.run(false, func(ctx context.Context, _ []string) error {
			oldPass, err := a.readSecret("Current master password")
			if err != nil {
				return err
			}
			defer common.WipeByteArray(oldPass)

			newPass, err := a.readNewSecret("New master password")
			if err != nil {
				return err
			}
			defer common.WipeByteArray(newPass)

			if err := a.eng.ChangeMasterPassword(ctx, oldPass, newPass); err != nil {
				return err
			}
			fmt.Fprintln(a.out, color.GreenString("✓")+" Master password changed")
			return nil
		}),
	}
}

func (a *App) infoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the vault identity card",
		Args:  cobra.NoArgs,
		RunE: a.run(false, func(ctx context.Context, _ []string) error {
			rec, err := a.eng.IdentityRecord(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Vault:   "+color.YellowString(rec.VaultID))
			fmt.Fprintf(a.out, "KDF:     %s (t=%d, m=%d KiB, p=%d)\n",
				rec.KDF.Algorithm, rec.KDF.Iterations, rec.KDF.MemoryKiB, rec.KDF.Parallelism)
			fmt.Fprintln(a.out, "Cipher:  "+rec.Cipher)
			fmt.Fprintf(a.out, "Re-keys: %d\n", rec.ReKeyEpoch)
			fmt.Fprintln(a.out, "Changed: "+rec.ChangedAt.Local().Format("2006-01-02 15:04:05"))
			return nil
		}),
	}
}
