package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/models"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func (a *App) attachCommand() *cobra.Command {
	var (
		name     string
		mimeType string
	)
	cmd := &cobra.Command{
		Use:     "attach <entry-id> <file>",
		Short:   "Encrypt a file and attach it to an entry",
		Example: `  vaultctl attach 4f6c... ./recovery-codes.txt`,
		Args:    cobra.ExactArgs(2),
		RunE: a.run(true, func(ctx context.Context, args []string) error {
			data, err := a.readInput(args[1])
			if err != nil {
				return err
			}
			defer common.WipeByteArray(data)
			if name == "" {
				name = filepath.Base(args[1])
			}

			f, err := a.eng.AttachFile(ctx, models.NewAttachment{
				EntryID:  args[0],
				Name:     name,
				MimeType: mimeType,
				Data:     data,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, color.GreenString("✓")+" Attached "+color.CyanString(f.Name)+" "+color.YellowString(f.ID))
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "name to store instead of the file name")
	cmd.Flags().StringVar(&mimeType, "type", "", "content type, detected when empty")
	return cmd
}

func (a *App) filesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "files [entry-id]",
		Short: "List attachments of one entry or of the whole vault",
		Args:  cobra.MaximumNArgs(1),
		RunE: a.run(true, func(ctx context.Context, args []string) error {
			var entryID string
			if len(args) == 1 {
				entryID = args[0]
			}
			list, err := a.eng.ListAttachments(ctx, entryID)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tENTRY\tNAME\tTYPE\tSIZE\tADDED")
			for _, f := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", f.ID, f.EntryID, f.Name, f.MimeType, f.Size,
					f.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%d attachments\n", len(list))
			return nil
		}),
	}
}

func (a *App) extractCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "extract <attachment-id>",
		Short: "Decrypt an attachment to a file or stdout",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(true, func(ctx context.Context, args []string) error {
			_, data, err := a.eng.OpenAttachment(ctx, args[0])
			if err != nil {
				return err
			}
			defer common.WipeByteArray(data)
			return a.writeOutput(out, data)
		}),
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	return cmd
}

func (a *App) detachCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detach <attachment-id>",
		Short: "Delete an attachment",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(true, func(ctx context.Context, args []string) error {
			if err := a.eng.DetachFile(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(a.out, color.GreenString("✓")+" Detached "+color.YellowString(args[0]))
			return nil
		}),
	}
}
