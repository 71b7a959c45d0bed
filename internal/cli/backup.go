package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/filex"
	"github.com/dmitrijs2005/gophvault/internal/services"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func (a *App) exportCommand() *cobra.Command {
	var (
		entryID    string
		out        string
		chunks     bool
		chunkLen   int
		passphrase bool
		expires    time.Duration
		deleted    bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an encrypted backup of the vault or of one entry",
		Long: `Without --passphrase the backup opens with the master password current at
export time. With --passphrase every entry is re-encrypted under a separate
transfer passphrase. --chunks prints one QR-sized line per chunk and needs
--entry.`,
		Example: `  vaultctl export --out backup.json
  vaultctl export --entry 1f0c... --chunks --passphrase`,
		Args: cobra.NoArgs,
		RunE: a.run(true, func(ctx context.Context, _ []string) error {
			opts := services.ExportOptions{ExpiresIn: expires, IncludeTombstoned: deleted}
			if passphrase {
				p, err := a.readNewSecret("Transfer passphrase")
				if err != nil {
					return err
				}
				defer common.WipeByteArray(p)
				opts.Passphrase = p
			}

			if chunks {
				if entryID == "" {
					return fmt.Errorf("%w: --chunks needs --entry", common.ErrParameter)
				}
				if chunkLen == 0 {
					chunkLen = a.cfg.ChunkLen
				}
				parts, err := a.eng.ExportEntryChunks(ctx, entryID, opts, chunkLen)
				if err != nil {
					return err
				}
				return a.writeOutput(out, []byte(strings.Join(parts, "\n")+"\n"))
			}

			var (
				data []byte
				err  error
			)
			if entryID != "" {
				data, err = a.eng.ExportEntry(ctx, entryID, opts)
			} else {
				data, err = a.eng.ExportVault(ctx, opts)
			}
			if err != nil {
				return err
			}
			return a.writeOutput(out, data)
		}),
	}
	fs := cmd.Flags()
	fs.StringVarP(&entryID, "entry", "e", "", "export only this entry")
	fs.StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	fs.BoolVar(&chunks, "chunks", false, "split a single-entry export into QR chunks")
	fs.IntVar(&chunkLen, "chunk-size", 0, "maximum characters per chunk (default from --chunk-len)")
	fs.BoolVar(&passphrase, "passphrase", false, "re-encrypt under a separate transfer passphrase")
	fs.DurationVar(&expires, "expires-in", 0, "refuse import after this long (0 never expires)")
	fs.BoolVar(&deleted, "include-deleted", false, "carry tombstones so deletions propagate")
	return cmd
}

func (a *App) importCommand() *cobra.Command {
	var chunks bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Merge a backup or a set of QR chunks into the vault",
		Long: `Entries missing here are added and newer versions replace older ones.
Entries that differ at the same version are reported as conflicts and left
for sync resolution. Use - to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: a.run(true, func(ctx context.Context, args []string) error {
			data, err := a.readInput(args[0])
			if err != nil {
				return err
			}

			pass, err := a.readSecret("Backup passphrase")
			if err != nil {
				return err
			}
			defer common.WipeByteArray(pass)

			var rep *services.ImportReport
			if chunks {
				lines, err := readLines(strings.NewReader(string(data)))
				if err != nil {
					return err
				}
				rep, err = a.eng.ImportChunks(ctx, lines, pass)
				if err != nil {
					return err
				}
			} else if rep, err = a.eng.ImportBackup(ctx, data, pass); err != nil {
				return err
			}

			fmt.Fprintf(a.out, "%s Imported: %d applied, %d skipped, %d conflicts\n",
				color.GreenString("✓"), len(rep.Applied), len(rep.Skipped), len(rep.Conflicts))
			if len(rep.Attachments) > 0 {
				fmt.Fprintf(a.out, "  %d attachments added\n", len(rep.Attachments))
			}
			for _, id := range rep.Conflicts {
				fmt.Fprintln(a.out, "  "+color.RedString("conflict")+" "+id)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&chunks, "chunks", false, "input holds QR chunks, one per line")
	return cmd
}

func (a *App) writeOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := a.out.Write(data)
		return err
	}
	if err := filex.WriteFileAtomic(path, data, 0o600); err != nil {
		return err
	}
	fmt.Fprintln(a.out, color.GreenString("✓")+" Written to "+color.YellowString(path))
	return nil
}

func (a *App) readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(a.in)
	}
	return os.ReadFile(path)
}
