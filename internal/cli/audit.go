package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dmitrijs2005/gophvault/internal/services"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func (a *App) auditCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Score password strength, age and reuse",
		Args:  cobra.NoArgs,
		RunE: a.run(true, func(ctx context.Context, _ []string) error {
			rep, err := a.eng.SecurityReport(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "Security score: %s\n", scoreColor(rep.Score))
			fmt.Fprintf(a.out, "Passwords: %d (strong %d, medium %d, weak %d)\n", rep.Total, rep.Strong, rep.Medium, rep.Weak)
			fmt.Fprintf(a.out, "Age: fresh %d, old %d, very old %d, average %d days\n", rep.Fresh, rep.Old, rep.VeryOld, rep.AverageAgeDays)
			fmt.Fprintf(a.out, "Reused: %d\n", rep.ReusedCount)
			for _, r := range rep.Recommendations {
				fmt.Fprintf(a.out, "  [%s] %s: %s\n", severityColor(r.Severity), r.Title, r.Detail)
			}

			if !verbose || len(rep.Entries) == 0 {
				return nil
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tSCORE\tSTRENGTH\tAGE\tISSUES")
			for _, ps := range rep.Entries {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%dd\t%s\n", ps.EntryID, ps.Title, ps.Score, ps.Strength, ps.AgeDays,
					strings.Join(ps.Issues, ","))
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every scored entry")
	return cmd
}

func scoreColor(score int) string {
	s := fmt.Sprintf("%d/100", score)
	switch services.StrengthOf(score) {
	case services.StrengthStrong:
		return color.GreenString(s)
	case services.StrengthMedium:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

func severityColor(sev string) string {
	switch sev {
	case "high":
		return color.RedString(sev)
	case "medium":
		return color.YellowString(sev)
	default:
		return color.GreenString(sev)
	}
}
