package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/models"
	"github.com/dmitrijs2005/gophvault/internal/remote"
	"github.com/dmitrijs2005/gophvault/internal/services"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var errNoRemote = errors.New("no remote configured, set --s3-bucket or s3.bucket in the config file")

func (a *App) planCommand() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what a sync would upload, download or flag as conflict",
		Args:  cobra.NoArgs,
		RunE: a.run(true, func(ctx context.Context, _ []string) error {
			if refresh {
				backend, err := newBackend(ctx, a.cfg)
				if err != nil {
					return err
				}
				if _, err := a.eng.RefreshRemote(ctx, backend); err != nil {
					return err
				}
			}
			plan, err := a.eng.GetSyncPlan(ctx)
			if err != nil {
				return err
			}
			if len(plan) == 0 {
				fmt.Fprintln(a.out, color.GreenString("✓")+" Nothing to sync")
				return nil
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ENTRY\tACTION\tLOCAL\tREMOTE")
			for _, act := range plan {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", act.EntryID, actionLabel(act.Action), act.LocalVersion, act.RemoteVersion)
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "query the remote first")
	return cmd
}

func actionLabel(k models.SyncActionKind) string {
	switch k {
	case models.SyncUpload:
		return color.CyanString(string(k))
	case models.SyncDownload:
		return color.YellowString(string(k))
	default:
		return color.RedString(string(k))
	}
}

func (a *App) syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Exchange changed entries with the remote",
		Args:  cobra.NoArgs,
		RunE: a.run(true, func(ctx context.Context, _ []string) error {
			backend, err := newBackend(ctx, a.cfg)
			if err != nil {
				return err
			}
			if _, err := a.eng.RefreshRemote(ctx, backend); err != nil {
				return err
			}
			plan, err := a.eng.GetSyncPlan(ctx)
			if err != nil {
				return err
			}

			rep, runErr := remote.NewRunner(a.eng, backend, a.log).Execute(ctx, plan)
			if rep != nil {
				fmt.Fprintf(a.out, "%s Uploaded %d, downloaded %d, conflicts %d\n", color.GreenString("✓"),
					len(rep.Uploaded), len(rep.Downloaded), len(rep.Conflicts))
				for _, id := range rep.Stale {
					fmt.Fprintln(a.out, "  "+color.YellowString("stale")+" "+id+"  (local copy is newer, uploads on the next sync)")
				}
				for _, id := range rep.Conflicts {
					fmt.Fprintln(a.out, "  "+color.RedString("conflict")+" "+id+"  (vaultctl resolve "+id+" --keep local|remote)")
				}
				failed := make([]string, 0, len(rep.Failed))
				for id := range rep.Failed {
					failed = append(failed, id)
				}
				sort.Strings(failed)
				for _, id := range failed {
					fmt.Fprintln(a.out, "  "+color.RedString("failed")+" "+id+": "+rep.Failed[id].Error())
				}
			}
			return runErr
		}),
	}
}

func (a *App) resolveCommand() *cobra.Command {
	var keep string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Settle a sync conflict by keeping one side",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(true, func(ctx context.Context, args []string) error {
			id := args[0]
			var (
				res     services.Resolution
				payload []byte
			)
			switch keep {
			case "local":
				res = services.KeepLocal
			case "remote":
				res = services.KeepRemote
				backend, err := newBackend(ctx, a.cfg)
				if err != nil {
					return err
				}
				if _, err := a.eng.RefreshRemote(ctx, backend); err != nil {
					return err
				}
				remoteID, err := a.conflictRemoteID(ctx, id)
				if err != nil {
					return err
				}
				if payload, err = backend.Download(ctx, remoteID); err != nil {
					return err
				}
			default:
				return fmt.Errorf("%w: --keep must be local or remote", common.ErrParameter)
			}

			if err := a.eng.ResolveConflict(ctx, id, res, payload); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s Kept %s copy of %s, run sync to publish it\n", color.GreenString("✓"), keep, id)
			return nil
		}),
	}
	cmd.Flags().StringVar(&keep, "keep", "local", "side to keep: local or remote")
	return cmd
}

func (a *App) conflictRemoteID(ctx context.Context, id string) (string, error) {
	plan, err := a.eng.GetSyncPlan(ctx)
	if err != nil {
		return "", err
	}
	for _, act := range plan {
		if act.EntryID == id && act.Action == models.SyncConflict {
			if act.RemoteID == "" {
				break
			}
			return act.RemoteID, nil
		}
	}
	return "", fmt.Errorf("%w: no remote copy of %s in conflict", common.ErrorNotFound, id)
}
