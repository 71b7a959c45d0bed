package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/models"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// entryFlags are the editable fields shared by add and edit.
type entryFlags struct {
	title    string
	username string
	category string
	email    string
	url      string
	notes    string
	tags     []string
	fields   []string
	favorite bool
	password bool
}

func (f *entryFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.title, "title", "t", "", "entry title")
	fs.StringVarP(&f.username, "username", "u", "", "user name")
	fs.StringVar(&f.category, "category", "", "category: login, note, card or other")
	fs.StringVar(&f.email, "email", "", "e-mail address")
	fs.StringVar(&f.url, "url", "", "site address")
	fs.StringVar(&f.notes, "notes", "", "free-form notes")
	fs.StringSliceVar(&f.tags, "tag", nil, "tag, repeatable")
	fs.StringArrayVar(&f.fields, "field", nil, "custom field as name=value, repeatable")
	fs.BoolVar(&f.favorite, "favorite", false, "mark as favorite")
	fs.BoolVarP(&f.password, "password", "p", false, "prompt for the entry password")
}

func (a *App) addCommand() *cobra.Command {
	var f entryFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an entry",
		Example: `  vaultctl add --title github.com --username alice --password
  vaultctl add -t "wifi" --category note --notes "ssid: home"`,
		Args: cobra.NoArgs,
		RunE: a.run(true, func(ctx context.Context, _ []string) error {
			fields, err := models.FieldsFromStrings(f.fields)
			if err != nil {
				return err
			}
			in := models.NewEntry{
				Title:    f.title,
				Username: f.username,
				Category: models.Category(f.category),
				Secret: models.Secret{
					Email:    f.email,
					URL:      f.url,
					Notes:    f.notes,
					Tags:     f.tags,
					Favorite: f.favorite,
					Fields:   fields,
				},
			}
			if f.password {
				pw, err := a.readSecret("Entry password")
				if err != nil {
					return err
				}
				in.Secret.Password = string(pw)
				common.WipeByteArray(pw)
			}
			defer in.Secret.Wipe()

			e, err := a.eng.CreateEntry(ctx, in)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, color.GreenString("✓")+" Added "+color.CyanString(e.Title)+" "+color.YellowString(e.ID))
			return nil
		}),
	}
	f.register(cmd)
	return cmd
}

func (a *App) listCommand() *cobra.Command {
	var (
		category string
		search   string
		since    time.Duration
		all      bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List entries without decrypting them",
		Args:    cobra.NoArgs,
		RunE: a.run(true, func(ctx context.Context, _ []string) error {
			filter := models.Filter{
				Category:          models.Category(category),
				TitleContains:     search,
				IncludeTombstoned: all,
			}
			if since > 0 {
				filter.UpdatedSince = time.Now().Add(-since)
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tUSERNAME\tCATEGORY\tVERSION\tUPDATED")
			n := 0
			for e, err := range a.eng.ListEntries(ctx, filter) {
				if err != nil {
					return err
				}
				title := e.Title
				if e.Tombstoned {
					title += " (deleted)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", e.ID, title, e.Username, e.Category, e.Version,
					e.UpdatedAt.Local().Format("2006-01-02 15:04"))
				n++
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%d entries\n", n)
			return nil
		}),
	}
	fs := cmd.Flags()
	fs.StringVar(&category, "category", "", "only this category")
	fs.StringVarP(&search, "search", "s", "", "title contains, case-insensitive")
	fs.DurationVar(&since, "changed-within", 0, "only entries updated within this long")
	fs.BoolVar(&all, "all", false, "include deleted entries")
	return cmd
}

func (a *App) showCommand() *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Decrypt and print one entry",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(true, func(ctx context.Context, args []string) error {
			d, err := a.eng.ReadEntry(ctx, args[0])
			if err != nil {
				return err
			}
			defer d.Secret.Wipe()

			password := strings.Repeat("*", 8)
			if reveal {
				password = d.Secret.Password
			}
			if d.Secret.Password == "" {
				password = ""
			}

			fmt.Fprintln(a.out, "Title:    "+color.CyanString(d.Title))
			line := func(name, value string) {
				if value != "" {
					fmt.Fprintf(a.out, "%-9s %s\n", name+":", value)
				}
			}
			line("Username", d.Username)
			line("Password", password)
			line("Email", d.Secret.Email)
			line("URL", d.Secret.URL)
			line("Category", string(d.Category))
			line("Tags", strings.Join(d.Secret.Tags, ", "))
			for _, f := range d.Secret.Fields {
				line(f.Name, f.Value)
			}
			if d.Secret.Favorite {
				line("Favorite", "yes")
			}
			line("Notes", d.Secret.Notes)
			fmt.Fprintf(a.out, "Version:  %d (updated %s)\n", d.Version, d.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&reveal, "reveal", "r", false, "print the password in clear")
	return cmd
}

func (a *App) editCommand() *cobra.Command {
	var (
		f      entryFlags
		expect int64
	)
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change fields of an entry",
		Long: `Only the flags given are changed. The update is refused if the entry
changed since it was read; --expect-version pins the version explicitly.`,
		Args: cobra.ExactArgs(1),
	}
	cmd.RunE = a.run(true, func(ctx context.Context, args []string) error {
		cur, err := a.eng.ReadEntry(ctx, args[0])
		if err != nil {
			return err
		}
		defer cur.Secret.Wipe()

		upd := models.EntryUpdate{
			ID:              cur.ID,
			ExpectedVersion: cur.Version,
			Title:           cur.Title,
			Username:        cur.Username,
			Category:        cur.Category,
			Secret:          cur.Secret,
		}
		if expect > 0 {
			upd.ExpectedVersion = expect
		}

		changed := cmd.Flags().Changed
		if changed("title") {
			upd.Title = f.title
		}
		if changed("username") {
			upd.Username = f.username
		}
		if changed("category") {
			upd.Category = models.Category(f.category)
		}
		if changed("email") {
			upd.Secret.Email = f.email
		}
		if changed("url") {
			upd.Secret.URL = f.url
		}
		if changed("notes") {
			upd.Secret.Notes = f.notes
		}
		if changed("tag") {
			upd.Secret.Tags = f.tags
		}
		if changed("favorite") {
			upd.Secret.Favorite = f.favorite
		}
		if changed("field") {
			if upd.Secret.Fields, err = models.FieldsFromStrings(f.fields); err != nil {
				return err
			}
		}
		if f.password {
			pw, err := a.readSecret("New entry password")
			if err != nil {
				return err
			}
			upd.Secret.Password = string(pw)
			common.WipeByteArray(pw)
		}

		v, err := a.eng.UpdateEntry(ctx, upd)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s Updated %s to version %d\n", color.GreenString("✓"), color.CyanString(upd.Title), v)
		return nil
	})
	f.register(cmd)
	cmd.Flags().Int64Var(&expect, "expect-version", 0, "fail unless the entry is at this version")
	return cmd
}

func (a *App) rmCommand() *cobra.Command {
	var expect int64
	cmd := &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete an entry, leaving a tombstone for sync",
		Args:    cobra.ExactArgs(1),
		RunE: a.run(true, func(ctx context.Context, args []string) error {
			version := expect
			if version == 0 {
				cur, err := a.eng.ReadEntry(ctx, args[0])
				if err != nil {
					return err
				}
				cur.Secret.Wipe()
				version = cur.Version
			}
			v, err := a.eng.DeleteEntry(ctx, args[0], version)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s Deleted %s (tombstone version %d)\n", color.GreenString("✓"), args[0], v)
			return nil
		}),
	}
	cmd.Flags().Int64Var(&expect, "expect-version", 0, "fail unless the entry is at this version")
	return cmd
}

func (a *App) purgeCommand() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove tombstones older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: a.run(true, func(ctx context.Context, _ []string) error {
			n, err := a.eng.PurgeTombstones(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s Purged %d tombstones\n", color.GreenString("✓"), n)
			return nil
		}),
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "only tombstones deleted longer ago than this")
	return cmd
}
