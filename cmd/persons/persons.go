package persons

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tphakala/callsync/internal/app"
	"github.com/tphakala/callsync/internal/conf"
	"github.com/tphakala/callsync/internal/datastore"
	"github.com/tphakala/callsync/internal/datastore/entities"
)

// Command creates the persons command with its list and edit subcommands.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persons",
		Short: "List persons and edit their notes, names and exclusion",
	}

	cmd.AddCommand(
		listCommand(settings),
		editCommand(settings, "note <number> [text]", "Set or clear (no text) the note of a person",
			func(ctx context.Context, s *datastore.Store, number string, value *string) error {
				return s.SetPersonNote(ctx, number, value)
			}),
		editCommand(settings, "name <number> [name]", "Set or clear (no name) the display name override",
			func(ctx context.Context, s *datastore.Store, number string, value *string) error {
				return s.SetNameOverride(ctx, number, value)
			}),
		exclusionCommand(settings, "exclude", true),
		exclusionCommand(settings, "include", false),
		recomputeCommand(settings),
	)

	return cmd
}

func listCommand(settings *conf.Settings) *cobra.Command {
	var (
		all    bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persons by most recent call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), settings, func(ctx context.Context, s *datastore.Store) error {
				persons, err := s.ListPersons(ctx, all)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(persons)
				}
				printPersons(persons)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include excluded persons")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	return cmd
}

func editCommand(settings *conf.Settings, use, short string,
	apply func(ctx context.Context, s *datastore.Store, number string, value *string) error,
) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value *string
			if len(args) == 2 {
				value = &args[1]
			}
			return withStore(cmd.Context(), settings, func(ctx context.Context, s *datastore.Store) error {
				if err := apply(ctx, s, args[0], value); err != nil {
					return err
				}
				return printPerson(ctx, s, args[0])
			})
		},
	}
}

func exclusionCommand(settings *conf.Settings, use string, excluded bool) *cobra.Command {
	short := "Show a person and their calls again"
	if excluded {
		short = "Hide a person and their calls from listings and sync"
	}
	return &cobra.Command{
		Use:   use + " <number>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), settings, func(ctx context.Context, s *datastore.Store) error {
				if err := s.SetExcluded(ctx, args[0], excluded); err != nil {
					return err
				}
				return printPerson(ctx, s, args[0])
			})
		},
	}
}

func recomputeCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <number>",
		Short: "Rebuild a person's call totals from the call records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), settings, func(ctx context.Context, s *datastore.Store) error {
				if err := s.RecomputeAggregate(ctx, args[0]); err != nil {
					return err
				}
				return printPerson(ctx, s, args[0])
			})
		},
	}
}

func withStore(ctx context.Context, settings *conf.Settings, fn func(context.Context, *datastore.Store) error) error {
	a, err := app.New(ctx, settings)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(ctx, a.Store)
}

func printPerson(ctx context.Context, s *datastore.Store, number string) error {
	p, err := s.GetPerson(ctx, number)
	if err != nil {
		return err
	}
	printPersons([]entities.PersonAggregate{*p})
	return nil
}

func printPersons(persons []entities.PersonAggregate) {
	if len(persons) == 0 {
		fmt.Println("No persons.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "NUMBER\tNAME\tCALLS\tEXCLUDED\tNOTE")
	for i := range persons {
		p := &persons[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n",
			p.NormalizedNumber, displayName(p), p.TotalCalls, p.IsExcluded, deref(p.Note))
	}
}

func displayName(p *entities.PersonAggregate) string {
	if p.NameOverride != nil {
		return *p.NameOverride
	}
	return deref(p.ContactName)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
