package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zen-systems/selfheal/pkg/config"
	"github.com/zen-systems/selfheal/pkg/consensus"
	"github.com/zen-systems/selfheal/pkg/store"
	"github.com/zen-systems/selfheal/pkg/supervisor"
)

func selectorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "selectors",
		Short: "Manage stored site selectors",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored selectors per host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			sites, err := db.ListSelectors(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HOST\tSOURCE\tHITS\tUPDATED\tSELECTORS")
			for _, site := range sites {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					site.Host, site.Source, site.Hits, site.UpdatedAt.Format(time.RFC3339), formatSelectors(site.Selectors))
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [url] [field=selector]...",
		Short: "Store selectors for a site by hand",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel := consensus.Selectors{}
			for _, pair := range args[1:] {
				field, value, ok := strings.Cut(pair, "=")
				field, value = strings.TrimSpace(field), strings.TrimSpace(value)
				if !ok || field == "" || value == "" {
					return fmt.Errorf("expected field=selector, got %q", pair)
				}
				sel[field] = value
			}

			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			site, err := db.SaveSelectors(cmd.Context(), args[0], sel, "manual")
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Stored %d selectors for %s.\n", len(site.Selectors), site.Host)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [url]",
		Short: "Forget the selectors stored for a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.DeleteSelectors(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "Deleted.")
			return nil
		},
	})

	return cmd
}

func runsCmd() *cobra.Command {
	var (
		limit int
		host  string
		phase string
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List finished runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			filter := store.RunFilter{Host: host, Limit: limit, Phase: supervisor.Phase(strings.ToUpper(phase))}
			runs, err := db.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tHOST\tPHASE\tSTRATEGIES\tRETRIES\tSTARTED\tERROR")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.RunID, r.Host, r.Phase, formatHistory(r.History), r.RetryCount,
					r.StartedAt.Format(time.RFC3339), r.ErrorMessage)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to show")
	cmd.Flags().StringVar(&host, "host", "", "only show runs for this host")
	cmd.Flags().StringVar(&phase, "phase", "", "only show runs that ended in this phase (success, failed)")

	return cmd
}

func policyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "policy",
		Short: "Print the effective policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(aliases.ResolvePolicy(cfg.Policy)); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [policy.yaml]",
		Short: "Validate a policy file",
		Long:  "Loads a policy, checks its settings and that every model it names is known.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := config.LoadPolicy(args[0])
			if err != nil {
				return err
			}
			if errs := aliases.ValidatePolicy(p); len(errs) > 0 {
				fmt.Fprintf(os.Stderr, "Found %d model errors:\n", len(errs))
				for _, err := range errs {
					fmt.Fprintf(os.Stderr, "  - %s\n", err)
				}
				return fmt.Errorf("validation failed")
			}
			fmt.Println("Policy is valid.")
			return nil
		},
	}
}

func modelsCmd() *cobra.Command {
	var resolveFlag bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List providers, models and aliases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			if resolveFlag {
				fmt.Fprintln(w, "ALIAS\tMODEL")
				aliasMap := aliases.ListAliases()
				names := make([]string, 0, len(aliasMap))
				for name := range aliasMap {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(w, "%s\t%s\n", name, aliasMap[name])
				}
				return w.Flush()
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			fmt.Fprintln(w, "PROVIDER\tMODELS\tSTATUS")
			for _, provider := range aliases.ListProviders() {
				status := "no key"
				if cfg.HasAdapter(provider) {
					status = "ready"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", provider, strings.Join(aliases.GetProviderModels(provider), ", "), status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&resolveFlag, "resolve", false, "show aliases and what they resolve to")
	return cmd
}

func formatSelectors(sel consensus.Selectors) string {
	fields := sel.Fields()
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f + "=" + sel[f]
	}
	return strings.Join(parts, " ")
}
