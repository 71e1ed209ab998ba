package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/metalagman/sonda/internal/macro"
	"github.com/metalagman/sonda/internal/plan"
	"github.com/metalagman/sonda/internal/run"
)

func macroCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "macro",
		Short: "Manage stored macros",
	}
	cmd.AddCommand(macroSaveCmd())
	cmd.AddCommand(macroListCmd())
	cmd.AddCommand(macroDeleteCmd())
	cmd.AddCommand(macroRunCmd())
	return cmd
}

func macroKeyFlags(cmd *cobra.Command, key *macro.Key) {
	cmd.Flags().StringVar(&key.Hostname, "hostname", "", "site hostname the macro applies to")
	cmd.Flags().StringVar(&key.PathPattern, "path", "", "path pattern the macro applies to")
	cmd.Flags().StringVar(&key.FormSignature, "form", "", "optional form signature")
	cmd.Flags().StringVar(&key.Name, "name", "", "optional macro name")
	_ = cmd.MarkFlagRequired("hostname")
	_ = cmd.MarkFlagRequired("path")
}

func macroSaveCmd() *cobra.Command {
	var key macro.Key
	var params []string
	var planFile string
	cmd := &cobra.Command{
		Use:          "save",
		Short:        "Store a parameterized plan as a macro",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDB, _, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			raw, err := os.ReadFile(planFile)
			if err != nil {
				return fmt.Errorf("read plan file: %w", err)
			}
			var p plan.Plan
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("parse plan file: %w", err)
			}

			m := macro.Macro{
				Hostname:      key.Hostname,
				PathPattern:   key.PathPattern,
				FormSignature: key.FormSignature,
				Name:          key.Name,
				Params:        params,
				Plan:          p,
			}
			if err := macro.NewStore(storeDB).Save(cmd.Context(), m); err != nil {
				return err
			}
			fmt.Printf("macro %s saved\n", key)
			return nil
		},
	}
	macroKeyFlags(cmd, &key)
	cmd.Flags().StringSliceVar(&params, "param", nil, "parameter name the plan's {placeholders} expect (repeatable)")
	cmd.Flags().StringVar(&planFile, "plan", "", "path to the plan JSON file")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func macroListCmd() *cobra.Command {
	var hostname string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored macros",
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDB, _, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			macros, err := macro.NewStore(storeDB).List(cmd.Context(), hostname)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HOSTNAME\tPATH\tNAME\tPARAMS\tUSES\tUPDATED")
			for _, m := range macros {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%d\t%s\n", m.Hostname, m.PathPattern, m.Name, m.Params, m.Uses, m.UpdatedAt)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&hostname, "hostname", "", "filter by hostname")
	return cmd
}

func macroDeleteCmd() *cobra.Command {
	var key macro.Key
	cmd := &cobra.Command{
		Use:          "delete",
		Short:        "Delete a stored macro",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDB, _, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			if err := macro.NewStore(storeDB).Delete(cmd.Context(), key); err != nil {
				return err
			}
			fmt.Printf("macro %s deleted\n", key)
			return nil
		},
	}
	macroKeyFlags(cmd, &key)
	return cmd
}

func macroRunCmd() *cobra.Command {
	var key macro.Key
	var params map[string]string
	var startURL string
	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Apply parameters to a stored macro and run it",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDB, root, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}

			store := macro.NewStore(storeDB)
			m, err := store.Get(cmd.Context(), key)
			if err != nil {
				return err
			}
			if m == nil {
				return fmt.Errorf("macro %s not found", key)
			}
			if missing := macro.MissingParams(*m, params); len(missing) > 0 {
				return fmt.Errorf("missing params: %v", missing)
			}

			vd, err := plan.NewValidator()
			if err != nil {
				return err
			}
			p, err := macro.Apply(vd, *m, params)
			if err != nil {
				return err
			}

			runner, err := newRunner(root, cfg, storeDB)
			if err != nil {
				return err
			}
			res, err := runner.Run(cmd.Context(), run.Task{
				Goal:     p.Goal,
				StartURL: startURL,
				Plan:     p,
				MacroID:  m.ID,
			})
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	}
	macroKeyFlags(cmd, &key)
	cmd.Flags().StringToStringVar(&params, "set", nil, "parameter values as name=value (repeatable)")
	cmd.Flags().StringVar(&startURL, "url", "", "page to start from")
	return cmd
}
