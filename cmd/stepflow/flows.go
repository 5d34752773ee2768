package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tcmartin/stepflow/pkg/loader"
	"github.com/tcmartin/stepflow/pkg/logging"
	"github.com/tcmartin/stepflow/pkg/runtime"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check flow definition files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l := loader.NewYAMLLoader(nil, nil)
			failed := 0
			for _, path := range args {
				def, err := l.ParseFile(path)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %v\n", err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%s, %d steps)\n", path, def.ID, len(def.Steps))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d flow files are invalid", failed, len(args))
			}
			return nil
		},
	}
}

func flowsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "List the flows the server would load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flows, err := buildRegistry(cfg, runtime.DefaultRules(), resolverFromConfig(cfg), logging.NewNopLogger())
			if err != nil {
				return err
			}

			infos := flows.List()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTEPS\tCHECKPOINTS\tSOURCE")
			for _, info := range infos {
				checkpoints := make([]string, 0, len(info.Checkpoints))
				for step := range info.Checkpoints {
					checkpoints = append(checkpoints, step)
				}
				sort.Strings(checkpoints)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					info.ID,
					strings.Join(info.Steps, ","),
					strings.Join(checkpoints, ","),
					info.Source)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}
