package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nao1215/gatekeeper/internal/config"
)

func newValidateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long:  "Validate the configuration file and print the routing table in declaration order. Exits with status 1 on any configuration fault.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd, opts)
		},
	}
}

// runValidate は設定を検証し、ルーティングテーブルと警告を表示する。
func runValidate(cmd *cobra.Command, opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	table := cfg.RoutingTable()

	okColor.Fprintf(out, "OK")
	fmt.Fprintf(out, " %s: %d apps, default_app=%s\n", opts.configPath, len(table.Apps), table.DefaultApp)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tBASE PATH\tLOGIN PATH\tPORT\tAUTH\tEXCLUDE")
	for _, app := range table.Apps {
		base := app.BasePath
		if base == "" {
			base = `""`
		}
		name := app.Name
		if name == table.DefaultApp {
			name += " (default)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\n",
			name, base, app.LoginPath, app.Port, app.AuthRequired, strings.Join(app.ExcludePaths, ","))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, w := range table.Warnings() {
		warnColor.Fprintf(out, "WARN")
		fmt.Fprintf(out, " %s\n", w)
	}
	return nil
}
