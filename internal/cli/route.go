package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nao1215/gatekeeper/internal/config"
	"github.com/nao1215/gatekeeper/internal/gateway"
)

func newRouteCommand(opts *options) *cobra.Command {
	var (
		cookies []string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "route <path|url>",
		Short: "Explain the routing decision for a request",
		Long:  "Explain which app owns a path and what the gateway would do with it, given the cookies present. No request is sent.",
		Example: `  gateway route /orders/widgets
  gateway route /orders/widgets --cookie orders-auth
  gateway route "https://example.com:3000/orders/login?next=1" --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			router, err := gateway.NewRouter(cfg.RoutingTable())
			if err != nil {
				return err
			}
			exp, err := router.Explain(args[0], cookies)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(exp)
			}
			printExplanation(cmd, exp)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&cookies, "cookie", nil, "Cookie name present on the request (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the decision as JSON")
	return cmd
}

// printExplanation は判定結果を人が読める形式で表示する。
func printExplanation(cmd *cobra.Command, exp gateway.Explanation) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "target:  %s\n", exp.Target)
	app := exp.Outcome.App
	if app == "" {
		app = "-"
	}
	fmt.Fprintf(out, "app:     %s\n", app)
	if !exp.Evaluated {
		dimColor.Fprintf(out, "not evaluated (skip path), request is passed through\n")
		return
	}
	fmt.Fprint(out, "action:  ")
	actionColor(exp.Outcome.Action).Fprintf(out, "%s", exp.Outcome.Action)
	fmt.Fprintf(out, " (%s)\n", exp.Outcome.Reason)
	if exp.Location != "" {
		fmt.Fprintf(out, "to:      %s\n", exp.Location)
	}
}
