package cli

import (
	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/console/pkg/consoleapi"
)

func newResourceCmd(s *state) *cobra.Command {
	var jq string

	cmd := &cobra.Command{
		Use:   "resource <name>",
		Short: "List, show and delete admin resources",
		Long:  "Work with a REST collection of the admin API, e.g. users, groups, roles or departments.",
	}
	cmd.PersistentFlags().StringVar(&jq, "jq", "", "Filter the response data with a jq expression")

	print := func(cmd *cobra.Command, env *consoleapi.Envelope) error {
		return printJSON(cmd.Context(), cmd.OutOrStdout(), env.Data, jq)
	}

	var query []string
	list := &cobra.Command{
		Use:   "list <name>",
		Short: "List a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseQuery(query)
			if err != nil {
				return err
			}
			env, err := s.app.Console().Client.Resource(args[0]).List(cmd.Context(), params)
			if err != nil {
				return err
			}
			return print(cmd, env)
		},
	}
	list.Flags().StringArrayVarP(&query, "query", "q", nil, "Query parameter key=value (repeatable)")

	get := &cobra.Command{
		Use:   "get <name> <id>",
		Short: "Show one item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := s.app.Console().Client.Resource(args[0]).Get(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			return print(cmd, env)
		},
	}

	del := &cobra.Command{
		Use:   "delete <name> <id>...",
		Short: "Delete one item, or several in a single batch call",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := s.app.Console().Client.Resource(args[0])
			ids := args[1:]

			var (
				env *consoleapi.Envelope
				err error
			)
			if len(ids) == 1 {
				env, err = res.Delete(cmd.Context(), ids[0])
			} else {
				env, err = res.BatchDelete(cmd.Context(), ids)
			}
			if err != nil {
				return err
			}
			return print(cmd, env)
		},
	}

	refresh := &cobra.Command{
		Use:   "refresh-cache <name> [id]",
		Short: "Refresh the server cache of one item or the whole collection",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := s.app.Console().Client.Resource(args[0])

			var (
				env *consoleapi.Envelope
				err error
			)
			if len(args) == 2 {
				env, err = res.RefreshCache(cmd.Context(), args[1])
			} else {
				env, err = res.RefreshCacheAll(cmd.Context())
			}
			if err != nil {
				return err
			}
			return print(cmd, env)
		},
	}

	cmd.AddCommand(list, get, del, refresh)
	return cmd
}
