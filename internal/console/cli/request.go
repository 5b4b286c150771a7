package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/console/pkg/gateway"
)

func newRequestCmd(s *state) *cobra.Command {
	var (
		data     string
		query    []string
		headers  []string
		jq       string
		skipAuth bool
	)

	cmd := &cobra.Command{
		Use:   "request <method> <path>",
		Short: "Send an authenticated request and print the response",
		Example: `  console request GET /users --query page=1 --jq '.data.items[].username'
  console request POST /groups --data '{"name":"ops"}'
  console request PUT /groups/7 --data @group.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseQuery(query)
			if err != nil {
				return err
			}
			body, err := parseData(data, os.ReadFile)
			if err != nil {
				return err
			}

			b := gateway.NewRequest(args[0], args[1]).Params(params)
			if body != nil {
				b = b.JSON(body)
			}
			for _, h := range headers {
				k, v, _ := strings.Cut(h, ":")
				b = b.Header(strings.TrimSpace(k), strings.TrimSpace(v))
			}
			if skipAuth {
				b = b.SkipAuth()
			}
			req, err := b.Build()
			if err != nil {
				return err
			}

			resp, err := s.app.Console().Gateway.Dispatch(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.Context(), cmd.OutOrStdout(), resp, jq)
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body, or @file")
	cmd.Flags().StringArrayVarP(&query, "query", "q", nil, "Query parameter key=value (repeatable)")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Extra header 'Name: value' (repeatable)")
	cmd.Flags().StringVar(&jq, "jq", "", "Filter the response with a jq expression")
	cmd.Flags().BoolVar(&skipAuth, "no-auth", false, "Send without the access token")
	return cmd
}
