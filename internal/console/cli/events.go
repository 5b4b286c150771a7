package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aussiebroadwan/console/pkg/consoleapi"
)

func newEventsCmd(s *state) *cobra.Command {
	var jq string

	cmd := &cobra.Command{
		Use:   "events [path]",
		Short: "Stream server events until interrupted",
		Long: "Print one JSON line per server-sent event. Metrics are served on the " +
			"configured metrics address while the stream is open.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := consoleapi.DefaultEventsPath
			if len(args) == 1 {
				path = args[0]
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			g, ctx := errgroup.WithContext(ctx)

			sub, err := s.app.Console().Events.Subscribe(ctx, path)
			if err != nil {
				return err
			}

			g.Go(func() error { return s.app.ServeMetrics(ctx) })
			g.Go(func() error {
				// The metrics server runs until the stream ends.
				defer cancel()

				out := cmd.OutOrStdout()
				for ev := range sub.Events() {
					line, err := eventLine(ev)
					if err != nil {
						return err
					}
					if jq == "" {
						fmt.Fprintln(out, string(line))
						continue
					}
					if err := printJSON(ctx, out, line, jq); err != nil {
						return err
					}
				}
				return sub.Err()
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&jq, "jq", "", "Filter each event with a jq expression")
	return cmd
}

func eventLine(ev consoleapi.Event) ([]byte, error) {
	out := map[string]any{"id": ev.ID, "type": ev.Type}
	var data any
	if err := json.Unmarshal(ev.Data, &data); err == nil {
		out["data"] = data
	} else {
		out["data"] = string(ev.Data)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}
