package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/itchyny/gojq"
)

// printJSON writes data indented, or filtered through a jq expression when
// expr is set. Non-JSON data is written as-is.
func printJSON(ctx context.Context, w io.Writer, data []byte, expr string) error {
	if len(data) == 0 {
		return nil
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		if expr != "" {
			return fmt.Errorf("--jq needs a JSON response: %w", err)
		}
		_, err := fmt.Fprintln(w, strings.TrimRight(string(data), "\n"))
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if expr == "" {
		return enc.Encode(v)
	}
	return runJQ(ctx, expr, v, func(out any) error {
		if s, ok := out.(string); ok {
			_, err := fmt.Fprintln(w, s)
			return err
		}
		return enc.Encode(out)
	})
}

func runJQ(ctx context.Context, expr string, input any, emit func(any) error) error {
	query, err := gojq.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("invalid jq expression: %w", err)
	}

	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, ok := v.(error); ok {
			return fmt.Errorf("jq: %w", err)
		}
		if err := emit(v); err != nil {
			return err
		}
	}
}

// parseQuery turns repeated key=value flags into url.Values.
func parseQuery(pairs []string) (url.Values, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	values := url.Values{}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid query %q, want key=value", pair)
		}
		values.Add(k, v)
	}
	return values, nil
}

// parseData decodes a --data flag. A leading @ reads the named file.
func parseData(raw string, readFile func(string) ([]byte, error)) (any, error) {
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		var err error
		if data, err = readFile(raw[1:]); err != nil {
			return nil, err
		}
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("--data is not valid JSON: %w", err)
	}
	return v, nil
}
