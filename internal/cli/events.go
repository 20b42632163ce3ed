package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func eventsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Record and query context events",
	}
	cmd.AddCommand(eventsIngestCmd(g), eventsQueryCmd(g))
	return cmd
}

func eventsIngestCmd(g *globals) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Record events from a JSON file or stdin",
		Long: `Reads a JSON array of events, a single event object, or one event per
line and posts them to the control plane. Re-sending an event is harmless:
the server reports it as a duplicate.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			events, err := readEvents(in)
			if err != nil {
				return err
			}
			client, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			results, err := client.IngestEvents(ctx, events)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			if err := g.renderer(cmd).BatchResults(results); err != nil {
				return err
			}
			for _, r := range results {
				if r.Error != "" {
					return fmt.Errorf("some events were rejected")
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "events file, - for stdin")
	return cmd
}

// readEvents accepts an array, a single object or newline delimited
// objects.
func readEvents(r io.Reader) ([]json.RawMessage, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("no events given")
	}
	if raw[0] == '[' {
		var events []json.RawMessage
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, fmt.Errorf("parse events: %w", err)
		}
		return events, nil
	}
	var events []json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var e json.RawMessage
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("parse event %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
	return events, nil
}

func eventsQueryCmd(g *globals) *cobra.Command {
	var (
		project, branch string
		types, tags     []string
		all             bool
		since, until    string
		limit           int
	)
	cmd := &cobra.Command{
		Use:     "query",
		Short:   "Query recorded events, newest first",
		Example: `  qaflowctl events query --project shop --tags checkout,flaky --all --since 24h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "project", project)
			setIf(q, "branch", branch)
			setIf(q, "type", strings.Join(types, ","))
			setIf(q, "tags", strings.Join(tags, ","))
			if all {
				q.Set("tagsMode", "all")
			}
			now := time.Now()
			for name, v := range map[string]string{"since": since, "until": until} {
				if v == "" {
					continue
				}
				t, err := parseTimeFlag(v, now)
				if err != nil {
					return fmt.Errorf("--%s: %w", name, err)
				}
				q.Set(name, t.UTC().Format(time.RFC3339Nano))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			client, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			events, err := client.QueryEvents(ctx, q)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			return g.renderer(cmd).Events(events)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&project, "project", "", "project")
	fs.StringVar(&branch, "branch", "", "branch")
	fs.StringSliceVar(&types, "type", nil, "event types")
	fs.StringSliceVar(&tags, "tags", nil, "tags")
	fs.BoolVar(&all, "all", false, "require every tag instead of any")
	fs.StringVar(&since, "since", "", "RFC 3339 time or a duration ago, e.g. 24h")
	fs.StringVar(&until, "until", "", "RFC 3339 time or a duration ago")
	fs.IntVar(&limit, "limit", 0, "maximum events")
	return cmd
}

// parseTimeFlag reads an RFC 3339 time or a duration before now.
func parseTimeFlag(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor a duration", v)
	}
	return now.Add(-d), nil
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
