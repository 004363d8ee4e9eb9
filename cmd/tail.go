package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/vadiminshakov/dcakeeper/internal/domain"
)

func tailCmd() *cobra.Command {
	var (
		target      string
		lastEventID uint64
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow execution results from a running keeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			last, err := followExecutions(ctx, http.DefaultClient, target, lastEventID, cmd.OutOrStdout())
			if errors.Is(err, context.Canceled) {
				fmt.Fprintf(cmd.ErrOrStderr(), "stopped after event %d\n", last)
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&target, "url", "http://localhost:8080/executions/stream", "execution stream endpoint")
	cmd.Flags().Uint64Var(&lastEventID, "after", 0, "resume after this journal index")
	return cmd
}

// followExecutions prints one line per streamed execution until the stream ends
// or ctx is done. It returns the last journal index seen.
func followExecutions(ctx context.Context, client *http.Client, target string, after uint64, out io.Writer) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return after, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if after > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(after, 10))
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return after, ctx.Err()
		}
		return after, errors.Wrap(err, "connect to execution stream")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return after, fmt.Errorf("execution stream: unexpected status %d", resp.StatusCode)
	}

	last := after
	var (
		id    uint64
		event string
		data  strings.Builder
	)
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return last, nil
			}
			return last, errors.Wrap(err, "read execution stream")
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			// blank line ends an event
			if event == "execution" && data.Len() > 0 {
				var res domain.ExecutionResult
				if err := json.Unmarshal([]byte(data.String()), &res); err != nil {
					return last, errors.Wrapf(err, "decode event %d", id)
				}
				fmt.Fprintln(out, formatExecution(id, res))
				last = id
			}
			id, event = 0, ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			id, _ = strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
}

func formatExecution(id uint64, res domain.ExecutionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s %s %s", id, res.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), res.Status(), res.AccountID)
	if res.TxDigest != "" {
		fmt.Fprintf(&b, " tx=%s", res.TxDigest)
	}
	if res.DryRun {
		b.WriteString(" dry-run")
	}
	if res.Error != "" {
		fmt.Fprintf(&b, " error=%q", res.Error)
	}
	return b.String()
}
