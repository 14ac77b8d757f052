/*
Package loadgen drives an fdleakd server toward descriptor exhaustion.

It posts leak batches against a target URL (typically a reverse proxy
in front of the server), polls the server directly for descriptor
status between batches, and counts responses until gateway errors
appear — demonstrating how descriptor exhaustion surfaces as 502s at
the proxy layer.
*/
package loadgen

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
)

// Options configures a load run.
type Options struct {
	// Target is the base URL leak requests are posted to (usually the
	// reverse proxy). Required.
	Target string
	// Direct is the base URL for status polling and final cleanup,
	// bypassing the proxy. Defaults to Target.
	Direct string
	// Batch is the number of descriptors leaked per request. Defaults to 3.
	Batch int
	// MaxRequests caps the number of leak requests. Defaults to 100.
	MaxRequests int
	// GatewayErrorLimit stops the run once this many gateway errors
	// (502/503/504) have been seen. Defaults to 10.
	GatewayErrorLimit int
	// Interval is the pause between leak requests. Defaults to 500ms.
	Interval time.Duration
	// Cleanup posts a final /cleanup to the direct URL when the run ends.
	Cleanup bool
	// Logger is the structured logger. If nil, a default is created.
	Logger *slog.Logger
	// Out receives human-readable progress lines. Defaults to stdout.
	Out io.Writer
	// Client is the HTTP client to use. Defaults to a 10s-timeout client.
	Client *http.Client
}

// Result summarizes a load run.
type Result struct {
	Requests        int
	OK              int
	Rejected        int
	GatewayErrors   int
	OtherErrors     int
	TransportErrors int
	Elapsed         time.Duration
}

// status is the subset of the server's snapshot the generator displays.
type status struct {
	FDCount          int     `json:"fd_count"`
	FDLimitSoft      *uint64 `json:"fd_limit_soft"`
	LeakedFilesCount int     `json:"leaked_files_count"`
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Direct == "" {
		opts.Direct = opts.Target
	}
	if opts.Batch <= 0 {
		opts.Batch = 3
	}
	if opts.MaxRequests <= 0 {
		opts.MaxRequests = 100
	}
	if opts.GatewayErrorLimit <= 0 {
		opts.GatewayErrorLimit = 10
	}
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return opts
}

// Run executes the load run until the gateway-error limit, the request
// cap, or context cancellation stops it.
func Run(ctx context.Context, o Options) (Result, error) {
	opts := o.withDefaults()
	if opts.Target == "" {
		return Result{}, fmt.Errorf("loadgen: target URL is required")
	}

	start := time.Now()
	var res Result

	// Wait for the server to come up before hammering it.
	initial, err := waitReady(ctx, &opts)
	if err != nil {
		return res, fmt.Errorf("server not reachable at %s: %w", opts.Direct, err)
	}
	fmt.Fprintf(opts.Out, "initial descriptor usage: %s\n", formatStatus(initial))

	for i := 1; i <= opts.MaxRequests; i++ {
		if err := ctx.Err(); err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}

		res.Requests++
		verdict := opts.leakOnce(&res)

		line := fmt.Sprintf("[%3d] %s", i, verdict)
		if st, err := opts.fetchStatus(ctx); err == nil {
			line += " - " + formatStatus(st)
		}
		fmt.Fprintln(opts.Out, line)

		if res.GatewayErrors >= opts.GatewayErrorLimit {
			fmt.Fprintf(opts.Out, "reached %d gateway errors, stopping\n", res.GatewayErrors)
			break
		}

		select {
		case <-ctx.Done():
			res.Elapsed = time.Since(start)
			return res, ctx.Err()
		case <-time.After(opts.Interval):
		}
	}

	if opts.Cleanup {
		opts.cleanup(ctx)
	}

	res.Elapsed = time.Since(start)
	printSummary(opts.Out, res)
	return res, nil
}

// waitReady polls the direct status endpoint with exponential backoff
// until the server answers or the backoff gives up.
func waitReady(ctx context.Context, opts *Options) (status, error) {
	var st status

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 15 * time.Second

	err := backoff.Retry(func() error {
		var err error
		st, err = opts.fetchStatus(ctx)
		return err
	}, backoff.WithContext(bo, ctx))

	return st, err
}

// leakOnce posts one leak batch and classifies the outcome.
func (opts *Options) leakOnce(res *Result) string {
	url := fmt.Sprintf("%s/leak?count=%d", strings.TrimRight(opts.Target, "/"), opts.Batch)
	resp, err := opts.Client.Post(url, "application/json", nil)
	if err != nil {
		res.TransportErrors++
		opts.Logger.Debug("leak request failed", "error", err)
		return "TRANSPORT ERROR"
	}
	defer resp.Body.Close() //nolint:errcheck // response body close in defer
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse

	switch {
	case resp.StatusCode == http.StatusOK:
		res.OK++
		return "OK"
	case resp.StatusCode == http.StatusTooManyRequests:
		res.Rejected++
		return "REJECTED (429)"
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		res.GatewayErrors++
		return fmt.Sprintf("GATEWAY ERROR (%d)", resp.StatusCode)
	default:
		res.OtherErrors++
		return fmt.Sprintf("ERROR (%d)", resp.StatusCode)
	}
}

func (opts *Options) fetchStatus(ctx context.Context) (status, error) {
	var st status

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(opts.Direct, "/")+"/", nil)
	if err != nil {
		return st, err
	}
	resp, err := opts.Client.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close() //nolint:errcheck // response body close in defer

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
		return st, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func (opts *Options) cleanup(ctx context.Context) {
	url := strings.TrimRight(opts.Direct, "/") + "/cleanup"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return
	}
	resp, err := opts.Client.Do(req)
	if err != nil {
		opts.Logger.Warn("final cleanup failed", "error", err)
		return
	}
	defer resp.Body.Close() //nolint:errcheck // response body close in defer
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse

	fmt.Fprintf(opts.Out, "final cleanup: %d\n", resp.StatusCode)
}

func formatStatus(st status) string {
	if st.FDLimitSoft != nil && *st.FDLimitSoft > 0 {
		pct := float64(st.FDCount) / float64(*st.FDLimitSoft) * 100
		return fmt.Sprintf("FDs %d/%d (%.0f%%), leaked %d",
			st.FDCount, *st.FDLimitSoft, pct, st.LeakedFilesCount)
	}
	return fmt.Sprintf("FDs %d (limit unknown), leaked %d", st.FDCount, st.LeakedFilesCount)
}

func printSummary(out io.Writer, res Result) {
	fmt.Fprintf(out, "\nrequests:         %s\n", humanize.Comma(int64(res.Requests)))
	fmt.Fprintf(out, "ok:               %s\n", humanize.Comma(int64(res.OK)))
	fmt.Fprintf(out, "rejected (429):   %s\n", humanize.Comma(int64(res.Rejected)))
	fmt.Fprintf(out, "gateway errors:   %s\n", humanize.Comma(int64(res.GatewayErrors)))
	fmt.Fprintf(out, "other errors:     %s\n", humanize.Comma(int64(res.OtherErrors)))
	fmt.Fprintf(out, "transport errors: %s\n", humanize.Comma(int64(res.TransportErrors)))
	fmt.Fprintf(out, "elapsed:          %s\n", res.Elapsed.Round(time.Millisecond))
}
