package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "http://localhost:8080", "tieredstore API address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "version":
		fmt.Printf("tsctl %s\n", version)
	case "status":
		cmdStatus(*addr)
	case "sites":
		cmdSites(*addr)
	case "query":
		if len(args) < 5 {
			fmt.Fprintln(os.Stderr, "usage: tsctl query <site> <points> <start> <end>")
			os.Exit(1)
		}
		cmdQuery(*addr, args[1], args[2], args[3], args[4])
	case "backfill":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: tsctl backfill <state|run|advance|reset> <site>")
			os.Exit(1)
		}
		cmdBackfill(*addr, args[1], args[2])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `tsctl - tieredstore management CLI

Usage:
  tsctl [flags] <command> [args]

Commands:
  status                               Show service status
  sites                                List sites at the upstream source
  query <site> <points> <start> <end>  Query samples (points comma-separated,
                                       times in unix ms or RFC3339)
  backfill state <site>                Show backfill progress for a site
  backfill run <site>                  Run one bounded backfill invocation
  backfill advance <site>              Force-advance the backfill date
  backfill reset <site>                Reset the backfill record
  version                              Show version

Flags:
  -addr string   API address (default "http://localhost:8080")`)
}

func cmdStatus(addr string) {
	resp, err := http.Get(addr + "/v1/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdSites(addr string) {
	resp, err := http.Get(addr + "/v1/sources/sites")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		printJSON(resp.Body)
		os.Exit(1)
	}

	var payload struct {
		Sites []string `json:"sites"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}
	for _, site := range payload.Sites {
		fmt.Println(site)
	}
}

func cmdQuery(addr, site, points, start, end string) {
	q := url.Values{}
	q.Set("points", points)
	q.Set("start", start)
	q.Set("end", end)

	resp, err := http.Get(addr + "/v1/sites/" + url.PathEscape(site) + "/query?" + q.Encode())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		printJSON(resp.Body)
		os.Exit(1)
	}

	var result struct {
		Series []struct {
			Point  string `json:"point"`
			Source string `json:"source"`
			Data   []struct {
				TS    int64   `json:"ts"`
				Value float64 `json:"v"`
			} `json:"data"`
		} `json:"series"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POINT\tROWS\tSOURCE")
	for _, s := range result.Series {
		fmt.Fprintf(w, "%s\t%d\t%s\n", s.Point, len(s.Data), s.Source)
	}
	w.Flush()

	fmt.Printf("\nstrategy=%v tiers=%v total_rows=%v skipped_partitions=%v\n",
		result.Metadata["strategy"],
		result.Metadata["tiers"],
		result.Metadata["total_rows"],
		result.Metadata["partitions_skipped"])
}

func cmdBackfill(addr, sub, site string) {
	base := addr + "/v1/backfill/" + url.PathEscape(site)
	var (
		resp *http.Response
		err  error
	)
	switch sub {
	case "state":
		resp, err = http.Get(base)
	case "run":
		resp, err = http.Post(base+"/run", "", nil)
	case "advance":
		resp, err = http.Post(base+"/advance", "", nil)
	case "reset":
		resp, err = http.Post(base+"/reset", "", nil)
	default:
		fmt.Fprintf(os.Stderr, "unknown backfill subcommand: %s\n", sub)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if sub == "state" {
		printBackfillState(resp.Body)
		return
	}
	printJSON(resp.Body)
}

func printBackfillState(r io.Reader) {
	var payload struct {
		State struct {
			Site           string   `json:"site_name"`
			Status         string   `json:"status"`
			Start          string   `json:"backfill_start"`
			End            string   `json:"backfill_end"`
			Current        string   `json:"current_date"`
			CompletedDates []string `json:"completed_dates"`
			FailedDates    []string `json:"failed_dates"`
			TotalSamples   int64    `json:"total_samples"`
		} `json:"state"`
		ProgressPct float64 `json:"progress_pct"`
		ETA         string  `json:"eta"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "site\t%s\n", payload.State.Site)
	fmt.Fprintf(w, "status\t%s\n", payload.State.Status)
	fmt.Fprintf(w, "window\t%s .. %s\n", payload.State.Start, payload.State.End)
	fmt.Fprintf(w, "current\t%s\n", payload.State.Current)
	fmt.Fprintf(w, "completed\t%d days\n", len(payload.State.CompletedDates))
	if len(payload.State.FailedDates) > 0 {
		fmt.Fprintf(w, "failed\t%s\n", strings.Join(payload.State.FailedDates, ", "))
	}
	fmt.Fprintf(w, "samples\t%d\n", payload.State.TotalSamples)
	fmt.Fprintf(w, "progress\t%.2f%%\n", payload.ProgressPct)
	if payload.ETA != "" {
		fmt.Fprintf(w, "eta\t%s\n", payload.ETA)
	}
	w.Flush()
}

func printJSON(r io.Reader) {
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
