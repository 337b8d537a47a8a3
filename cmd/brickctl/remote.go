package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/banshee-data/brickwire/internal/api"
	"github.com/banshee-data/brickwire/internal/httputil"
)

const defaultDaemon = "http://localhost:8080"

func daemonClient(base string) *httputil.DaemonClient {
	return httputil.NewDaemonClient(base, nil)
}

func runStatus(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	base := fs.String("daemon", defaultDaemon, "brickd base URL")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	var st api.StatusResponse
	if err := daemonClient(*base).GetJSON("/api/status", &st); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "mode:     %s (epoch %d)\n", st.Link.Mode, st.Link.Epoch)
	if st.Link.Serial != "" || st.Link.Endpoint != "" {
		fmt.Fprintf(stdout, "brick:    %s %s\n", st.Link.Serial, st.Link.Endpoint)
	}
	if s := st.Link.Session; s != nil {
		fmt.Fprintf(stdout, "session:  sent=%d frames=%d latched=%d not_found=%d mismatches=%d dropped=%d\n",
			s.Sent, s.Frames, s.Latched, s.NotFound, s.Mismatches, s.Dropped)
	}
	if st.Latest != nil {
		fmt.Fprintf(stdout, "latest:   #%d %q task_ready=%v\n", st.Latest.Seq, st.Latest.Raw, st.Latest.TaskReady)
	}
	if len(st.Pending) == 0 {
		fmt.Fprintln(stdout, "pending:  0")
	} else {
		fmt.Fprintf(stdout, "pending:  %d %s\n", len(st.Pending), strings.Join(quoteAll(st.Pending), " "))
	}
	j := st.Jitter
	fmt.Fprintf(stdout, "tick:     mean=%.1fms stddev=%.1fms p95=%.1fms (%d samples)\n", j.MeanMs, j.StdDev, j.P95Ms, j.Samples)
	fmt.Fprintf(stdout, "version:  %s\n", st.Version.Version)
	return nil
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}

func runTasks(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	base := fs.String("daemon", defaultDaemon, "brickd base URL")
	clearAll := fs.Bool("clear", false, "Drop every pending task")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	c := daemonClient(*base)
	var resp api.TasksResponse
	var err error
	switch {
	case *clearAll:
		err = c.DeleteJSON("/api/tasks", &resp)
	case fs.NArg() > 0:
		err = c.PostJSON("/api/tasks", api.TasksRequest{Tasks: fs.Args()}, &resp)
	default:
		err = c.GetJSON("/api/tasks", &resp)
	}
	if err != nil {
		return err
	}
	if len(resp.Pending) == 0 {
		fmt.Fprintln(stdout, "no pending tasks")
		return nil
	}
	for i, task := range resp.Pending {
		fmt.Fprintf(stdout, "%2d. %s\n", i+1, task)
	}
	return nil
}
