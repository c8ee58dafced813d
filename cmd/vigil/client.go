package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/benaskins/vigil/internal/api"
	"github.com/benaskins/vigil/internal/supervise"
)

func apiClient() *http.Client {
	sock := socketPath()
	return &http.Client{
		Timeout: 2 * time.Minute,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sock)
			},
		},
	}
}

func apiDo(method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, "http://vigil"+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := apiClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon: %w (is vigil daemon running?)", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s", e.Error)
		}
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, data)
	}
	return resp, nil
}

func apiGet(path string, v any) error {
	resp, err := apiDo(http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

func apiPost(path, contentType string, body io.Reader, v any) error {
	resp, err := apiDo(http.MethodPost, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

var stateColors = map[supervise.State]string{
	supervise.StateUp:          "\033[32m",
	supervise.StateUnmonitored: "\033[90m",
	supervise.StateStart:       "\033[33m",
	supervise.StateRestart:     "\033[33m",
	supervise.StateStop:        "\033[31m",
	supervise.StateInit:        "\033[36m",
}

func colorState(s supervise.State, color bool) string {
	if c, ok := stateColors[s]; ok && color {
		return c + string(s) + "\033[0m"
	}
	return string(s)
}

var statusCmd = &cobra.Command{
	Use:   "status [group]",
	Short: "Show the state of every watch",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var status map[string]supervise.TaskStatus
		if err := apiGet("/v1/status", &status); err != nil {
			return err
		}
		if len(args) == 1 {
			for name, st := range status {
				if st.Group != args[0] {
					delete(status, name)
				}
			}
		}
		if jsonOut {
			return printJSON(status)
		}
		if len(status) == 0 {
			fmt.Println("No watches")
			return nil
		}

		names := make([]string, 0, len(status))
		for name := range status {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			gi, gj := status[names[i]].Group, status[names[j]].Group
			if gi != gj {
				return gi < gj
			}
			return names[i] < names[j]
		})

		// Escape codes confuse tabwriter's column widths, so colour only
		// the last column.
		color := term.IsTerminal(int(os.Stdout.Fd()))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "WATCH\tGROUP\tSTATE")
		for _, name := range names {
			st := status[name]
			group := st.Group
			if group == "" {
				group = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", name, group, colorState(st.State, color))
		}
		return w.Flush()
	},
}

func controlCmd(command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   command + " <task-or-group>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res api.TasksResponse
			path := fmt.Sprintf("/v1/tasks/%s/%s", url.PathEscape(args[0]), command)
			if err := apiPost(path, "", nil, &res); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(res)
			}
			fmt.Printf("Sent '%s' command to '%s'\n", command, args[0])
			for _, t := range res.Tasks {
				fmt.Printf("  %s\n", t)
			}
			return nil
		},
	}
}

var signalCmd = &cobra.Command{
	Use:   "signal <task-or-group> <signal>",
	Short: "Send a signal to the processes of a task or group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res api.TasksResponse
		path := fmt.Sprintf("/v1/tasks/%s/signal?sig=%s", url.PathEscape(args[0]), url.QueryEscape(args[1]))
		if err := apiPost(path, "", nil, &res); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(res)
		}
		fmt.Printf("Sent signal '%s' to '%s'\n", strings.ToUpper(args[1]), strings.Join(res.Tasks, ", "))
		return nil
	},
}

var logCmd = &cobra.Command{
	Use:   "log <task>",
	Short: "Show recent log lines for a task",
	Long:  "Print the task's captured log. The name is matched loosely: its characters must appear in order.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetString("since")
		follow, _ := cmd.Flags().GetBool("follow")

		last := since
		for {
			path := fmt.Sprintf("/v1/tasks/%s/log", url.PathEscape(args[0]))
			if last != "" {
				path += "?since=" + url.QueryEscape(last)
			}
			polled := time.Now()
			resp, err := apiDo(http.MethodGet, path, "", nil)
			if err != nil {
				return err
			}
			_, err = io.Copy(os.Stdout, resp.Body)
			resp.Body.Close()
			if err != nil || !follow {
				return err
			}
			last = polled.Format(time.RFC3339)
			time.Sleep(time.Second)
		}
	},
}

var loadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Load watch definitions into the running daemon",
	Long: "Send a definitions file to the daemon. Watches absent from the file are " +
		"left alone, stopped or removed according to --action.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, _ := cmd.Flags().GetString("action")
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var res supervise.LoadResult
		path := "/v1/load?action=" + url.QueryEscape(action)
		if err := apiPost(path, "application/yaml", bytes.NewReader(data), &res); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(res)
		}
		printLoadResult(res)
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the spec directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		var res supervise.LoadResult
		if err := apiPost("/v1/reload", "", nil, &res); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(res)
		}
		printLoadResult(res)
		return nil
	},
}

func printLoadResult(res supervise.LoadResult) {
	if len(res.Loaded) > 0 {
		fmt.Printf("Loaded: %s\n", strings.Join(res.Loaded, ", "))
	}
	if len(res.Unloaded) > 0 {
		fmt.Printf("Unloaded: %s\n", strings.Join(res.Unloaded, ", "))
	}
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "error: %s\n", e)
	}
	if len(res.Loaded) == 0 && len(res.Unloaded) == 0 && len(res.Errors) == 0 {
		fmt.Println("No changes")
	}
}

func exitCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiPost("/v1/"+name, "", nil, nil); err != nil {
				return err
			}
			fmt.Printf("Sent %s to vigil daemon\n", name)
			return nil
		},
	}
}

func init() {
	logCmd.Flags().String("since", "", "only lines after this time (RFC 3339, unix seconds or a duration like 10m)")
	logCmd.Flags().BoolP("follow", "f", false, "keep polling for new lines")
	loadCmd.Flags().String("action", supervise.LoadLeave, "what to do with watches not in the file: leave, stop or remove")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(
		controlCmd(supervise.CommandStart, "Start a task or group"),
		controlCmd(supervise.CommandStop, "Stop a task or group and stop monitoring it"),
		controlCmd(supervise.CommandRestart, "Restart a task or group"),
		controlCmd(supervise.CommandMonitor, "Resume monitoring a task or group"),
		controlCmd(supervise.CommandUnmonitor, "Stop monitoring a task or group"),
		controlCmd(supervise.CommandRemove, "Stop monitoring a task or group and forget it"),
	)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(
		exitCmd("quit", "Stop the daemon and leave watched processes running"),
		exitCmd("terminate", "Stop every watch, then stop the daemon"),
	)
}
