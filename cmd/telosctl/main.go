// Command telosctl is the operator CLI for a running telosd instance:
// it submits tasks and renders status/metrics against the admin HTTP
// surface.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var baseURL string

func main() {
	root := &cobra.Command{
		Use:   "telosctl",
		Short: "Operator CLI for the TELOS cognitive runtime",
	}
	root.PersistentFlags().StringVar(&baseURL, "addr", "http://localhost:7700", "telosd admin surface base URL")

	root.AddCommand(statusCmd(), metricsCmd(), submitCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the synaptic bridge's status() snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status struct {
				Initialized   bool `json:"initialized"`
				ActiveWorkers int  `json:"active_workers"`
				Queued        int  `json:"queued"`
				InFlight      int  `json:"in_flight"`
			}
			if err := getJSON(baseURL+"/status", &status); err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Field", "Value"})
			table.Append([]string{"initialized", fmt.Sprintf("%v", status.Initialized)})
			table.Append([]string{"active_workers", fmt.Sprintf("%d", status.ActiveWorkers)})
			table.Append([]string{"queued", fmt.Sprintf("%d", status.Queued)})
			table.Append([]string{"in_flight", fmt.Sprintf("%d", status.InFlight)})
			table.Render()
			return nil
		},
	}
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Dump the /metrics snapshot across every component",
		RunE: func(cmd *cobra.Command, args []string) error {
			var metrics map[string]any
			if err := getJSON(baseURL+"/metrics", &metrics); err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Component", "Snapshot"})
			for component, snapshot := range metrics {
				encoded, _ := json.Marshal(snapshot)
				table.Append([]string{component, string(encoded)})
			}
			table.Render()
			return nil
		},
	}
}

func submitCmd() *cobra.Command {
	var taskFile string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a Task ABI JSON envelope and print its Result",
		Long: `Reads a Task ABI JSON envelope (operation, config, input_handles,
output_handles, deadline_ms, correlation_id, priority) from --file or stdin
and POSTs it to telosd's /tasks admin endpoint, printing the Result.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			var err error
			if taskFile != "" {
				body, err = os.ReadFile(taskFile)
			} else {
				body, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return fmt.Errorf("reading task envelope: %w", err)
			}

			client := &http.Client{Timeout: timeout}
			resp, err := client.Post(baseURL+"/tasks", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("submitting task: %w", err)
			}
			defer resp.Body.Close()

			var out bytes.Buffer
			if _, err := io.Copy(&out, resp.Body); err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, out.Bytes(), "", "  "); err != nil {
				fmt.Println(out.String())
				return nil
			}
			fmt.Println(pretty.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&taskFile, "file", "", "path to a Task ABI JSON file (default: stdin)")
	cmd.Flags().DurationVar(&timeout, "timeout", 35*time.Second, "HTTP client timeout")
	return cmd
}

func getJSON(url string, out any) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
