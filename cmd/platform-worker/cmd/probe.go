package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/platform-worker/internal/liveness"
)

var (
	probeURL     string
	probeTimeout time.Duration
	probeOutput  string
)

var errUnhealthy = errors.New("liveness probe failed")

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe a running worker's liveness endpoint",
	Long: `Sends one GET request to the liveness endpoint and exits non-zero unless
it answers 200 with status "healthy". Suitable for a container HEALTHCHECK
in images that ship without curl.`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().StringVar(&probeURL, "url", "http://127.0.0.1:8001"+liveness.HealthPath, "liveness URL to probe")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 3*time.Second, "request timeout")
	probeCmd.Flags().StringVarP(&probeOutput, "output", "o", "table", "output format: table or json")
}

// ProbeResult is what one probe observed
type ProbeResult struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Status     string `json:"status,omitempty"`
	Service    string `json:"service,omitempty"`
	LatencyMS  int64  `json:"latency_ms"`
	Healthy    bool   `json:"healthy"`
	Error      string `json:"error,omitempty"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	result := probeHealth(ctx, http.DefaultClient, probeURL)
	if err := renderProbe(cmd.OutOrStdout(), result, probeOutput); err != nil {
		return err
	}
	if !result.Healthy {
		return errUnhealthy
	}
	return nil
}

// probeHealth never returns an error; failures are recorded in the result
func probeHealth(ctx context.Context, client *http.Client, url string) *ProbeResult {
	result := &ProbeResult{URL: url}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Error = fmt.Sprintf("failed to create request: %v", err)
		return result
	}

	start := time.Now()
	resp, err := client.Do(req)
	result.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		result.Error = fmt.Sprintf("failed to read response: %v", err)
		return result
	}

	var status liveness.Status
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(body, &status); err != nil {
			result.Error = fmt.Sprintf("failed to parse response: %v", err)
			return result
		}
	}
	result.Status = status.Status
	result.Service = status.Service
	result.Healthy = resp.StatusCode == http.StatusOK && status.Status == "healthy"
	return result
}

func renderProbe(w io.Writer, r *ProbeResult, format string) error {
	switch format {
	case "json":
		out, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(w, string(out))
		return nil
	case "table", "":
		table := tablewriter.NewWriter(w)
		table.Header("Property", "Value")
		table.Append([]string{"URL", r.URL})
		table.Append([]string{"HTTP Status", fmt.Sprintf("%d", r.StatusCode)})
		if r.Service != "" {
			table.Append([]string{"Service", r.Service})
		}
		if r.Status != "" {
			table.Append([]string{"Status", r.Status})
		}
		table.Append([]string{"Latency", fmt.Sprintf("%d ms", r.LatencyMS)})
		healthy := "No"
		if r.Healthy {
			healthy = "Yes"
		}
		table.Append([]string{"Healthy", healthy})
		if r.Error != "" {
			table.Append([]string{"Error", r.Error})
		}
		return table.Render()
	default:
		return fmt.Errorf("unknown output format %q (want table or json)", format)
	}
}
