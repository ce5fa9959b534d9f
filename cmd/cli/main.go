package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"csv-chat-sandbox/internal/classify"
	"csv-chat-sandbox/internal/config"
	"csv-chat-sandbox/internal/dataset"
	"csv-chat-sandbox/internal/policy"
	"csv-chat-sandbox/internal/sandbox"
)

var (
	serverURL  string
	apiKey     string
	timeout    time.Duration
	policyMode string
	runStatus  string
	runLimit   int
)

func main() {
	root := &cobra.Command{
		Use:   "chat-cli",
		Short: "CLI client for csv-chat-sandbox",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CHAT_API_KEY"), "API key")

	// Ask a question about a CSV file through the server
	root.AddCommand(&cobra.Command{
		Use:   "ask [csv-file] [question]",
		Short: "Upload a CSV file and ask a question about it",
		Args:  cobra.ExactArgs(2),
		RunE:  runAsk,
	})

	// Run candidate code locally, without a model
	runCmd := &cobra.Command{
		Use:   "run [code-file] [csv-file]",
		Short: "Execute a code file against a CSV file in a local sandbox",
		Args:  cobra.ExactArgs(2),
		RunE:  runLocal,
	}
	runCmd.Flags().DurationVar(&timeout, "timeout", 6*time.Second, "Execution timeout")
	runCmd.Flags().StringVar(&policyMode, "mode", string(policy.ModeNoImports), "Policy mode (no_imports, allowlist)")
	root.AddCommand(runCmd)

	// Static policy check only
	validateCmd := &cobra.Command{
		Use:   "validate [code-file]",
		Short: "Check a code file against the security policy without running it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
	validateCmd.Flags().StringVar(&policyMode, "mode", string(policy.ModeNoImports), "Policy mode (no_imports, allowlist)")
	root.AddCommand(validateCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	// List audited runs
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent chat runs",
		RunE:  runList,
	}
	runsCmd.Flags().StringVar(&runStatus, "status", "", "Only runs with this status")
	runsCmd.Flags().IntVar(&runLimit, "limit", 20, "Maximum runs to list")
	root.AddCommand(runsCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAsk(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading csv: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	var table struct {
		ID string `json:"id"`
	}
	if err := call(http.MethodPost, "/tables?name="+url.QueryEscape(name), "text/csv", data, &table); err != nil {
		return fmt.Errorf("uploading table: %w", err)
	}

	body, _ := json.Marshal(map[string]any{
		"table_id": table.ID,
		"question": args[1],
	})
	var result map[string]any
	if err := call(http.MethodPost, "/chat", "application/json", body, &result); err != nil {
		return err
	}

	printJSON(result)
	if msg, ok := result["message"].(string); ok {
		fmt.Fprintln(os.Stderr, msg)
	}
	if status, _ := result["status"].(string); status != "ok" && status != "no_output" {
		os.Exit(2)
	}
	return nil
}

func runLocal(_ *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading code: %w", err)
	}
	f, err := os.Open(args[1])
	if err != nil {
		return fmt.Errorf("opening csv: %w", err)
	}
	defer f.Close()

	table, err := dataset.ReadCSV(f, strings.TrimSuffix(filepath.Base(args[1]), filepath.Ext(args[1])))
	if err != nil {
		return err
	}

	p, err := sandbox.PolicyFromConfig(policyConfig())
	if err != nil {
		return err
	}
	limits := sandbox.DevLimits()
	if timeout > limits.MaxTimeout {
		limits.MaxTimeout = timeout
	}
	runner, err := sandbox.NewRunner(p, limits)
	if err != nil {
		return err
	}
	defer runner.Close(context.Background())

	res, err := runner.Execute(context.Background(), sandbox.Request{
		Code:    string(code),
		Table:   table,
		Timeout: timeout,
	})
	if err != nil {
		return err
	}

	out := map[string]any{
		"outcome":     res.Outcome,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if len(res.Logs) > 0 {
		out["logs"] = res.Logs
	}
	if res.Outcome == sandbox.OutcomeSuccess {
		out["result"] = classify.Classify(res.Bindings)
	} else {
		out["reasons"] = res.Reasons
		out["message"] = res.Message
		if res.Line > 0 {
			out["line"] = res.Line
		}
	}
	printJSON(out)

	if res.Outcome != sandbox.OutcomeSuccess {
		os.Exit(2)
	}
	return nil
}

func runValidate(_ *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading code: %w", err)
	}
	p, err := sandbox.PolicyFromConfig(policyConfig())
	if err != nil {
		return err
	}

	verdict := policy.Validate(string(code), p)
	printJSON(verdict)
	if !verdict.OK {
		os.Exit(2)
	}
	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	var result map[string]any
	if err := call(http.MethodGet, "/health", "", nil, &result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	printJSON(result)
	return nil
}

func runList(_ *cobra.Command, _ []string) error {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(runLimit))
	if runStatus != "" {
		q.Set("status", runStatus)
	}

	var result any
	if err := call(http.MethodGet, "/runs?"+q.Encode(), "", nil, &result); err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func policyConfig() config.PolicyConfig {
	return config.PolicyConfig{Mode: policyMode}
}

// call sends a request to the server and decodes the JSON reply into out.
// Non-2xx replies become errors carrying the server's message.
func call(method, path, contentType string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 150 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("server returned %d %s: %s", resp.StatusCode, e.Code, e.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}
