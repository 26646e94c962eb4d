package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var execFlags struct {
	server  string
	apiKey  string
	ieee    string
	data    string
	id      string
	params  []string
	timeout time.Duration
}

var execCmd = &cobra.Command{
	Use:   "exec <command>",
	Short: "Run a command on a running service through its HTTP API",
	Example: `  zigbee-toolkit exec zdo_scan_now
  zigbee-toolkit exec bind_ieee --ieee "hallway lamp" --data 00:15:8d:00:01:2a:3b:4c --param cluster=6`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func init() {
	f := execCmd.Flags()
	f.StringVar(&execFlags.server, "server", "", "service base URL (default from web.listen)")
	f.StringVar(&execFlags.apiKey, "api-key", "", "API key (default from web.api_key)")
	f.StringVar(&execFlags.ieee, "ieee", "", "device IEEE address, short address or friendly name")
	f.StringVar(&execFlags.data, "data", "", "command data")
	f.StringVar(&execFlags.id, "id", "", "request id")
	f.StringArrayVar(&execFlags.params, "param", nil, "extra parameter as key=value (value parsed as JSON when possible)")
	f.DurationVar(&execFlags.timeout, "timeout", 90*time.Second, "request timeout")
}

// buildExecBody assembles the execute payload from flags.
func buildExecBody(command, ieee, data, id string, params []string) ([]byte, error) {
	body := map[string]interface{}{"command": command}
	if ieee != "" {
		body["ieee"] = ieee
	}
	if data != "" {
		body["command_data"] = data
	}
	if id != "" {
		body["id"] = id
	}
	if len(params) > 0 {
		p := make(map[string]interface{}, len(params))
		for _, kv := range params {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return nil, fmt.Errorf("invalid --param %q, want key=value", kv)
			}
			var parsed interface{}
			if err := json.Unmarshal([]byte(v), &parsed); err == nil {
				p[k] = parsed
			} else {
				p[k] = v
			}
		}
		body["params"] = p
	}
	return json.Marshal(body)
}

func runExec(cmd *cobra.Command, args []string) error {
	server, apiKey := execFlags.server, execFlags.apiKey
	if server == "" || apiKey == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if server == "" {
			server = "http://" + cfg.Web.Listen
		}
		if apiKey == "" {
			apiKey = cfg.Web.APIKey
		}
	}

	body, err := buildExecBody(args[0], execFlags.ieee, execFlags.data, execFlags.id, execFlags.params)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), execFlags.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/api/execute", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute %s: %w", args[0], err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		pretty.Write(raw)
	}
	fmt.Fprintln(cmd.OutOrStdout(), pretty.String())

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("execute %s: %s", args[0], resp.Status)
	}
	return nil
}
