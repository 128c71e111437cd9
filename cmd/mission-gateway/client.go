// ABOUTME: HTTP client commands that talk to a running gateway
// ABOUTME: emit publishes a domain event, health probes liveness and readiness

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// envToken supplies the bearer token for emit when --token is not given.
const envToken = "MISSION_GATEWAY_TOKEN"

const clientTimeout = 10 * time.Second

// baseURL returns the gateway's HTTP root. An explicit URL wins; otherwise
// the configured listen address is used, with wildcard hosts mapped to loopback.
func (o *rootOptions) baseURL(explicit string) (string, error) {
	if explicit != "" {
		return strings.TrimRight(explicit, "/"), nil
	}
	cfg, _, err := o.load()
	if err != nil {
		return "", err
	}
	return "http://" + dialAddr(cfg.Server.HTTPAddr), nil
}

func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func newEmitCmd(opts *rootOptions) *cobra.Command {
	var (
		url   string
		token string
		room  string
		data  string
	)

	cmd := &cobra.Command{
		Use:   "emit <event>",
		Short: "Publish a domain event through a running gateway",
		Example: `  mission-gateway emit task:assigned \
    --data '{"task_id":"42","agent_id":"7"}' --token "$MISSION_GATEWAY_TOKEN"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv(envToken)
			}
			if token == "" {
				return fmt.Errorf("--token or $%s is required", envToken)
			}
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("--data is not valid JSON")
			}
			base, err := opts.baseURL(url)
			if err != nil {
				return err
			}

			req := map[string]any{
				"event": args[0],
				"data":  json.RawMessage(data),
			}
			if room != "" {
				req["room"] = room
			}
			body, err := json.Marshal(req)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/events", bytes.NewReader(body))
			if err != nil {
				return err
			}
			httpReq.Header.Set("Content-Type", "application/json")
			httpReq.Header.Set("Authorization", "Bearer "+token)

			resp, err := http.DefaultClient.Do(httpReq)
			if err != nil {
				return fmt.Errorf("publishing event: %w", err)
			}
			defer resp.Body.Close()
			respBody, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("gateway returned %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(respBody)))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "gateway base URL (default from config server.http_addr)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token: a JWT or name:secret service key")
	cmd.Flags().StringVar(&room, "room", "", "target room (default derives rooms from the payload)")
	cmd.Flags().StringVar(&data, "data", "{}", "event payload as JSON")
	return cmd
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check liveness and readiness of a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := opts.baseURL(url)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			healthy := true
			for _, path := range []string{"/health", "/health/ready"} {
				status, err := probe(cmd.Context(), base+path)
				if err != nil || status != http.StatusOK {
					healthy = false
					fmt.Fprintf(out, "%s %s", color.RedString("✗"), path)
					if err != nil {
						fmt.Fprintf(out, " %s\n", color.HiBlackString(err.Error()))
					} else {
						fmt.Fprintf(out, " %s\n", color.HiBlackString(http.StatusText(status)))
					}
					continue
				}
				fmt.Fprintf(out, "%s %s\n", color.GreenString("✓"), path)
			}
			if !healthy {
				return fmt.Errorf("gateway at %s is not healthy", base)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "gateway base URL (default from config server.http_addr)")
	return cmd
}

func probe(ctx context.Context, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
