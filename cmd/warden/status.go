package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/activity"
	"github.com/wardenhq/warden/internal/config"
)

func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check a running warden instance",
		Long: `Query the gateway of a running instance for its health and a
summary of recent tool activity.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	addr := cfg.Server.ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	baseURL := "http://" + addr
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(baseURL + "/healthz")
	if err != nil {
		return fmt.Errorf("warden is not reachable at %s: %w", baseURL, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %s", resp.Status)
	}
	cmd.Printf("warden is healthy at %s\n", baseURL)

	req, err := http.NewRequest(http.MethodGet, baseURL+"/api/tool-activity/summary", nil)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret != "" {
		token, err := signStatusToken(cfg.Auth.JWTSecret)
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err = client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("activity summary returned %s", resp.Status)
	}

	var summary activity.Summary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return fmt.Errorf("decode summary: %w", err)
	}

	cmd.Printf("tool calls recorded: %d across %d sessions\n",
		summary.Total, summary.SessionsWithActivity)
	statuses := make([]string, 0, len(summary.ByStatus))
	for status := range summary.ByStatus {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		cmd.Printf("  %-10s %d\n", status, summary.ByStatus[status])
	}
	if summary.Flagged > 0 {
		cmd.Printf("flagged for review: %d\n", summary.Flagged)
	}
	return nil
}

func signStatusToken(secret string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "warden-cli",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	return token.SignedString([]byte(secret))
}
