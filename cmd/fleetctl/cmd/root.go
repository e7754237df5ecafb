// Package cmd implements the fleetctl operator CLI. Connection settings
// come from flags, FLEETCTL_* environment variables, or ~/.fleetctl.yaml,
// in that order of precedence.
package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	serverKey = "server"
	tokenKey  = "token"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Operator CLI for the game hosting control plane",
	Long: `fleetctl inspects and manages a running control plane:
the node fleet, live game sessions, allocation counters and the
terminal session record history.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().String(serverKey, "http://localhost:8080", "Control plane base URL")
	rootCmd.PersistentFlags().String(tokenKey, "", "Auth token")
	viper.BindPFlag(serverKey, rootCmd.PersistentFlags().Lookup(serverKey))
	viper.BindPFlag(tokenKey, rootCmd.PersistentFlags().Lookup(tokenKey))
}

func initConfig() {
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(".fleetctl")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("FLEETCTL")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
		}
	}
}

func apiGet(path string, out any) error {
	return apiDo(http.MethodGet, path, nil, out)
}

func apiPost(path string, body, out any) error {
	return apiDo(http.MethodPost, path, body, out)
}

func apiDo(method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, viper.GetString(serverKey)+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Subject", "fleetctl")
	if token := viper.GetString(tokenKey); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
