package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var apiClient = &http.Client{Timeout: 30 * time.Second}

func serverURL(cmd *cobra.Command, path string) string {
	base, _ := cmd.Flags().GetString("server")
	return strings.TrimRight(base, "/") + path
}

func decodeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server: %s", apiErr.Error)
		}
		return fmt.Errorf("server: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func getJSON(cmd *cobra.Command, path string, out interface{}) error {
	resp, err := apiClient.Get(serverURL(cmd, path))
	if err != nil {
		return fmt.Errorf("contact server: %w", err)
	}
	return decodeResponse(resp, out)
}

func postJSON(cmd *cobra.Command, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	resp, err := apiClient.Post(serverURL(cmd, path), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("contact server: %w", err)
	}
	return decodeResponse(resp, out)
}
