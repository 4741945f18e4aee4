package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client-side errors.
var (
	errRequestFailed = errors.New("request failed")
	errTokenRequired = errors.New("--token flag (or SECRET_KEY) is required")
)

// apiClient is a thin HTTP client for the gateway admin API.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// healthInfo mirrors the GET /api/health response.
type healthInfo struct {
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	UptimeSeconds int    `json:"uptimeSeconds"`
}

// buildInfo mirrors the GET /api/info response.
type buildInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`
}

// deviceStatus mirrors the GET /api/devices/{imei} response.
type deviceStatus struct {
	IMEI       string    `json:"imei"`
	Status     string    `json:"status"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	SpeedKmh   int       `json:"speedKmh"`
	CourseDeg  int       `json:"courseDeg"`
	ACC        bool      `json:"acc"`
	Satellites int       `json:"satellites"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// commandResult mirrors the POST /api/commands/{imei} response.
type commandResult struct {
	ID         int64     `json:"id"`
	IMEI       string    `json:"imei"`
	Command    string    `json:"command"`
	CreatedAt  time.Time `json:"createdAt"`
	Dispatched bool      `json:"dispatched"`
}

func (c *apiClient) health(ctx context.Context) (*healthInfo, error) {
	var out healthInfo
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) info(ctx context.Context) (*buildInfo, error) {
	var out buildInfo
	if err := c.do(ctx, http.MethodGet, "/api/info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) status(ctx context.Context, imei string) (*deviceStatus, error) {
	if c.token == "" {
		return nil, errTokenRequired
	}

	var out deviceStatus
	if err := c.do(ctx, http.MethodGet, "/api/devices/"+imei, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) sendCommand(ctx context.Context, imei, command string) (*commandResult, error) {
	if c.token == "" {
		return nil, errTokenRequired
	}

	body, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	var out commandResult
	if err := c.do(ctx, http.MethodPost, "/api/commands/"+imei, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do issues one API request and decodes the JSON response into out. Error
// responses carry a JSON {"error": ...} body which is surfaced verbatim.
func (c *apiClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%w: %s (HTTP %d)", errRequestFailed, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%w: HTTP %d", errRequestFailed, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
