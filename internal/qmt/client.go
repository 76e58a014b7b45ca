package qmt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qmtlab/qmt-bridge-go/internal/config"
	"github.com/qmtlab/qmt-bridge-go/internal/models"
)

// Client is the HTTP adapter for the local native-data sidecar. The native
// SDK is a Windows-local, single-process extension; the sidecar exposes it on
// the loopback interface and this client is the only place its wire format is
// known.
//
// Client performs no serialization of its own; callers go through Service so
// every call holds the SerializationGuard.
type Client struct {
	HTTPClient *http.Client
	baseURL    string
	timeout    time.Duration
}

// NewClient creates a sidecar client from configuration.
func NewClient(cfg *config.QMTConfig) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(cfg.ServiceURL, "/"),
		timeout:    timeout,
	}
}

// BaseURL returns the sidecar base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HealthCheck verifies the sidecar is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	var response HealthResponse
	return c.makeRequest(ctx, http.MethodGet, "/health", nil, &response)
}

// IsConnected reports whether the native client still holds its data-service
// connection. Transport errors are reported as "not connected": the executor
// treats both the same way.
func (c *Client) IsConnected(ctx context.Context) bool {
	var response ConnectionResponse
	if err := c.makeRequest(ctx, http.MethodGet, "/api/connection", nil, &response); err != nil {
		logrus.WithError(err).Debug("connection probe failed")
		return false
	}
	return response.Connected
}

// DownloadKline submits an asynchronous history download for the given
// instruments and range. The returned ack distinguishes the cached fast path
// (no progress events will follow) from an accepted background task.
func (c *Client) DownloadKline(ctx context.Context, req *DownloadKlineRequest) (*DownloadAck, error) {
	var response DownloadAck
	if err := c.makeRequest(ctx, http.MethodPost, "/api/download/kline", req, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// Progress reads the latest progress event for a background download task.
func (c *Client) Progress(ctx context.Context, taskID string) (*ProgressEvent, error) {
	var response ProgressEvent
	path := "/api/download/progress/" + url.PathEscape(taskID)
	if err := c.makeRequest(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// LocalKlines reads bars from the native on-disk cache without touching the
// remote data service.
func (c *Client) LocalKlines(ctx context.Context, req *LocalKlineRequest) (map[string][]WireBar, error) {
	var response LocalKlineResponse
	if err := c.makeRequest(ctx, http.MethodPost, "/api/local/kline", req, &response); err != nil {
		return nil, err
	}
	if response.Data == nil {
		return map[string][]WireBar{}, nil
	}
	return response.Data, nil
}

// FinancialData reads cached financial-statement tables.
func (c *Client) FinancialData(ctx context.Context, instruments, tables []string) (map[string]map[string][]models.FinancialRecord, error) {
	req := &FinancialDataRequest{Instruments: instruments, Tables: tables}
	var response FinancialDataResponse
	if err := c.makeRequest(ctx, http.MethodPost, "/api/local/financial", req, &response); err != nil {
		return nil, err
	}
	if response.Data == nil {
		return map[string]map[string][]models.FinancialRecord{}, nil
	}
	return response.Data, nil
}

// DownloadFinancial triggers a blocking financial-statement download. The
// sidecar does not return until the native call completes, so the caller must
// bound the wait itself.
func (c *Client) DownloadFinancial(ctx context.Context, instruments, tables []string) error {
	req := &FinancialDownloadRequest{Instruments: instruments, Tables: tables}
	var response StatusResponse
	return c.makeRequest(ctx, http.MethodPost, "/api/download/financial", req, &response)
}

// StockListInSector lists the instruments of one native sector.
func (c *Client) StockListInSector(ctx context.Context, sector string) ([]string, error) {
	var response StockListResponse
	path := "/api/sector/stocks?name=" + url.QueryEscape(sector)
	if err := c.makeRequest(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}
	return response.Instruments, nil
}

// Whole-universe metadata downloads. Each maps to a parameterless blocking
// native call; only success or failure is of interest.

func (c *Client) DownloadSectorData(ctx context.Context) error {
	return c.universeDownload(ctx, "/api/download/sector_data")
}

func (c *Client) DownloadHolidayData(ctx context.Context) error {
	return c.universeDownload(ctx, "/api/download/holiday")
}

func (c *Client) DownloadHistoryContracts(ctx context.Context) error {
	return c.universeDownload(ctx, "/api/download/history_contracts")
}

func (c *Client) DownloadIndexWeight(ctx context.Context) error {
	return c.universeDownload(ctx, "/api/download/index_weight")
}

func (c *Client) DownloadETFInfo(ctx context.Context) error {
	return c.universeDownload(ctx, "/api/download/etf_info")
}

func (c *Client) DownloadCBData(ctx context.Context) error {
	return c.universeDownload(ctx, "/api/download/cb_data")
}

func (c *Client) universeDownload(ctx context.Context, path string) error {
	var response StatusResponse
	return c.makeRequest(ctx, http.MethodPost, path, nil, &response)
}

func (c *Client) makeRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	reqURL := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.WithError(err).Warn("error closing sidecar response body")
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errorResp ErrorResponse
		if err := json.Unmarshal(respBody, &errorResp); err == nil && errorResp.Error != "" {
			return fmt.Errorf("qmt sidecar error (%d): %s", resp.StatusCode, errorResp.Error)
		}
		return fmt.Errorf("qmt sidecar error (%d): %s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
