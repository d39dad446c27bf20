package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"farmstation/backend/internal/telemetry"
)

// HTTPSource reads latest and history from the server's query API.
type HTTPSource struct {
	httpClient *http.Client
	baseURL    string
}

func NewHTTPSource(baseURL string, httpClient *http.Client) *HTTPSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
}

func (source *HTTPSource) Latest(ctx context.Context, deviceID string) (telemetry.Reading, bool, error) {
	var payload struct {
		Reading telemetry.Reading `json:"reading"`
	}

	found, err := source.get(ctx, "/api/devices/"+url.PathEscape(deviceID)+"/latest", &payload)
	if err != nil || !found {
		return telemetry.Reading{}, false, err
	}
	return payload.Reading, true, nil
}

func (source *HTTPSource) History(ctx context.Context, deviceID string, limit int) ([]telemetry.Reading, error) {
	var payload struct {
		Readings []telemetry.Reading `json:"readings"`
	}

	path := "/api/devices/" + url.PathEscape(deviceID) + "/readings?limit=" + strconv.Itoa(limit)
	if _, err := source.get(ctx, path, &payload); err != nil {
		return nil, err
	}
	return payload.Readings, nil
}

// get decodes a 200 body into target and reports false for 404.
func (source *HTTPSource) get(ctx context.Context, path string, target any) (bool, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, source.baseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := source.httpClient.Do(request)
	if err != nil {
		return false, fmt.Errorf("request failed: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 8<<20))
	if err != nil {
		return false, fmt.Errorf("read response: %w", err)
	}

	if response.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if response.StatusCode >= http.StatusMultipleChoices {
		return false, fmt.Errorf("query status %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, target); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return true, nil
}
