package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mealsync/internal/models"
)

// ParserClient hands import jobs to the recipe parser service over HTTP.
type ParserClient struct {
	endpoint string
	http     *http.Client
}

func NewParserClient(baseURL string, timeout time.Duration) *ParserClient {
	return &ParserClient{
		endpoint: strings.TrimRight(baseURL, "/") + "/import",
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *ParserClient) Import(ctx context.Context, job models.ImportJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("parser request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("parser returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
