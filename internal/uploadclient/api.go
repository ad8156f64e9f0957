package uploadclient

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

	"reelhouse/internal/ingest"
	"reelhouse/internal/models"
)

const defaultAPITimeout = 30 * time.Second

// APIClient talks to the reelhouse upload API.
type APIClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewAPIClient(baseURL, token string, client *http.Client) *APIClient {
	if client == nil {
		client = &http.Client{Timeout: defaultAPITimeout}
	}
	return &APIClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		client:  client,
	}
}

type jobEnvelope struct {
	Job models.UploadJob `json:"job"`
}

func (c *APIClient) InitUpload(ctx context.Context, req ingest.InitRequest) (ingest.UploadPlan, error) {
	var plan ingest.UploadPlan
	err := c.do(ctx, http.MethodPost, "/api/uploads", req, &plan)
	return plan, err
}

func (c *APIClient) ReportProgress(ctx context.Context, jobID string, bytesUploaded int64, parts []int) error {
	return c.do(ctx, http.MethodPatch, uploadPath(jobID, "progress"), ingest.ProgressReport{BytesUploaded: bytesUploaded, Parts: parts}, nil)
}

func (c *APIClient) CompleteUpload(ctx context.Context, jobID string, req ingest.CompleteRequest) (models.UploadJob, error) {
	var envelope jobEnvelope
	err := c.do(ctx, http.MethodPost, uploadPath(jobID, "complete"), req, &envelope)
	return envelope.Job, err
}

func (c *APIClient) ResumeUpload(ctx context.Context, jobID string) (ingest.ResumePlan, error) {
	var plan ingest.ResumePlan
	err := c.do(ctx, http.MethodPost, uploadPath(jobID, "resume"), nil, &plan)
	return plan, err
}

func (c *APIClient) GetUpload(ctx context.Context, jobID string) (models.UploadJob, error) {
	var envelope jobEnvelope
	err := c.do(ctx, http.MethodGet, uploadPath(jobID, ""), nil, &envelope)
	return envelope.Job, err
}

func uploadPath(jobID, action string) string {
	p := "/api/uploads/" + url.PathEscape(jobID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %w", method, path, decodeAPIError(resp))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	message := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		message = payload.Error
	}
	return &StatusError{Code: resp.StatusCode, Message: message}
}
