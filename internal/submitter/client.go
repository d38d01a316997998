package submitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloner/internal/domain"
	"cloner/internal/infra"
)

// Options configures the submission client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *infra.Logger
}

// Client starts clone jobs on the backend. It never opens the status channel.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     infra.Logger
}

func NewClient(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: client,
		baseURL:    base,
		logger:     infra.LoggerOrNop(opts.Logger),
	}
}

// BaseURL returns the normalized backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type submitRequest struct {
	URL string `json:"url"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// errorBody accepts both `{"detail":"..."}` and the validation error shape
// `{"detail":[{"msg":"..."}]}`.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

// Submit asks the backend to clone targetURL. Every failure is returned as a
// *domain.SubmissionError.
func (c *Client) Submit(ctx context.Context, targetURL string) (domain.Submission, error) {
	target := strings.TrimSpace(targetURL)
	if target == "" {
		return domain.Submission{}, &domain.SubmissionError{Detail: domain.ErrEmptyTargetURL.Error(), Err: domain.ErrEmptyTargetURL}
	}

	body, err := json.Marshal(submitRequest{URL: target})
	if err != nil {
		return domain.Submission{}, &domain.SubmissionError{Err: err}
	}
	endpoint := c.baseURL + "/api/clone"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Submission{}, &domain.SubmissionError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", target).Msg("submitter: request failed")
		return domain.Submission{}, &domain.SubmissionError{Err: fmt.Errorf("submit clone request: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Submission{}, &domain.SubmissionError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := parseDetail(raw)
		if detail == "" {
			detail = domain.GenericSubmissionFailure
		}
		c.logger.Warn().Int("status", resp.StatusCode).Str("detail", detail).Msg("submitter: backend rejected job")
		return domain.Submission{}, &domain.SubmissionError{
			StatusCode: resp.StatusCode,
			Detail:     detail,
			Err:        fmt.Errorf("submitter: http %d", resp.StatusCode),
		}
	}

	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.Submission{}, &domain.SubmissionError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	id := strings.TrimSpace(out.RequestID)
	if id == "" {
		return domain.Submission{}, &domain.SubmissionError{StatusCode: resp.StatusCode, Err: errors.New("submitter: response missing request_id")}
	}
	phase := domain.PhasePending
	if out.Status != "" {
		if phase, err = domain.ParsePhase(out.Status); err != nil {
			return domain.Submission{}, &domain.SubmissionError{StatusCode: resp.StatusCode, Err: fmt.Errorf("submitter: %w", err)}
		}
	}

	c.logger.Debug().Str("job_id", id).Str("phase", string(phase)).Msg("submitter: job accepted")
	return domain.Submission{JobID: id, Phase: phase}, nil
}

func parseDetail(raw []byte) string {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Detail) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(body.Detail, &text); err == nil {
		return strings.TrimSpace(text)
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(body.Detail, &items); err == nil {
		for _, item := range items {
			if msg := strings.TrimSpace(item.Msg); msg != "" {
				return msg
			}
		}
	}
	return ""
}
