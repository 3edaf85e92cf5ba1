package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RemoteService solves challenges through a third-party solving API using
// the common create-task/poll-result shape.
type RemoteService struct {
	URL    string
	APIKey string
	Client *http.Client

	// PollInterval between result checks. Default: 3s.
	PollInterval time.Duration
}

// Name implements Strategy.
func (r *RemoteService) Name() string { return "remote-service" }

type remoteCreateResponse struct {
	ErrorID int    `json:"errorId"`
	Error   string `json:"errorDescription"`
	TaskID  string `json:"taskId"`
}

type remoteResultResponse struct {
	ErrorID  int    `json:"errorId"`
	Error    string `json:"errorDescription"`
	Status   string `json:"status"` // "processing" | "ready"
	Solution struct {
		Token string `json:"token"`
	} `json:"solution"`
}

// Solve implements Strategy: submits the challenge then polls for the token
// until ctx expires.
func (r *RemoteService) Solve(ctx context.Context, d Descriptor) (*Solution, error) {
	if r.URL == "" || r.APIKey == "" {
		return nil, errors.New("challenge: remote service not configured")
	}
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	interval := r.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}

	created, err := r.post(ctx, client, "/createTask", map[string]any{
		"clientKey": r.APIKey,
		"task": map[string]any{
			"type":       "NoCaptchaTaskProxyless",
			"websiteURL": d.URL,
			"websiteKey": d.SiteKey,
		},
	})
	if err != nil {
		return nil, err
	}
	var cr remoteCreateResponse
	if err := json.Unmarshal(created, &cr); err != nil {
		return nil, fmt.Errorf("challenge: decode create response: %w", err)
	}
	if cr.ErrorID != 0 {
		return nil, fmt.Errorf("challenge: create task: %s", cr.Error)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("challenge: remote solve: %w", ctx.Err())
		case <-time.After(interval):
		}

		body, err := r.post(ctx, client, "/getTaskResult", map[string]any{
			"clientKey": r.APIKey,
			"taskId":    cr.TaskID,
		})
		if err != nil {
			return nil, err
		}
		var rr remoteResultResponse
		if err := json.Unmarshal(body, &rr); err != nil {
			return nil, fmt.Errorf("challenge: decode result response: %w", err)
		}
		if rr.ErrorID != 0 {
			return nil, fmt.Errorf("challenge: task result: %s", rr.Error)
		}
		if rr.Status == "ready" {
			return &Solution{Token: rr.Solution.Token}, nil
		}
	}
}

func (r *RemoteService) post(ctx context.Context, client *http.Client, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("challenge: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(r.URL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("challenge: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("challenge: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("challenge: %s: http %d", path, resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("challenge: read response: %w", err)
	}
	return buf.Bytes(), nil
}

// WaitAndReload handles soft interstitials ("checking your browser" pages)
// that clear themselves: it waits briefly and signals a plain reload.
// Captcha-class challenges are declined so the solver moves on.
type WaitAndReload struct {
	// Wait before signalling reload. Default: 5s.
	Wait time.Duration
}

// Name implements Strategy.
func (w *WaitAndReload) Name() string { return "wait-and-reload" }

// Solve implements Strategy.
func (w *WaitAndReload) Solve(ctx context.Context, d Descriptor) (*Solution, error) {
	if d.Kind == "captcha" || d.SiteKey != "" {
		return nil, errors.New("challenge: interactive captcha needs a solving service")
	}
	wait := w.Wait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
	}
	return &Solution{}, nil
}
