package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	headerAPIKey         = "X-API-Key"
	headerIdempotencyKey = "Idempotency-Key"
	maxRetryWait         = 2 * time.Second
)

var errRetryable = errors.New("retryable status")

// Outcome is the result of one submission.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeDuplicate
	OutcomeFailed
)

// ScoreView mirrors GET /score/{userId}.
type ScoreView struct {
	UserID  string             `json:"userId"`
	Score   int                `json:"score"`
	Band    string             `json:"band"`
	Factors map[string]float64 `json:"factors"`
}

type batchResult struct {
	Accepted []struct {
		Index int    `json:"index"`
		JobID string `json:"jobId"`
	} `json:"accepted"`
	Duplicates []int `json:"duplicates"`
	Rejected   []int `json:"rejected"`
}

// Client talks to the score API.
type Client struct {
	baseURL    string
	apiKey     string
	maxRetries int
	http       *http.Client
}

// NewClient creates a client with the given request timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration, maxRetries int) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		maxRetries: maxRetries,
		http:       &http.Client{Timeout: timeout},
	}
}

// Health returns nil when /healthz answers 200.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check answered %d", resp.StatusCode)
	}
	return nil
}

// Score reads one user's score.
func (c *Client) Score(ctx context.Context, userID string) (ScoreView, error) {
	resp, err := c.do(ctx, http.MethodGet, "/score/"+userID, nil, nil)
	if err != nil {
		return ScoreView{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ScoreView{}, fmt.Errorf("read %s answered %d", userID, resp.StatusCode)
	}
	var view ScoreView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return ScoreView{}, fmt.Errorf("decode score for %s: %w", userID, err)
	}
	return view, nil
}

// Submit posts one repayment to /score/update. 429 and 503 are retried
// after Retry-After, capped at maxRetryWait.
func (c *Client) Submit(ctx context.Context, ev Event) (Outcome, int, error) {
	body, err := json.Marshal(Event{UserID: ev.UserID, RepaymentAmount: ev.RepaymentAmount, OnTime: ev.OnTime})
	if err != nil {
		return OutcomeFailed, 0, fmt.Errorf("marshal event: %w", err)
	}
	headers := map[string]string{headerAPIKey: c.apiKey}
	if ev.IdempotencyKey != "" {
		headers[headerIdempotencyKey] = ev.IdempotencyKey
	}

	retries := 0
	for {
		resp, err := c.do(ctx, http.MethodPost, "/score/update", body, headers)
		if err != nil {
			return OutcomeFailed, retries, err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			return OutcomeAccepted, retries, nil
		case http.StatusConflict:
			// A retried request whose first attempt already applied.
			return OutcomeDuplicate, retries, nil
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			if retries >= c.maxRetries {
				return OutcomeFailed, retries, fmt.Errorf("%w: %d after %d retries", errRetryable, resp.StatusCode, retries)
			}
			retries++
			if err := sleep(ctx, retryAfter(resp)); err != nil {
				return OutcomeFailed, retries, err
			}
		default:
			return OutcomeFailed, retries, fmt.Errorf("update answered %d", resp.StatusCode)
		}
	}
}

// SubmitBatch posts events to /score/events and retries the rejected tail.
func (c *Client) SubmitBatch(ctx context.Context, events []Event) (accepted, duplicates, retries int, err error) {
	pending := events
	for len(pending) > 0 {
		body, err := json.Marshal(map[string]any{"events": pending})
		if err != nil {
			return accepted, duplicates, retries, fmt.Errorf("marshal batch: %w", err)
		}
		resp, err := c.do(ctx, http.MethodPost, "/score/events", body, map[string]string{headerAPIKey: c.apiKey})
		if err != nil {
			return accepted, duplicates, retries, err
		}
		var res batchResult
		decodeErr := json.NewDecoder(resp.Body).Decode(&res)
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusAccepted:
			if decodeErr != nil {
				return accepted, duplicates, retries, fmt.Errorf("decode batch response: %w", decodeErr)
			}
			return accepted + len(res.Accepted), duplicates + len(res.Duplicates), retries, nil
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			if retries >= c.maxRetries {
				return accepted, duplicates, retries, fmt.Errorf("%w: %d after %d retries", errRetryable, resp.StatusCode, retries)
			}
			retries++
			if decodeErr == nil {
				accepted += len(res.Accepted)
				duplicates += len(res.Duplicates)
				pending = tail(pending, res.Rejected)
			}
			if err := sleep(ctx, retryAfter(resp)); err != nil {
				return accepted, duplicates, retries, err
			}
		default:
			return accepted, duplicates, retries, fmt.Errorf("batch answered %d", resp.StatusCode)
		}
	}
	return accepted, duplicates, retries, nil
}

// tail keeps the events at the rejected indexes. A rate-limited answer has
// no index list and keeps everything.
func tail(events []Event, rejected []int) []Event {
	if len(rejected) == 0 {
		return events
	}
	out := make([]Event, 0, len(rejected))
	for _, i := range rejected {
		if i >= 0 && i < len(events) {
			out = append(out, events[i])
		}
	}
	return out
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 50 * time.Millisecond
	}
	return min(time.Duration(secs)*time.Second, maxRetryWait)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
