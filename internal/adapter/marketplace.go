package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/amishk599/autobid/internal/model"
)

var (
	_ model.JobSource    = (*MarketplaceClient)(nil)
	_ model.BidSubmitter = (*MarketplaceClient)(nil)
)

const defaultUserAgent = "autobid/1.0"

// MarketplaceClient talks to the freelance marketplace JSON API.
//
// Endpoints, relative to the base URL:
//
//	GET  /jobs/active                    -> {"jobs":[{"id":...}]}
//	GET  /jobs/{id}                      -> {"job":{...}} or {...}
//	GET  /jobs/{id}/bids?account_id=...  -> {"bids":[...]}
//	POST /jobs/{id}/bids                 -> {"bid":{...}} or {...}
type MarketplaceClient struct {
	baseURL   string
	token     string
	userAgent string
	client    *http.Client
}

// MarketplaceOptions configures a MarketplaceClient.
type MarketplaceOptions struct {
	BaseURL   string
	Token     string
	UserAgent string
	Client    *http.Client
}

// NewMarketplaceClient validates opts and returns a client.
func NewMarketplaceClient(opts MarketplaceOptions) (*MarketplaceClient, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("marketplace base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid marketplace base URL: %w", err)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	return &MarketplaceClient{
		baseURL:   strings.TrimRight(base, "/"),
		token:     opts.Token,
		userAgent: ua,
		client:    client,
	}, nil
}

// --- wire types ---

// flexID accepts both "123" and 123.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

type wireBudget struct {
	Minimum  float64 `json:"minimum"`
	Maximum  float64 `json:"maximum"`
	Currency string  `json:"currency"`
}

type wireBidStats struct {
	BidAvg   float64 `json:"bid_avg"`
	BidCount int     `json:"bid_count"`
}

// wireFlags uses pointers because the API omits flags that are not set.
type wireFlags struct {
	PaymentVerified      *bool `json:"payment_verified"`
	ReputableEmployer    *bool `json:"reputable_employer"`
	AuthenticityVerified *bool `json:"authenticity_verified"`
	Enterprise           *bool `json:"enterprise"`
	HighPaying           *bool `json:"high_paying"`
	Urgent               *bool `json:"urgent"`
	PriorityLocale       *bool `json:"priority_locale"`
}

type wireJob struct {
	ID          flexID        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	URL         string        `json:"url"`
	CreatedAt   string        `json:"created_at"`
	Status      string        `json:"status"`
	Budget      *wireBudget   `json:"budget"`
	BidStats    *wireBidStats `json:"bid_stats"`
	Flags       *wireFlags    `json:"flags"`
	AlreadyBid  *bool         `json:"already_bid"`
}

type wireBid struct {
	ID        flexID  `json:"id"`
	JobID     flexID  `json:"job_id"`
	AccountID flexID  `json:"account_id"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
}

type wireBidRequest struct {
	AccountID   string  `json:"account_id"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Period      int     `json:"period"`
	Description string  `json:"description"`
}

// --- JobSource ---

// ListActiveJobIDs returns the ids of the jobs currently open for bidding.
func (c *MarketplaceClient) ListActiveJobIDs(ctx context.Context) ([]string, error) {
	body, err := c.do(ctx, http.MethodGet, "/jobs/active", nil)
	if err != nil {
		return nil, fmt.Errorf("listing active jobs: %w", err)
	}
	var resp struct {
		Jobs []struct {
			ID flexID `json:"id"`
		} `json:"jobs"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("listing active jobs: decoding: %w", err)
	}
	ids := make([]string, 0, len(resp.Jobs))
	for _, j := range resp.Jobs {
		if j.ID != "" {
			ids = append(ids, string(j.ID))
		}
	}
	return ids, nil
}

// FetchJob returns the current snapshot of a job. Unknown jobs yield
// model.ErrNotFound.
func (c *MarketplaceClient) FetchJob(ctx context.Context, jobID string) (model.Job, error) {
	body, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		var httpErr *model.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return model.Job{}, fmt.Errorf("job %s: %w", jobID, model.ErrNotFound)
		}
		return model.Job{}, fmt.Errorf("fetching job %s: %w", jobID, err)
	}

	var wj wireJob
	if err := decodeEnveloped(body, "job", &wj); err != nil {
		return model.Job{}, fmt.Errorf("fetching job %s: decoding: %w", jobID, err)
	}
	return toJob(wj), nil
}

// ListExistingBids returns the account's bids on a job, retracted ones included.
func (c *MarketplaceClient) ListExistingBids(ctx context.Context, jobID, accountID string) ([]model.BidRecord, error) {
	path := "/jobs/" + url.PathEscape(jobID) + "/bids"
	if accountID != "" {
		path += "?account_id=" + url.QueryEscape(accountID)
	}
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("listing bids for job %s: %w", jobID, err)
	}

	var resp struct {
		Bids []wireBid `json:"bids"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("listing bids for job %s: decoding: %w", jobID, err)
	}

	bids := make([]model.BidRecord, 0, len(resp.Bids))
	for _, wb := range resp.Bids {
		if accountID != "" && wb.AccountID != "" && string(wb.AccountID) != accountID {
			continue
		}
		bids = append(bids, model.BidRecord{
			ID:        string(wb.ID),
			JobID:     jobID,
			AccountID: string(wb.AccountID),
			Amount:    wb.Amount,
			Status:    model.BidRecordStatus(strings.ToLower(wb.Status)),
		})
	}
	return bids, nil
}

// --- BidSubmitter ---

// SubmitBid posts a bid. A 429 comes back as a *model.HTTPError matching
// model.ErrRateLimited.
func (c *MarketplaceClient) SubmitBid(ctx context.Context, req model.BidRequest) (model.SubmitResult, error) {
	payload, err := json.Marshal(wireBidRequest{
		AccountID:   req.AccountID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Period:      req.DurationDays,
		Description: req.Text,
	})
	if err != nil {
		return model.SubmitResult{}, fmt.Errorf("submitting bid on job %s: %w", req.JobID, err)
	}

	body, err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(req.JobID)+"/bids", payload)
	if err != nil {
		return model.SubmitResult{}, fmt.Errorf("submitting bid on job %s: %w", req.JobID, err)
	}

	var wb wireBid
	if err := decodeEnveloped(body, "bid", &wb); err != nil {
		return model.SubmitResult{}, fmt.Errorf("submitting bid on job %s: decoding: %w", req.JobID, err)
	}
	res := model.SubmitResult{BidID: string(wb.ID), SubmittedAmount: wb.Amount}
	if res.SubmittedAmount == 0 {
		res.SubmittedAmount = req.Amount
	}
	return res, nil
}

// --- plumbing ---

func (c *MarketplaceClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &model.HTTPError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, snippet(body)),
		}
	}
	return body, nil
}

// decodeEnveloped accepts either {"<key>": {...}} or the bare object.
func decodeEnveloped(body []byte, key string, v any) error {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	if inner, ok := env[key]; ok && len(inner) > 0 && inner[0] == '{' {
		return json.Unmarshal(inner, v)
	}
	return json.Unmarshal(body, v)
}

func toJob(wj wireJob) model.Job {
	job := model.Job{
		ID:          string(wj.ID),
		Title:       strings.TrimSpace(wj.Title),
		Description: extractText(wj.Description),
		URL:         wj.URL,
		CreatedAt:   parseTimestamp(wj.CreatedAt),
		Status:      model.JobStatus(strings.ToLower(wj.Status)),
		AlreadyBid:  flag(wj.AlreadyBid),
	}
	if wj.Budget != nil {
		job.Budget = model.Budget{
			Min:      wj.Budget.Minimum,
			Max:      wj.Budget.Maximum,
			Currency: strings.ToUpper(wj.Budget.Currency),
		}
	}
	if wj.BidStats != nil {
		job.MarketAverageBid = wj.BidStats.BidAvg
	}
	if f := wj.Flags; f != nil {
		job.Signals = model.Signals{
			PaymentVerified:      flag(f.PaymentVerified),
			ReputableEmployer:    flag(f.ReputableEmployer),
			AuthenticityVerified: flag(f.AuthenticityVerified),
			Enterprise:           flag(f.Enterprise),
			HighPaying:           flag(f.HighPaying),
			Urgent:               flag(f.Urgent),
			PriorityLocale:       flag(f.PriorityLocale),
		}
	}
	return job
}

func flag(b *bool) bool {
	return b != nil && *b
}

// parseTimestamp accepts RFC 3339 or unix seconds. Unparseable values yield
// the zero time, which snapshot validation rejects.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
