package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type HTTPConfig struct {
	BaseURL     string
	UserAgent   string
	CallTimeout time.Duration
}

type httpClient struct {
	cfg    HTTPConfig
	tokens TokenProvider
	http   *http.Client
}

// NewHTTPClient builds the real board client. Every call runs under the
// configured hard timeout; exceeding it surfaces as CategoryTransient.
func NewHTTPClient(cfg HTTPConfig, tokens TokenProvider) Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	return &httpClient{
		cfg:    cfg,
		tokens: tokens,
		http:   &http.Client{Timeout: cfg.CallTimeout},
	}
}

func (c *httpClient) EnsureResume(ctx context.Context, userID int64, spec ResumeSpec) (*Resume, error) {
	var resume Resume
	if err := c.call(ctx, userID, http.MethodPost, "/resumes", jsonBody(spec), nil, &resume); err != nil {
		return nil, err
	}
	return &resume, nil
}

func (c *httpClient) FindResumeByTitle(ctx context.Context, userID int64, title string) (*Resume, error) {
	var page struct {
		Items []Resume `json:"items"`
	}
	q := url.Values{"title": {title}}
	if err := c.call(ctx, userID, http.MethodGet, "/resumes/mine?"+q.Encode(), nil, nil, &page); err != nil {
		return nil, err
	}
	for i := range page.Items {
		if page.Items[i].Title == title {
			return &page.Items[i], nil
		}
	}
	return nil, &Error{Category: CategoryNotFound, Description: "no resume with matching title"}
}

func (c *httpClient) UpdateResume(ctx context.Context, userID int64, resumeID string, spec ResumeSpec) (*Resume, error) {
	var resume Resume
	path := "/resumes/" + url.PathEscape(resumeID)
	if err := c.call(ctx, userID, http.MethodPut, path, jsonBody(spec), nil, &resume); err != nil {
		return nil, err
	}
	return &resume, nil
}

func (c *httpClient) Publish(ctx context.Context, userID int64, resumeID string) error {
	path := "/resumes/" + url.PathEscape(resumeID) + "/publish"
	return c.call(ctx, userID, http.MethodPost, path, nil, nil, nil)
}

func (c *httpClient) GetResume(ctx context.Context, userID int64, resumeID string) (*Resume, error) {
	var resume Resume
	path := "/resumes/" + url.PathEscape(resumeID)
	if err := c.call(ctx, userID, http.MethodGet, path, nil, nil, &resume); err != nil {
		return nil, err
	}
	return &resume, nil
}

func (c *httpClient) CreateNegotiation(ctx context.Context, userID int64, resumeID, vacancyID, idempotencyKey string, enc Encoding) (*Negotiation, error) {
	headers := map[string]string{"Idempotency-Key": idempotencyKey}

	var body io.Reader
	var contentType string
	switch enc {
	case EncodingForm:
		// Older board deployments only accept the form encoding; kept as the
		// retry path when the JSON variant is rejected on required fields.
		form := url.Values{
			"resume_id":  {resumeID},
			"vacancy_id": {vacancyID},
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		body = jsonBody(map[string]string{
			"resume_id":  resumeID,
			"vacancy_id": vacancyID,
		})
		contentType = "application/json"
	}
	headers["Content-Type"] = contentType

	var negotiation Negotiation
	if err := c.call(ctx, userID, http.MethodPost, "/negotiations", body, headers, &negotiation); err != nil {
		return nil, err
	}
	return &negotiation, nil
}

func (c *httpClient) AttachMessage(ctx context.Context, userID int64, negotiationID, text string) error {
	path := "/negotiations/" + url.PathEscape(negotiationID) + "/messages"
	return c.call(ctx, userID, http.MethodPost, path, jsonBody(map[string]string{"message": text}), nil, nil)
}

func (c *httpClient) call(ctx context.Context, userID int64, method, path string, body io.Reader, headers map[string]string, out any) error {
	token, err := c.tokens.AccessToken(ctx, userID)
	if err != nil {
		// A missing token is forbidden, not transient; keep the provider's
		// category so classification sees it.
		var pe *Error
		if errors.As(err, &pe) {
			return pe
		}
		return &Error{Category: CategoryTransient, Description: "acquiring access token", cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return &Error{Category: CategoryTransient, Description: "building request", cause: err}
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Category: CategoryTransient, Description: "request failed", cause: err}
	}
	defer resp.Body.Close()

	slog.DebugContext(ctx, "platform call",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Category: CategoryTransient, Description: "decoding response", cause: err}
	}
	return nil
}

// errorBody is the board's error envelope. The errors array carries the
// machine-readable (type, value) tuples; description is free text and only
// consulted when the array is absent.
type errorBody struct {
	Description string `json:"description"`
	Errors      []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"errors"`
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var parsed errorBody
	_ = json.Unmarshal(raw, &parsed)

	fields := make(map[string]string, len(parsed.Errors))
	for _, e := range parsed.Errors {
		fields[e.Type] = e.Value
	}

	pe := &Error{
		Category:    categorize(resp.StatusCode, fields, parsed.Description),
		Description: parsed.Description,
		Fields:      fields,
	}
	if pe.Description == "" {
		pe.Description = fmt.Sprintf("http %d", resp.StatusCode)
	}

	if pe.Category == CategoryRateLimited {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			pe.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	return pe
}

func categorize(status int, fields map[string]string, description string) Category {
	switch status {
	case http.StatusTooManyRequests:
		return CategoryRateLimited
	case http.StatusNotFound:
		return CategoryNotFound
	case http.StatusForbidden:
		// The board reports quota exhaustion as 403 with a limit_exceeded
		// tuple rather than 429.
		if fields["negotiations"] == "limit_exceeded" || strings.Contains(description, "limit") {
			return CategoryRateLimited
		}
		return CategoryForbidden
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		for field, value := range fields {
			switch value {
			case "not_found":
				return CategoryNotFound
			case "already_exists", "duplicate":
				return CategoryDuplicate
			case "not_applicable":
				if field == "publish" {
					return CategoryValidation
				}
			}
		}
		return CategoryValidation
	default:
		if status >= 500 {
			return CategoryTransient
		}
		return CategoryValidation
	}
}

func jsonBody(v any) io.Reader {
	buf, _ := json.Marshal(v)
	return bytes.NewReader(buf)
}
