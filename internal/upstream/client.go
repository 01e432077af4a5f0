// Package upstream is the HTTPS client for the provider's Cloud API.
//
// The client never retries. Every failure comes back as *Error so the
// classifier can decide what happens next.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
	HTTPClient *http.Client
	UserAgent  string
}

type Client struct {
	baseURL    string
	apiVersion string
	timeout    time.Duration
	http       *http.Client
	userAgent  string
}

func New(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = "https://graph.facebook.com"
	}
	ver := strings.Trim(strings.TrimSpace(opts.APIVersion), "/")
	if ver == "" {
		ver = "v21.0"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "wagate/1"
	}
	return &Client{baseURL: base, apiVersion: ver, timeout: timeout, http: hc, userAgent: ua}
}

// Payload is the type-specific part of a message ("text", "template", ...).
// Body is placed under the key named by Type.
type Payload struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

type SendResult struct {
	MessageID string
}

// SendMessage posts one message from the sender identity channelID.
func (c *Client) SendMessage(ctx context.Context, token, channelID, recipient string, p Payload) (SendResult, error) {
	if p.Type == "" {
		p.Type = "text"
	}
	body := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                recipient,
		"type":              p.Type,
	}
	if len(p.Body) > 0 {
		body[p.Type] = p.Body
	}
	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := c.post(ctx, token, channelID+"/messages", body, &out); err != nil {
		return SendResult{}, err
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return SendResult{}, &Error{Status: http.StatusOK, Message: "response carried no message id"}
	}
	return SendResult{MessageID: out.Messages[0].ID}, nil
}

type Template struct {
	Name       string          `json:"name"`
	Language   string          `json:"language"`
	Category   string          `json:"category"`
	Components json.RawMessage `json:"components,omitempty"`
}

type TemplateResult struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Category string `json:"category"`
}

// SubmitTemplate submits a template for review under the business account.
func (c *Client) SubmitTemplate(ctx context.Context, token, accountID string, t Template) (TemplateResult, error) {
	var out TemplateResult
	if err := c.post(ctx, token, accountID+"/message_templates", t, &out); err != nil {
		return TemplateResult{}, err
	}
	return out, nil
}

type errorBody struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, token, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.baseURL + "/" + c.apiVersion + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Status: resp.StatusCode, Timeout: isTimeout(err), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ue := &Error{Status: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
		var eb errorBody
		if json.Unmarshal(respBody, &eb) == nil && (eb.Error.Code != 0 || eb.Error.Message != "") {
			ue.Code = eb.Error.Code
			ue.Subcode = eb.Error.Subcode
			ue.Type = eb.Error.Type
			ue.Message = eb.Error.Message
			ue.TraceID = eb.Error.FBTraceID
		} else {
			ue.Message = strings.TrimSpace(string(respBody))
			if len(ue.Message) > 200 {
				ue.Message = ue.Message[:200]
			}
		}
		return ue
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Status: resp.StatusCode, Message: "invalid response body", Err: err}
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// String hides the token if a Client ends up in a log line.
func (c *Client) String() string {
	return fmt.Sprintf("upstream.Client{%s/%s}", c.baseURL, c.apiVersion)
}
