package dropboxsign

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	appErrors "github.com/noah-isme/sor-automation-api/pkg/errors"
)

const (
	DefaultBaseURL = "https://api.hellosign.com/v3"

	defaultTimeout = 30 * time.Second
	statusSigned   = "signed"
	statusDeclined = "declined"
)

// ErrNotReady is returned when the signed file is still being assembled by the provider.
var ErrNotReady = errors.New("dropboxsign: signed document not ready")

// Config configures the Dropbox Sign API client.
type Config struct {
	APIKey     string
	BaseURL    string
	TestMode   bool
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is a minimal Dropbox Sign v3 API client.
type Client struct {
	apiKey   string
	baseURL  string
	testMode bool
	http     *http.Client
}

// SendRequest describes a single-signer signature request.
type SendRequest struct {
	Title       string
	Subject     string
	Message     string
	SignerEmail string
	SignerName  string
	FileName    string
	File        []byte
}

// Status is the provider-side state of a signature request.
type Status struct {
	RequestID string
	Complete  bool
	Declined  bool
}

type apiError struct {
	Error struct {
		Message string `json:"error_msg"`
		Name    string `json:"error_name"`
	} `json:"error"`
}

type signatureRequestEnvelope struct {
	SignatureRequest struct {
		ID         string `json:"signature_request_id"`
		IsComplete bool   `json:"is_complete"`
		IsDeclined bool   `json:"is_declined"`
		Signatures []struct {
			StatusCode string `json:"status_code"`
		} `json:"signatures"`
	} `json:"signature_request"`
}

// NewClient builds a client; an empty base URL points at the production API.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{apiKey: cfg.APIKey, baseURL: baseURL, testMode: cfg.TestMode, http: httpClient}
}

// Send dispatches the document to the signer and returns the signature request id.
func (c *Client) Send(ctx context.Context, in SendRequest) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"title", in.Title},
		{"subject", in.Subject},
		{"message", in.Message},
		{"signers[0][email_address]", in.SignerEmail},
		{"signers[0][name]", in.SignerName},
		{"test_mode", boolField(c.testMode)},
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build signature request")
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file[0]"; filename=%q`, in.FileName))
	header.Set("Content-Type", "application/pdf")
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build signature request")
	}
	if _, err := part.Write(in.File); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build signature request")
	}
	if err := writer.Close(); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build signature request")
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/signature_request/send", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	body, err := c.do(req)
	if err != nil {
		return "", err
	}

	var envelope signatureRequestEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.SignatureRequest.ID == "" {
		return "", appErrors.Clone(appErrors.ErrUpstreamRejected, "signature provider returned no request id")
	}
	return envelope.SignatureRequest.ID, nil
}

// Status polls a signature request. A request counts as complete once any signer has signed.
func (c *Client) Status(ctx context.Context, requestID string) (*Status, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/signature_request/"+url.PathEscape(requestID), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var envelope signatureRequestEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrUpstreamRejected, err, "unexpected signature status payload")
	}

	sr := envelope.SignatureRequest
	status := &Status{RequestID: requestID, Complete: sr.IsComplete, Declined: sr.IsDeclined}
	for _, sig := range sr.Signatures {
		switch sig.StatusCode {
		case statusSigned:
			status.Complete = true
		case statusDeclined:
			status.Declined = true
		}
	}
	if status.Complete {
		status.Declined = false
	}
	return status, nil
}

// DownloadSigned fetches the signed PDF. ErrNotReady means the provider is still assembling it.
func (c *Client) DownloadSigned(ctx context.Context, requestID string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/signature_request/files/"+url.PathEscape(requestID)+"?file_type=pdf", nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build signature request")
	}
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrConnectorUnavailable, err, "signature provider unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrConnectorUnavailable, err, "signature provider read failed")
	}
	if resp.StatusCode < http.StatusBadRequest {
		return body, nil
	}

	msg := fmt.Sprintf("signature provider returned %d", resp.StatusCode)
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, apiErr.Error.Message)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil, ErrNotReady
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, appErrors.Clone(appErrors.ErrPermissionDenied, msg)
	case resp.StatusCode == http.StatusNotFound:
		return nil, appErrors.Clone(appErrors.ErrNotFound, msg)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, appErrors.Clone(appErrors.ErrConnectorUnavailable, msg)
	default:
		return nil, appErrors.Clone(appErrors.ErrUpstreamRejected, msg)
	}
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
