// Package transport owns the HTTP conversation with the admin console:
// a cookie-jar client, form posts decoded into envelope carriers, raw
// page fetches for scraping, artifact downloads, and redirect capture
// for the session probe.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	headerUserAgent   = "User-Agent"
	headerReferer     = "Referer"
	headerContentType = "Content-Type"

	formContentType = "application/x-www-form-urlencoded; charset=UTF-8"

	maxResponseBytes = 4 * 1024 * 1024

	defaultDialTimeout           = 5 * time.Second
	defaultTLSHandshakeTimeout   = 5 * time.Second
	defaultResponseHeaderTimeout = 15 * time.Second
	defaultHTTPTimeout           = 30 * time.Second
)

// RawCarrier lets decoded response structs keep the undecoded payload
// for diagnostics. mpapi.Response implements it.
type RawCarrier interface {
	SetRaw(body []byte)
}

// Config customizes a Client. All fields are optional.
type Config struct {
	Client    *http.Client
	UserAgent string
	Logger    *zap.Logger
}

// Client issues console requests and holds cookies across them. The
// cookie jar is the server-side session's transport anchor; every
// request made during a login or authorization handshake must go
// through the same Client.
type Client struct {
	httpClient *http.Client
	userAgent  string
	logger     *zap.Logger
}

// New constructs a Client with a fresh in-memory cookie jar and sane
// timeouts.
func New(configuration Config) (*Client, error) {
	httpClient := configuration.Client
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   defaultHTTPTimeout,
			Transport: defaultTransport(),
		}
	} else {
		clonedClient := *httpClient
		httpClient = &clonedClient
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}
	if httpClient.Timeout == 0 {
		httpClient.Timeout = defaultHTTPTimeout
	}

	userAgent := strings.TrimSpace(configuration.UserAgent)
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{httpClient: httpClient, userAgent: userAgent, logger: logger}, nil
}

// PostForm issues a form-encoded POST and decodes the JSON payload into
// out. Application-level failure codes are left for the caller to
// interpret through the envelope; only transport and decode problems
// surface as errors here.
func (c *Client) PostForm(ctx context.Context, requestURL string, form url.Values, out any) error {
	return c.PostFormReferer(ctx, requestURL, "", form, out)
}

// PostFormReferer is PostForm with an explicit Referer header; a few
// console endpoints validate it.
func (c *Client) PostFormReferer(ctx context.Context, requestURL string, referer string, form url.Values, out any) error {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	httpRequest.Header.Set(headerContentType, formContentType)
	if referer != "" {
		httpRequest.Header.Set(headerReferer, referer)
	}
	return c.doJSON(httpRequest, out)
}

// GetJSON issues a GET and decodes the JSON payload into out.
func (c *Client) GetJSON(ctx context.Context, requestURL string, out any) error {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return err
	}
	return c.doJSON(httpRequest, out)
}

// GetPage fetches a console page as raw text for scraping.
func (c *Client) GetPage(ctx context.Context, requestURL string) (string, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return "", err
	}
	body, err := c.do(httpRequest)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Download fetches a binary artifact (QR or verification image) and
// writes it to destinationPath, creating parent directories as needed.
func (c *Client) Download(ctx context.Context, requestURL string, destinationPath string) error {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return err
	}
	c.setCommonHeaders(httpRequest)

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return err
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return fmt.Errorf("download %s: unexpected status %d", requestURL, httpResponse.StatusCode)
	}
	if err := os.MkdirAll(filepath.Dir(destinationPath), 0o755); err != nil {
		return err
	}
	file, err := os.Create(destinationPath)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := io.Copy(file, httpResponse.Body); err != nil {
		return fmt.Errorf("write %s: %w", destinationPath, err)
	}
	return nil
}

// FinalLocation follows the redirect chain for requestURL and returns
// the URL the chain terminated on.
func (c *Client) FinalLocation(ctx context.Context, requestURL string) (string, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return "", err
	}
	c.setCommonHeaders(httpRequest)

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return "", err
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(httpResponse.Body, 1024))
		httpResponse.Body.Close()
	}()

	return httpResponse.Request.URL.String(), nil
}

// UploadFile posts filePath as a multipart body under fieldName and
// decodes the JSON response into out.
func (c *Client) UploadFile(ctx context.Context, requestURL string, referer string, fieldName string, filePath string, out any) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	var body strings.Builder
	multipartWriter := multipart.NewWriter(&body)
	part, err := multipartWriter.CreateFormFile(fieldName, filepath.Base(filePath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	if err := multipartWriter.Close(); err != nil {
		return err
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, strings.NewReader(body.String()))
	if err != nil {
		return err
	}
	httpRequest.Header.Set(headerContentType, multipartWriter.FormDataContentType())
	if referer != "" {
		httpRequest.Header.Set(headerReferer, referer)
	}
	return c.doJSON(httpRequest, out)
}

func (c *Client) doJSON(httpRequest *http.Request, out any) error {
	body, err := c.do(httpRequest)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", httpRequest.URL.Path, err)
	}
	if carrier, ok := out.(RawCarrier); ok {
		carrier.SetRaw(body)
	}
	return nil
}

func (c *Client) do(httpRequest *http.Request) ([]byte, error) {
	c.setCommonHeaders(httpRequest)

	started := time.Now()
	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	c.logger.Debug("console request",
		zap.String("method", httpRequest.Method),
		zap.String("path", httpRequest.URL.Path),
		zap.Int("status", httpResponse.StatusCode),
		zap.Duration("elapsed", time.Since(started)))

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: unexpected status %d", httpRequest.Method, httpRequest.URL.Path, httpResponse.StatusCode)
	}
	return body, nil
}

func (c *Client) setCommonHeaders(httpRequest *http.Request) {
	if c.userAgent != "" && httpRequest.Header.Get(headerUserAgent) == "" {
		httpRequest.Header.Set(headerUserAgent, c.userAgent)
	}
}

func defaultTransport() http.RoundTripper {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxConnsPerHost:       10,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
	}
}
