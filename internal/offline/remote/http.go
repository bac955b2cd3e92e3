package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fitdesk/fitsync/internal/offline/schema"
)

// HTTPConfig configures an HTTPService.
type HTTPConfig struct {
	// BaseURL is the project URL, e.g. https://xyz.example.co. The REST
	// prefix /rest/v1 is appended by the service.
	BaseURL string

	// APIKey is sent as the apikey header and as a bearer token.
	APIKey string

	// Timeout bounds each request. Defaults to 15s.
	Timeout time.Duration

	// Client overrides the HTTP client (tests).
	Client *http.Client
}

// HTTPService talks to a PostgREST-style REST API:
//
//	POST   /rest/v1/{collection}
//	PATCH  /rest/v1/{collection}?id=eq.{id}
//	DELETE /rest/v1/{collection}?id=eq.{id}
//	GET    /rest/v1/{collection}?select=*
type HTTPService struct {
	base   *url.URL
	apiKey string
	client *http.Client
}

// apiError is the error body returned by PostgREST.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// NewHTTPService validates cfg and returns a service.
func NewHTTPService(cfg HTTPConfig) (*HTTPService, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote url must be http or https (got %q)", base.Scheme)
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPService{
		base:   base,
		apiKey: cfg.APIKey,
		client: client,
	}, nil
}

func (s *HTTPService) endpoint(collection, id string) string {
	u := *s.base
	u.Path = u.Path + "/rest/v1/" + collection
	if id != "" {
		q := url.Values{}
		q.Set("id", "eq."+id)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Insert implements Service.Insert.
func (s *HTTPService) Insert(ctx context.Context, collection string, payload schema.Payload) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	_, err := s.do(ctx, http.MethodPost, s.endpoint(collection, ""), payload)
	return err
}

// Update implements Service.Update.
func (s *HTTPService) Update(ctx context.Context, collection string, payload schema.Payload) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	id := payload.ID()
	if id == "" {
		return ErrMissingID
	}
	_, err := s.do(ctx, http.MethodPatch, s.endpoint(collection, id), payload)
	return err
}

// Delete implements Service.Delete.
func (s *HTTPService) Delete(ctx context.Context, collection string, payload schema.Payload) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	id := payload.ID()
	if id == "" {
		return ErrMissingID
	}
	_, err := s.do(ctx, http.MethodDelete, s.endpoint(collection, id), nil)
	return err
}

// List implements Reader.List.
func (s *HTTPService) List(ctx context.Context, collection string) ([]schema.Payload, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	u := s.endpoint(collection, "") + "?select=*"
	body, err := s.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	docs := make([]schema.Payload, 0)
	if err := json.Unmarshal(body, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode %s list: %w", collection, err)
	}
	return docs, nil
}

func (s *HTTPService) do(ctx context.Context, method, target string, payload schema.Payload) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, NewPermanentError(fmt.Errorf("failed to marshal payload: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=minimal")
	}
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("failed to %s %s: %w", method, req.URL.Path, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}
	return nil, statusError(resp.StatusCode, respBody)
}

// statusError turns a non-2xx response into a classified *Error.
func statusError(status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)

	msg := ae.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	return &Error{
		Class:  classForStatus(status, ae.Code),
		Code:   ae.Code,
		Status: status,
		Err:    errors.New(msg),
	}
}

func classForStatus(status int, code string) ErrorClass {
	switch {
	case code == pgUniqueViolation, code == pgForeignKeyViolation, status == http.StatusConflict:
		return ClassConflict
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

var (
	_ Service = (*HTTPService)(nil)
	_ Reader  = (*HTTPService)(nil)
)
