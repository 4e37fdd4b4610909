package lobby

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

	"github.com/erilali/studybuddy/internal/errs"
)

// HTTPStore talks to a remote lobby collaborator:
//
//	POST /find   {subjects}    -> []Lobby
//	POST /create {subjects}    -> Lobby
//	GET  /:id                  -> Lobby
//	PUT  /:id    {user_count}  -> Lobby
//	DELETE /:id
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStore returns a store rooted at baseURL, e.g.
// "http://localhost:3001/api/lobbies". A nil client gets a 10s timeout.
func NewHTTPStore(baseURL string, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type subjectsRequest struct {
	Subjects []string `json:"subjects"`
}

type updateRequest struct {
	UserCount *int `json:"user_count,omitempty"`
}

type errorResponse struct {
	Message string `json:"message"`
}

func (s *HTTPStore) Find(ctx context.Context, subjects []string) ([]Lobby, error) {
	var out []Lobby
	if err := s.do(ctx, http.MethodPost, "/find", subjectsRequest{Subjects: subjects}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *HTTPStore) Create(ctx context.Context, subjects []string) (Lobby, error) {
	var out Lobby
	err := s.do(ctx, http.MethodPost, "/create", subjectsRequest{Subjects: subjects}, &out)
	return out, err
}

func (s *HTTPStore) Get(ctx context.Context, id string) (Lobby, error) {
	var out Lobby
	err := s.do(ctx, http.MethodGet, "/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (s *HTTPStore) Update(ctx context.Context, id string, userCount int) (Lobby, error) {
	var out Lobby
	err := s.do(ctx, http.MethodPut, "/"+url.PathEscape(id), updateRequest{UserCount: &userCount}, &out)
	return out, err
}

func (s *HTTPStore) Delete(ctx context.Context, id string) error {
	return s.do(ctx, http.MethodDelete, "/"+url.PathEscape(id), nil, nil)
}

func (s *HTTPStore) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", errs.ErrPersistenceUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", errs.ErrPersistenceUnavailable, method, path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var body errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	msg := body.Message
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", errs.ErrValidation, msg)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", errs.ErrNotFound, msg)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %w: %s", errs.ErrNotFound, errs.ErrLobbyFull, msg)
	default:
		return fmt.Errorf("%w: %s", errs.ErrPersistenceUnavailable, msg)
	}
}
