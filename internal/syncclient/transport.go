package syncclient

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

	"github.com/MarcoPoloResearchLab/workspace/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/richtext"
)

const defaultRequestTimeout = 15 * time.Second

// Transport carries the reconciliation protocol to the server.
type Transport interface {
	Push(ctx context.Context, documentID, updateB64 string) (PushAck, error)
	Pull(ctx context.Context, documentID, stateVectorB64 string) (PullReply, error)
	Presence(ctx context.Context, documentID string, heartbeat Heartbeat) ([]presence.Peer, error)
}

type PushAck struct {
	Timestamp   time.Time
	MergedBytes int
}

// PullReply carries the missing update; UpdateB64 is nil when the replica is current.
type PullReply struct {
	UpdateB64 *string
	Timestamp time.Time
}

// Heartbeat is the awareness state a client announces for itself.
type Heartbeat struct {
	ClientID string           `json:"clientId"`
	Name     string           `json:"name"`
	Color    string           `json:"color"`
	Cursor   *presence.Cursor `json:"cursor,omitempty"`
}

// DocumentState is the server's structured view of a document.
type DocumentState struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Tags      []string      `json:"tags"`
	Snapshot  richtext.Node `json:"snapshot"`
	HTML      string        `json:"html"`
	CrdtB64   string        `json:"crdtB64"`
	CreatedAt int64         `json:"createdAt"`
	UpdatedAt int64         `json:"updatedAt"`
	CreatedBy string        `json:"createdBy"`
	UpdatedBy string        `json:"updatedBy"`
}

type CreateDocument struct {
	Title    string         `json:"title"`
	Tags     []string       `json:"tags,omitempty"`
	Snapshot *richtext.Node `json:"snapshot,omitempty"`
}

type PatchDocument struct {
	Title    *string        `json:"title,omitempty"`
	Tags     *[]string      `json:"tags,omitempty"`
	Snapshot *richtext.Node `json:"snapshot,omitempty"`
	Note     *string        `json:"note,omitempty"`
}

// HTTPError is a non-2xx reply from the server.
type HTTPError struct {
	Status  int
	Code    string
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server responded %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server responded %d %s", e.Status, e.Code)
}

// HTTPTransport talks to the workspace API with a bearer token.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPTransport(baseURL, token string, client *http.Client) (*HTTPTransport, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(parsed.String(), "/"),
		token:   token,
		client:  client,
	}, nil
}

func (t *HTTPTransport) Push(ctx context.Context, documentID, updateB64 string) (PushAck, error) {
	var reply struct {
		Timestamp   time.Time `json:"ts"`
		MergedBytes int       `json:"mergedBytes"`
	}
	request := map[string]string{"updateB64": updateB64}
	if err := t.do(ctx, http.MethodPost, documentPath(documentID, "crdt", "push"), request, &reply); err != nil {
		return PushAck{}, err
	}
	return PushAck{Timestamp: reply.Timestamp.UTC(), MergedBytes: reply.MergedBytes}, nil
}

func (t *HTTPTransport) Pull(ctx context.Context, documentID, stateVectorB64 string) (PullReply, error) {
	var reply struct {
		UpdateB64 *string   `json:"updateB64"`
		Timestamp time.Time `json:"ts"`
	}
	request := map[string]string{"stateVectorB64": stateVectorB64}
	if err := t.do(ctx, http.MethodPost, documentPath(documentID, "crdt", "pull"), request, &reply); err != nil {
		return PullReply{}, err
	}
	return PullReply{UpdateB64: reply.UpdateB64, Timestamp: reply.Timestamp.UTC()}, nil
}

func (t *HTTPTransport) Presence(ctx context.Context, documentID string, heartbeat Heartbeat) ([]presence.Peer, error) {
	var reply struct {
		Peers []presence.Peer `json:"peers"`
	}
	if err := t.do(ctx, http.MethodPost, documentPath(documentID, "presence"), heartbeat, &reply); err != nil {
		return nil, err
	}
	return reply.Peers, nil
}

func (t *HTTPTransport) Create(ctx context.Context, request CreateDocument) (DocumentState, error) {
	var state DocumentState
	err := t.do(ctx, http.MethodPost, "/documents", request, &state)
	return state, err
}

func (t *HTTPTransport) Get(ctx context.Context, documentID string) (DocumentState, error) {
	var state DocumentState
	err := t.do(ctx, http.MethodGet, documentPath(documentID), nil, &state)
	return state, err
}

func (t *HTTPTransport) Patch(ctx context.Context, documentID string, request PatchDocument) (DocumentState, error) {
	var state DocumentState
	err := t.do(ctx, http.MethodPatch, documentPath(documentID), request, &state)
	return state, err
}

// EventsURL is the websocket address of a document's change stream.
func (t *HTTPTransport) EventsURL(documentID string) string {
	base := t.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + documentPath(documentID, "events")
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body any, target any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		request.Header.Set("Authorization", "Bearer "+t.token)
	}

	response, err := t.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return decodeHTTPError(response.StatusCode, payload)
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeHTTPError(status int, payload []byte) error {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Error == "" {
		return &HTTPError{Status: status, Code: http.StatusText(status)}
	}
	return &HTTPError{Status: status, Code: envelope.Error, Message: envelope.Message}
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound
}

func documentPath(documentID string, segments ...string) string {
	parts := append([]string{"", "documents", url.PathEscape(documentID)}, segments...)
	return strings.Join(parts, "/")
}
