// Package bridge connects the chat store to a third-party live-chat service.
// The Adapter is the outbound side (replies, history); the webhook routes are
// the inbound side, translating provider events into external-message
// notifications.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/chat"
)

var log = logging.Logger("bridge")

// ErrBridge wraps third-party endpoint failures. Recoverable: local chat
// state stays valid, the caller surfaces a warning.
var ErrBridge = errors.New("bridge: endpoint failure")

// Adapter talks to the live-chat provider's webhook API. Implements
// chat.Bridge.
type Adapter struct {
	source  string
	baseURL string
	secret  string
	client  *http.Client
}

// NewAdapter builds an adapter for one provider. baseURL is the root the
// webhook paths hang off, e.g. "https://hub.example.com".
func NewAdapter(source, baseURL, secret string) *Adapter {
	return &Adapter{
		source:  source,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type replyRequest struct {
	ExternalChatID string `json:"externalChatId"`
	ExternalUserID string `json:"externalUserId"`
	Content        string `json:"content"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
}

type replyResponse struct {
	MessageID string `json:"messageId"`
}

type historyResponse struct {
	Messages []chat.ExternalMessage `json:"messages"`
}

// SendReply pushes a staff reply into the external conversation and returns
// the provider-side message id.
func (a *Adapter) SendReply(ctx context.Context, externalChatID, externalUserID, content, userID, userName string) (string, error) {
	var resp replyResponse
	err := a.postJSON(ctx, fmt.Sprintf("/webhooks/%s/reply", a.source), replyRequest{
		ExternalChatID: externalChatID,
		ExternalUserID: externalUserID,
		Content:        content,
		UserID:         userID,
		UserName:       userName,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

// FetchHistory returns the conversation's prior messages from the provider.
func (a *Adapter) FetchHistory(ctx context.Context, externalChatID string) ([]chat.ExternalMessage, error) {
	var resp historyResponse
	path := fmt.Sprintf("/webhooks/%s/history/%s", a.source, externalChatID)
	if err := a.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (a *Adapter) postJSON(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", ErrBridge, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBridge, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.secret != "" {
		req.Header.Set(signatureHeader, sign(a.secret, raw))
	}
	return a.do(req, out)
}

func (a *Adapter) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBridge, err)
	}
	return a.do(req, out)
}

func (a *Adapter) do(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBridge, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %s", ErrBridge, req.URL.Path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrBridge, err)
	}
	return nil
}

var _ chat.Bridge = (*Adapter)(nil)
