// Package acapy implements the agent.Provider boundary against an
// ACA-Py-style cloud agent admin API. Each tenant is a subwallet on a
// multitenant agent that is itself mediated by the mediator under test.
package acapy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/volleyproject/volley/internal/volley/agent"
	"github.com/volleyproject/volley/internal/volley/configuration"
)

const connectionPollInterval = 500 * time.Millisecond

type Client struct {
	adminUrl string
	apiKey   string
	label    string
	timeout  time.Duration
	client   *http.Client

	mu          sync.Mutex
	subscribers []func(agent.DeliveryEvent)
}

func NewClient(config configuration.AgentConfig) *Client {
	return &Client{
		adminUrl: config.AdminUrl,
		apiKey:   config.ApiKey,
		label:    config.Label,
		timeout:  config.RequestTimeout,
		client:   &http.Client{Timeout: config.RequestTimeout},
	}
}

type walletRequest struct {
	WalletName string `json:"wallet_name"`
	WalletType string `json:"wallet_type"`
	Label      string `json:"label"`
}

type walletResponse struct {
	WalletID string `json:"wallet_id"`
	Token    string `json:"token"`
}

func (c *Client) Create(ctx context.Context, tenantID string) (*agent.Identity, error) {
	request := &walletRequest{
		WalletName: tenantID,
		WalletType: "askar",
		Label:      fmt.Sprintf("%s-%s", c.label, tenantID),
	}
	response := &walletResponse{}
	if err := c.post(ctx, "/multitenancy/wallet", "", request, response); err != nil {
		return nil, errors.WithMessagef(err, "failed to create wallet for %s", tenantID)
	}
	return &agent.Identity{
		TenantID: tenantID,
		WalletID: response.WalletID,
		Token:    response.Token,
	}, nil
}

func (c *Client) Destroy(ctx context.Context, identity *agent.Identity) error {
	path := fmt.Sprintf("/multitenancy/wallet/%s/remove", identity.WalletID)
	if err := c.post(ctx, path, "", struct{}{}, nil); err != nil {
		return errors.WithMessagef(err, "failed to remove wallet %s", identity.WalletID)
	}
	return nil
}

type invitationResponse struct {
	Invitation map[string]interface{} `json:"invitation"`
}

type connectionList struct {
	Results []struct {
		ConnectionID string `json:"connection_id"`
		TheirLabel   string `json:"their_label"`
		State        string `json:"state"`
	} `json:"results"`
}

// Connect drives the out-of-band handshake between two tenants and waits
// until the receiving side reports the connection active. The wait is
// bounded by the configured request timeout.
func (c *Client) Connect(ctx context.Context, from *agent.Identity, to *agent.Identity) error {
	invitation := &invitationResponse{}
	err := c.post(ctx, "/out-of-band/create-invitation?auto_accept=true", to.Token, map[string]interface{}{
		"handshake_protocols": []string{"https://didcomm.org/didexchange/1.0"},
	}, invitation)
	if err != nil {
		return errors.WithMessagef(err, "failed to create invitation on %s", to.TenantID)
	}

	err = c.post(ctx, "/out-of-band/receive-invitation?auto_accept=true", from.Token, invitation.Invitation, nil)
	if err != nil {
		return errors.WithMessagef(err, "%s failed to receive invitation from %s", from.TenantID, to.TenantID)
	}

	return c.awaitActive(ctx, from, to.TenantID)
}

func (c *Client) awaitActive(ctx context.Context, from *agent.Identity, peer string) error {
	deadline := time.Now().Add(c.timeout)
	for {
		connections, err := c.ListConnections(ctx, from)
		if err != nil {
			return err
		}
		for _, connection := range connections {
			if connection.PeerLabel == peer && connection.State == agent.ConnectionStateActive {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return errors.Errorf("connection %s -> %s did not become active within %s", from.TenantID, peer, c.timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectionPollInterval):
		}
	}
}

func (c *Client) ListConnections(ctx context.Context, identity *agent.Identity) ([]agent.Connection, error) {
	list := &connectionList{}
	if err := c.get(ctx, "/connections", identity.Token, list); err != nil {
		return nil, errors.WithMessagef(err, "failed to list connections for %s", identity.TenantID)
	}
	connections := make([]agent.Connection, 0, len(list.Results))
	for _, result := range list.Results {
		connections = append(connections, agent.Connection{
			ID: result.ConnectionID,
			// Labels are "<agent label>-<tenant id>", strip back to the tenant id.
			PeerLabel: strings.TrimPrefix(result.TheirLabel, c.label+"-"),
			State:     result.State,
		})
	}
	return connections, nil
}

type sendMessageResponse struct {
	ThreadID string `json:"thread_id"`
}

func (c *Client) Send(ctx context.Context, identity *agent.Identity, connectionID string, payload string) (string, error) {
	path := fmt.Sprintf("/connections/%s/send-message", connectionID)
	response := &sendMessageResponse{}
	err := c.post(ctx, path, identity.Token, map[string]string{"content": payload}, response)
	if err != nil {
		return "", errors.WithMessagef(err, "failed to send message from %s", identity.TenantID)
	}
	return response.ThreadID, nil
}

func (c *Client) Subscribe(handler func(agent.DeliveryEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, handler)
}

type basicMessageWebhook struct {
	ThreadID string `json:"thread_id"`
	State    string `json:"state"`
}

// HandleWebhook dispatches an admin webhook payload. Basic message webhooks
// in state "received" become delivery events; other topics are ignored.
func (c *Client) HandleWebhook(topic string, body []byte) {
	if topic != "basicmessages" {
		return
	}
	message := &basicMessageWebhook{}
	if err := json.Unmarshal(body, message); err != nil {
		log.WithError(err).Warn("failed to parse basic message webhook")
		return
	}
	if message.ThreadID == "" || message.State != "received" {
		return
	}
	event := agent.DeliveryEvent{ThreadID: message.ThreadID, Timestamp: time.Now()}

	c.mu.Lock()
	subscribers := make([]func(agent.DeliveryEvent), len(c.subscribers))
	copy(subscribers, c.subscribers)
	c.mu.Unlock()

	for _, subscriber := range subscribers {
		subscriber(event)
	}
}

func (c *Client) post(ctx context.Context, path string, token string, body interface{}, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.adminUrl+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	return c.do(request, token, result)
}

func (c *Client) get(ctx context.Context, path string, token string, result interface{}) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.adminUrl+path, nil)
	if err != nil {
		return err
	}
	return c.do(request, token, result)
}

func (c *Client) do(request *http.Request, token string, result interface{}) error {
	if c.apiKey != "" {
		request.Header.Set("X-API-KEY", c.apiKey)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return errors.Errorf("admin API returned %d for %s: %s", response.StatusCode, request.URL.Path, string(body))
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(body, result)
}
