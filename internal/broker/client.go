// Package broker talks to the room-broker REST API. The broker only
// brokers rendezvous: it maps short join codes to room ids so two clients
// can find the same signaling room. Everything after rendezvous happens
// over signaling and the peer link.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrRoomNotFound marks a join code or room id the broker does not know.
// Expired and closed rooms surface the same way; callers must not retry.
var ErrRoomNotFound = errors.New("room not found")

const requestTimeout = 10 * time.Second

// Client is the room-broker API client.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New returns a client for the broker at baseURL (scheme and host, no
// trailing slash).
func New(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

type createRoomRequest struct {
	JoinCode  string `json:"joinCode"`
	ClientID  string `json:"clientId"`
	ExpiresIn int64  `json:"expiresIn"`
}

type acceptRequest struct {
	JoinCode string `json:"joinCode"`
	ClientID string `json:"clientId"`
}

type roomResponse struct {
	Success bool   `json:"success"`
	RoomID  string `json:"roomId"`
	Error   string `json:"error"`
}

type getRoomResponse struct {
	Room struct {
		RoomID   string `json:"roomId"`
		JoinCode string `json:"joinCode"`
		Client1  string `json:"client1"`
		Client2  string `json:"client2"`
	} `json:"room"`
	Error string `json:"error"`
}

// CreateRoom registers a join code with the broker and returns the
// server-assigned room id. expiresIn bounds how long the code stays
// claimable.
func (c *Client) CreateRoom(ctx context.Context, joinCode, clientID string, expiresIn time.Duration) (string, error) {
	body := createRoomRequest{
		JoinCode:  joinCode,
		ClientID:  clientID,
		ExpiresIn: int64(expiresIn.Seconds()),
	}

	var out roomResponse
	if err := c.do(ctx, http.MethodPost, "/api/rooms", body, &out); err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return out.RoomID, nil
}

// AcceptJoinCode claims a join code as the second participant and returns
// the room id. Unknown and expired codes return ErrRoomNotFound.
func (c *Client) AcceptJoinCode(ctx context.Context, joinCode, clientID string) (string, error) {
	body := acceptRequest{JoinCode: joinCode, ClientID: clientID}

	var out roomResponse
	if err := c.do(ctx, http.MethodPost, "/api/rooms/accept", body, &out); err != nil {
		return "", fmt.Errorf("accept join code: %w", err)
	}
	return out.RoomID, nil
}

// CheckPending polls whether anyone has claimed the given join code yet.
// It returns the room id once claimed, or empty while still pending.
func (c *Client) CheckPending(ctx context.Context, joinCode, clientID string) (string, error) {
	path := fmt.Sprintf("/api/rooms/pending?joinCode=%s&clientId=%s", joinCode, clientID)

	var out roomResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", fmt.Errorf("check pending: %w", err)
	}
	return out.RoomID, nil
}

// GetRoom fetches the participants of a room.
func (c *Client) GetRoom(ctx context.Context, roomID string) (client1, client2 string, err error) {
	var out getRoomResponse
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+roomID, nil, &out); err != nil {
		return "", "", fmt.Errorf("get room: %w", err)
	}
	return out.Room.Client1, out.Room.Client2, nil
}

// DeleteRoom removes a room. Deleting an already gone room is not an
// error.
func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	var out roomResponse
	if err := c.do(ctx, http.MethodDelete, "/api/rooms/"+roomID, nil, &out); err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return nil
		}
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return ErrRoomNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var failure roomResponse
		if json.Unmarshal(payload, &failure) == nil && failure.Error != "" {
			c.logger.Warn("broker request failed", "method", method, "path", path,
				"status", resp.StatusCode, "error", failure.Error)
			return fmt.Errorf("broker: %s (status %d)", failure.Error, resp.StatusCode)
		}
		c.logger.Warn("broker request failed", "method", method, "path", path,
			"status", resp.StatusCode)
		return fmt.Errorf("broker: unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
