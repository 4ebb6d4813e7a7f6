package gameapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/castaneai/monopolymoney/pkg/gamesession"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const maxErrorBody = 512

// Client is the HTTP/JSON adapter for the game service.
type Client struct {
	baseURL   string
	streamURL string
	hc        *http.Client
	logger    *zap.Logger
}

type ClientOption func(c *Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.hc = hc
	}
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithStreamURL overrides the websocket endpoint derived from the base URL.
func WithStreamURL(streamURL string) ClientOption {
	return func(c *Client) {
		if streamURL != "" {
			c.streamURL = streamURL
		}
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      http.DefaultClient,
		logger:  zap.NewNop(),
	}
	c.streamURL = defaultStreamURL(c.baseURL)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultStreamURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/ws"
	return u.String()
}

type nameRequest struct {
	Name string `json:"name"`
}

type credentialsResponse struct {
	GameID    string `json:"gameId"`
	UserToken string `json:"userToken"`
	PlayerID  string `json:"playerId"`
}

func (c *Client) CreateGame(ctx context.Context, name string) (*gamesession.Credentials, error) {
	const op = "create game"
	var resp credentialsResponse
	code, err := c.do(ctx, op, http.MethodPost, "/api/game", "", &nameRequest{Name: name}, &resp)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK && code != http.StatusCreated {
		return nil, &TransportError{Op: op, StatusCode: code, Err: errors.New("unexpected response")}
	}
	return validCredentials(op, &resp)
}

func (c *Client) JoinGame(ctx context.Context, gameID, name string) (*JoinResult, error) {
	const op = "join game"
	var resp credentialsResponse
	code, err := c.do(ctx, op, http.MethodPost, "/api/game/"+url.PathEscape(gameID), "", &nameRequest{Name: name}, &resp)
	if err != nil {
		return nil, err
	}
	switch code {
	case http.StatusOK, http.StatusCreated:
		cred, err := validCredentials(op, &resp)
		if err != nil {
			return nil, err
		}
		if cred.GameID != gameID {
			return nil, &TransportError{Op: op, StatusCode: code, Err: errors.Errorf("malformed response: joined game %s instead of %s", cred.GameID, gameID)}
		}
		return &JoinResult{Outcome: Joined, Credentials: *cred}, nil
	case http.StatusNotFound:
		return &JoinResult{Outcome: DoesNotExist}, nil
	case http.StatusLocked:
		return &JoinResult{Outcome: NotOpen}, nil
	}
	return nil, &TransportError{Op: op, StatusCode: code, Err: errors.New("unexpected response")}
}

func (c *Client) GetStatus(ctx context.Context, gameID, userToken string) (*gamesession.GameStatus, error) {
	const op = "get game status"
	var status gamesession.GameStatus
	code, err := c.do(ctx, op, http.MethodGet, "/api/game/"+url.PathEscape(gameID), userToken, nil, &status)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, &TransportError{Op: op, StatusCode: code, Err: errors.Errorf("cannot get status of game %s", gameID)}
	}
	return &status, nil
}

func validCredentials(op string, resp *credentialsResponse) (*gamesession.Credentials, error) {
	cred := &gamesession.Credentials{GameID: resp.GameID, UserToken: resp.UserToken, PlayerID: resp.PlayerID}
	if !cred.Valid() {
		return nil, &TransportError{Op: op, Err: errors.New("malformed credentials in response")}
	}
	return cred, nil
}

// do sends a JSON request and decodes a 2xx JSON body into out. Non-2xx status codes are
// returned without error so callers can map the ones that carry meaning.
func (c *Client) do(ctx context.Context, op, method, path, userToken string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to encode %s request", op)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, &TransportError{Op: op, Err: err}
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-Id", reqID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userToken != "" {
		req.Header.Set("Authorization", "Bearer "+userToken)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		c.logger.Warn("game service request failed", zap.String("op", op), zap.String("request_id", reqID), zap.Error(err))
		return 0, &TransportError{Op: op, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		c.logger.Debug("game service responded",
			zap.String("op", op),
			zap.String("request_id", reqID),
			zap.Int("status", res.StatusCode),
			zap.String("body", strings.TrimSpace(string(msg))))
		return res.StatusCode, nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return res.StatusCode, &TransportError{Op: op, Err: errors.Wrap(err, "malformed response body")}
	}
	return res.StatusCode, nil
}
