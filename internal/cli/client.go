package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// BotResponse — session бота из API.
type BotResponse struct {
	ID              string `json:"id"`
	UserID          int64  `json:"user_id"`
	MeetingID       int64  `json:"meeting_id"`
	NativeMeetingID string `json:"native_meeting_id,omitempty"`
	Platform        string `json:"platform"`
	MeetingURL      string `json:"meeting_url"`
	BotName         string `json:"bot_name,omitempty"`
	Language        string `json:"language,omitempty"`
	Task            string `json:"task,omitempty"`
	ConnectionID    string `json:"connection_id,omitempty"`
	Status          string `json:"status"`
	OverQuota       bool   `json:"over_quota,omitempty"`
	StartedAt       string `json:"started_at,omitempty"`
	EndedAt         string `json:"ended_at,omitempty"`
	Error           string `json:"error,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// ReconcileResponse — результат внеочередной сверки.
type ReconcileResponse struct {
	UserID    int64 `json:"user_id"`
	OverQuota int   `json:"over_quota"`
}

// --- Request types ---

// StartBotRequest — запуск бота.
type StartBotRequest struct {
	UserID          int64  `json:"user_id"`
	MeetingID       int64  `json:"meeting_id"`
	NativeMeetingID string `json:"native_meeting_id,omitempty"`
	Platform        string `json:"platform"`
	MeetingURL      string `json:"meeting_url"`
	BotName         string `json:"bot_name,omitempty"`
	Language        string `json:"language,omitempty"`
	Task            string `json:"task,omitempty"`
	UserToken       string `json:"user_token,omitempty"`
}

// CommandRequest — команда воркеру.
type CommandRequest struct {
	Action   string `json:"action"`
	Language string `json:"language,omitempty"`
	Task     string `json:"task,omitempty"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Protokol API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// StartBot запускает бота.
func (c *Client) StartBot(req StartBotRequest) (*BotResponse, error) {
	var bot BotResponse
	err := c.post("/api/v1/bots", req, &bot)
	return &bot, err
}

// ListBots возвращает активных ботов пользователя.
func (c *Client) ListBots(userID int64) ([]BotResponse, error) {
	params := url.Values{}
	params.Set("user_id", strconv.FormatInt(userID, 10))

	var bots []BotResponse
	err := c.list("/api/v1/bots", params, &bots)
	return bots, err
}

// GetBot возвращает session бота по ID.
func (c *Client) GetBot(id string) (*BotResponse, error) {
	var bot BotResponse
	err := c.get("/api/v1/bots/"+id, &bot)
	return &bot, err
}

// StopBot останавливает бота.
func (c *Client) StopBot(id string) (*BotResponse, error) {
	var bot BotResponse
	err := c.doData(http.MethodDelete, "/api/v1/bots/"+id, nil, &bot)
	return &bot, err
}

// SendCommand отправляет команду воркеру бота.
func (c *Client) SendCommand(id string, req CommandRequest) error {
	return c.post("/api/v1/bots/"+id+"/commands", req, nil)
}

// ReconcileUser запускает внеочередную сверку sessions пользователя.
func (c *Client) ReconcileUser(userID int64) (*ReconcileResponse, error) {
	var res ReconcileResponse
	err := c.post("/api/v1/reconcile/"+strconv.FormatInt(userID, 10), nil, &res)
	return &res, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
