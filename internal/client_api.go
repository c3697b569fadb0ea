package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dashchat/internal/storage"
)

var (
	httpTimeout = 5 * time.Second

	errClientUnauthorized = errors.New("unauthorized")
	errClientConflict     = errors.New("conflict")
)

type sessionFile struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

func apiSignup(baseURL, username, password string) error {
	payload := map[string]string{"username": username, "password": password}
	return doJSONRequest(http.MethodPost, baseURL+"/signup", "", payload, nil)
}

func apiLogin(baseURL, username, password string) (*loginResponse, error) {
	payload := map[string]string{"username": username, "password": password}
	var resp loginResponse
	if err := doJSONRequest(http.MethodPost, baseURL+"/login", "", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// apiEnsureChannel creates the channel unless it already exists.
func apiEnsureChannel(baseURL, token, channelID string) error {
	payload := map[string]string{"id": channelID, "name": channelID}
	err := doJSONRequest(http.MethodPost, baseURL+"/channels", token, payload, nil)
	if errors.Is(err, errClientConflict) {
		return nil
	}
	return err
}

func apiChannelHistory(baseURL, token, channelID string, limit int) ([]storage.ChannelMessage, error) {
	var resp channelHistoryResponse
	endpoint := fmt.Sprintf("%s/channels/%s/messages?limit=%d", baseURL, url.PathEscape(channelID), limit)
	if err := doJSONRequest(http.MethodGet, endpoint, token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func apiConversation(baseURL, token, other string, limit int) ([]storage.DirectMessage, error) {
	var resp conversationResponse
	endpoint := fmt.Sprintf("%s/direct/%s/messages?limit=%d", baseURL, url.PathEscape(other), limit)
	if err := doJSONRequest(http.MethodGet, endpoint, token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func apiUnread(baseURL, token string) (unreadResponse, error) {
	var resp unreadResponse
	err := doJSONRequest(http.MethodGet, baseURL+"/unread", token, nil, &resp)
	return resp, err
}

func doJSONRequest(method, endpoint, token string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errClientUnauthorized
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", errClientConflict, readResponseError(resp.Body))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed errorResponse
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(data))
}

// httpBaseFromSocketURL turns ws://host:port/ws into http://host:port.
func httpBaseFromSocketURL(wsURL string) (string, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}

func defaultSessionPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "dashchat", "session.json")
	}
	return ""
}

func loadSessionFromDisk(path string) (*sessionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var session sessionFile
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	if session.Username == "" || session.Token == "" {
		return nil, errors.New("session file incomplete")
	}
	return &session, nil
}

func saveSessionToDisk(path string, session sessionFile) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func deleteSessionFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
