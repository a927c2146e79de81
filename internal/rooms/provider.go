// Package rooms wraps the third-party video-room provider. The core treats
// it as opaque: one call yields a join URL with an embedded access token, and
// room creation is idempotent on the provider side.
package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/practicehall/lessonroom/internal/classroom"
)

const (
	defaultRequestTimeout = 10 * time.Second
	meetingTokenTTL       = 2 * time.Hour
)

var (
	errMissingAPIKey  = errors.New("rooms: api key is required")
	errMissingBaseURL = errors.New("rooms: base url is required")
)

// ProviderConfig assembles a Provider.
type ProviderConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Clock      func() time.Time
}

// Provider mints join URLs against a Daily-style rooms API: fetch the room
// by name, create it when missing, then mint a short-lived meeting token.
type Provider struct {
	baseURL string
	apiKey  string
	http    *http.Client
	clock   func() time.Time
}

// NewProvider validates the configuration and returns a Provider.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errMissingAPIKey
	}
	if cfg.BaseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Provider{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    httpClient,
		clock:   clock,
	}, nil
}

type roomPayload struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type tokenPayload struct {
	Token string `json:"token"`
}

// JoinURL ensures the subject's room exists and returns a join URL carrying
// a meeting token valid for two hours.
func (p *Provider) JoinURL(ctx context.Context, subject classroom.Subject) (string, error) {
	room, err := p.ensureRoom(ctx, subject.String())
	if err != nil {
		return "", err
	}

	exp := p.clock().Add(meetingTokenTTL).Unix()
	body := map[string]any{
		"properties": map[string]any{
			"room_name": room.Name,
			"exp":       exp,
		},
	}
	var token tokenPayload
	if err := p.post(ctx, "/meeting-tokens", body, &token); err != nil {
		return "", fmt.Errorf("mint meeting token: %w", err)
	}

	return fmt.Sprintf("%s?t=%s", room.URL, token.Token), nil
}

func (p *Provider) ensureRoom(ctx context.Context, name string) (roomPayload, error) {
	var room roomPayload
	status, err := p.get(ctx, "/rooms/"+name, &room)
	if err != nil {
		return roomPayload{}, fmt.Errorf("fetch room: %w", err)
	}
	if status == http.StatusOK {
		return room, nil
	}
	if status != http.StatusNotFound {
		return roomPayload{}, fmt.Errorf("fetch room: unexpected status %d", status)
	}

	body := map[string]any{
		"name":    name,
		"privacy": "private",
		"properties": map[string]any{
			"enable_screenshare": true,
			"enable_chat":        true,
			"start_video_off":    false,
			"start_audio_off":    false,
		},
	}
	if err := p.post(ctx, "/rooms", body, &room); err != nil {
		return roomPayload{}, fmt.Errorf("create room: %w", err)
	}
	return room, nil
}

func (p *Provider) get(ctx context.Context, path string, out any) (int, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	p.authorize(request)

	response, err := p.http.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusOK {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			return response.StatusCode, err
		}
	}
	return response.StatusCode, nil
}

func (p *Provider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	p.authorize(request)
	request.Header.Set("Content-Type", "application/json")

	response, err := p.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("status %d: %s", response.StatusCode, detail)
	}
	return json.NewDecoder(response.Body).Decode(out)
}

func (p *Provider) authorize(request *http.Request) {
	request.Header.Set("Authorization", "Bearer "+p.apiKey)
}
