package dingtalk

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/memohai/dingtalk-bridge/internal/channel"
)

const (
	defaultAPIBaseURL = "https://api.dingtalk.com"

	inboundModeStream  = "stream"
	inboundModeWebhook = "webhook"

	policyOpen      = "open"
	policyAllowlist = "allowlist"
	policyDisabled  = "disabled"
)

// ErrMissingCredentials is returned when clientId or clientSecret is absent.
var ErrMissingCredentials = errors.New("dingtalk clientId and clientSecret are required")

// Config holds the DingTalk robot options extracted from a channel configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RobotCode    string
	Debug        bool
	DMPolicy     string
	AllowFrom    []string
	GroupPolicy  string
	InboundMode  string
	APIBaseURL   string
}

// Credentials identifies the robot against the platform API.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RobotCode    string
	APIBaseURL   string
}

// Credentials returns the API credentials for this config.
func (c Config) Credentials() Credentials {
	return Credentials{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RobotCode:    c.RobotCode,
		APIBaseURL:   c.APIBaseURL,
	}
}

// AccessPolicy returns the inbound access policy for this config.
func (c Config) AccessPolicy() channel.AccessPolicy {
	return channel.AccessPolicy{
		DMPolicy:    c.DMPolicy,
		GroupPolicy: c.GroupPolicy,
		AllowFrom:   append([]string(nil), c.AllowFrom...),
	}
}

func (c Credentials) baseURL() string {
	base := strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	if base == "" {
		return defaultAPIBaseURL
	}
	return base
}

func (c Credentials) robotCode() string {
	if code := strings.TrimSpace(c.RobotCode); code != "" {
		return code
	}
	return c.ClientID
}

func normalizeConfig(raw map[string]any) (map[string]any, error) {
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, err
	}
	allow := make([]any, 0, len(cfg.AllowFrom))
	for _, item := range cfg.AllowFrom {
		allow = append(allow, item)
	}
	out := map[string]any{
		"clientId":     cfg.ClientID,
		"clientSecret": cfg.ClientSecret,
		"robotCode":    cfg.RobotCode,
		"debug":        cfg.Debug,
		"dmPolicy":     cfg.DMPolicy,
		"allowFrom":    allow,
		"groupPolicy":  cfg.GroupPolicy,
		"inboundMode":  cfg.InboundMode,
		"apiBaseURL":   cfg.APIBaseURL,
	}
	if agentID := channel.ReadString(raw, "agentId", "agent_id"); agentID != "" {
		out["agentId"] = agentID
	}
	return out, nil
}

func parseConfig(raw map[string]any) (Config, error) {
	clientID := channel.ReadString(raw, "clientId", "client_id", "appKey")
	clientSecret := channel.ReadString(raw, "clientSecret", "client_secret", "appSecret")
	if clientID == "" || clientSecret == "" {
		return Config{}, ErrMissingCredentials
	}
	inboundMode, err := normalizeInboundMode(channel.ReadString(raw, "inboundMode", "inbound_mode"))
	if err != nil {
		return Config{}, err
	}
	dmPolicy, err := normalizePolicy("dmPolicy", channel.ReadString(raw, "dmPolicy", "dm_policy"))
	if err != nil {
		return Config{}, err
	}
	groupPolicy, err := normalizePolicy("groupPolicy", channel.ReadString(raw, "groupPolicy", "group_policy"))
	if err != nil {
		return Config{}, err
	}
	baseURL := strings.TrimRight(channel.ReadString(raw, "apiBaseURL", "api_base_url"), "/")
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	if u, err := url.Parse(baseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return Config{}, fmt.Errorf("dingtalk apiBaseURL is invalid: %s", baseURL)
	}
	robotCode := channel.ReadString(raw, "robotCode", "robot_code")
	if robotCode == "" {
		robotCode = clientID
	}
	return Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RobotCode:    robotCode,
		Debug:        channel.ReadBool(raw, "debug"),
		DMPolicy:     dmPolicy,
		AllowFrom:    channel.ReadStringList(raw, "allowFrom", "allow_from"),
		GroupPolicy:  groupPolicy,
		InboundMode:  inboundMode,
		APIBaseURL:   baseURL,
	}, nil
}

func normalizeInboundMode(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", inboundModeStream:
		return inboundModeStream, nil
	case inboundModeWebhook:
		return inboundModeWebhook, nil
	default:
		return "", fmt.Errorf("dingtalk inboundMode must be stream or webhook")
	}
}

func normalizePolicy(name, raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", policyOpen:
		return policyOpen, nil
	case policyAllowlist:
		return policyAllowlist, nil
	case policyDisabled:
		return policyDisabled, nil
	default:
		return "", fmt.Errorf("dingtalk %s must be open, allowlist or disabled", name)
	}
}
