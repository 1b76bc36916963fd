package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrMissingCredentials is returned when an enabled account lacks clientId or
// clientSecret, or when no enabled account is configured at all.
var ErrMissingCredentials = errors.New("dingtalk clientId and clientSecret are required")

// Account is the effective configuration for one robot: the base table merged
// with the account override.
type Account struct {
	ID           string   `validate:"required"`
	Name         string
	ClientID     string   `validate:"required"`
	ClientSecret string   `validate:"required"`
	RobotCode    string
	Debug        bool
	DMPolicy     string   `validate:"omitempty,oneof=open allowlist disabled"`
	AllowFrom    []string
	GroupPolicy  string   `validate:"omitempty,oneof=open allowlist disabled"`
	InboundMode  string   `validate:"omitempty,oneof=stream webhook"`
	APIBaseURL   string   `validate:"omitempty,url"`
	AgentID      string
}

// ResolveAccounts lists every enabled account sorted by id, each override
// merged over the base table. A base table carrying credentials is itself the
// "default" account unless accounts overrides that id.
func (c DingTalkConfig) ResolveAccounts() []Account {
	items := make([]Account, 0, len(c.Accounts)+1)
	if _, overridden := c.Accounts[DefaultAccountID]; !overridden && !c.Disabled && hasAnyCredential(c.AccountConfig) {
		items = append(items, mergeAccount(DefaultAccountID, c.AccountConfig, AccountConfig{}))
	}
	for id, override := range c.Accounts {
		id = strings.TrimSpace(id)
		if id == "" || override.Disabled {
			continue
		}
		items = append(items, mergeAccount(id, c.AccountConfig, override))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func hasAnyCredential(c AccountConfig) bool {
	return strings.TrimSpace(c.ClientID) != "" || strings.TrimSpace(c.ClientSecret) != ""
}

func mergeAccount(id string, base, override AccountConfig) Account {
	acc := Account{
		ID:           id,
		Name:         pick(override.Name, base.Name),
		ClientID:     pick(override.ClientID, base.ClientID),
		ClientSecret: pick(override.ClientSecret, base.ClientSecret),
		RobotCode:    pick(override.RobotCode, base.RobotCode),
		Debug:        pickBool(override.Debug, base.Debug),
		DMPolicy:     strings.ToLower(pick(override.DMPolicy, base.DMPolicy)),
		GroupPolicy:  strings.ToLower(pick(override.GroupPolicy, base.GroupPolicy)),
		InboundMode:  strings.ToLower(pick(override.InboundMode, base.InboundMode)),
		APIBaseURL:   pick(override.APIBaseURL, base.APIBaseURL),
		AgentID:      pick(override.AgentID, base.AgentID),
	}
	if len(override.AllowFrom) > 0 {
		acc.AllowFrom = append([]string(nil), override.AllowFrom...)
	} else if len(base.AllowFrom) > 0 {
		acc.AllowFrom = append([]string(nil), base.AllowFrom...)
	}
	if acc.RobotCode == "" {
		acc.RobotCode = acc.ClientID
	}
	if acc.APIBaseURL == "" {
		acc.APIBaseURL = DefaultAPIBaseURL
	}
	if acc.InboundMode == "" {
		acc.InboundMode = "stream"
	}
	return acc
}

// pickBool lets an account turn off a flag the base table turned on.
func pickBool(primary, fallback *bool) bool {
	if primary != nil {
		return *primary
	}
	return fallback != nil && *fallback
}

func pick(primary, fallback string) string {
	if v := strings.TrimSpace(primary); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}

// Credentials renders the account as the raw option map adapters parse.
func (a Account) Credentials() map[string]any {
	allow := make([]any, 0, len(a.AllowFrom))
	for _, item := range a.AllowFrom {
		allow = append(allow, item)
	}
	return map[string]any{
		"clientId":     a.ClientID,
		"clientSecret": a.ClientSecret,
		"robotCode":    a.RobotCode,
		"debug":        a.Debug,
		"dmPolicy":     a.DMPolicy,
		"allowFrom":    allow,
		"groupPolicy":  a.GroupPolicy,
		"inboundMode":  a.InboundMode,
		"apiBaseURL":   a.APIBaseURL,
		"agentId":      a.AgentID,
	}
}

// Validate checks the whole configuration. Missing credentials on an enabled
// account, or no enabled account, are reported as ErrMissingCredentials.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c.Log); err != nil {
		return fmt.Errorf("invalid log config: %w", err)
	}
	if err := v.Struct(c.Server); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	if err := v.Struct(c.Session); err != nil {
		return fmt.Errorf("invalid session config: %w", err)
	}
	if err := v.Struct(c.Media); err != nil {
		return fmt.Errorf("invalid media config: %w", err)
	}
	accounts := c.DingTalk.ResolveAccounts()
	if len(accounts) == 0 {
		return fmt.Errorf("no enabled dingtalk account: %w", ErrMissingCredentials)
	}
	for _, acc := range accounts {
		if strings.TrimSpace(acc.ClientID) == "" || strings.TrimSpace(acc.ClientSecret) == "" {
			return fmt.Errorf("account %s: %w", acc.ID, ErrMissingCredentials)
		}
		if err := v.Struct(acc); err != nil {
			return fmt.Errorf("account %s: %w", acc.ID, err)
		}
	}
	return nil
}
