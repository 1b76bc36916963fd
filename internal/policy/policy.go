// Package policy gates inbound messages by the account's direct and group
// message policies.
package policy

import (
	"strings"

	"github.com/memohai/dingtalk-bridge/internal/channel"
	"github.com/memohai/dingtalk-bridge/internal/channel/inbound"
)

const (
	Open      = "open"
	Allowlist = "allowlist"
	Disabled  = "disabled"

	wildcard = "*"
)

// Evaluator applies the access policy attached to each request. Missing
// policies default to open.
type Evaluator struct{}

// NewEvaluator creates an Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Allow implements inbound.SecurityPolicy.
func (e *Evaluator) Allow(req inbound.AccessRequest) inbound.Decision {
	allowFrom := req.Policy.AllowFrom
	if req.ChatType == channel.ChatTypeGroup {
		switch mode(req.Policy.GroupPolicy) {
		case Disabled:
			return deny("group messages disabled")
		case Allowlist:
			if matches(allowFrom, req.ChatID, req.SenderID, req.StaffID) {
				return allow()
			}
			return deny("group or sender not in allowFrom")
		default:
			return allow()
		}
	}
	switch mode(req.Policy.DMPolicy) {
	case Disabled:
		return deny("direct messages disabled")
	case Allowlist:
		if matches(allowFrom, req.SenderID, req.StaffID) {
			return allow()
		}
		return deny("sender not in allowFrom")
	default:
		return allow()
	}
}

func mode(raw string) string {
	switch v := strings.ToLower(strings.TrimSpace(raw)); v {
	case Allowlist, Disabled:
		return v
	default:
		return Open
	}
}

func matches(allowFrom []string, ids ...string) bool {
	for _, entry := range allowFrom {
		entry = strings.TrimSpace(entry)
		if entry == wildcard {
			return true
		}
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" && strings.EqualFold(entry, id) {
				return true
			}
		}
	}
	return false
}

func allow() inbound.Decision {
	return inbound.Decision{Allowed: true}
}

func deny(reason string) inbound.Decision {
	return inbound.Decision{Reason: reason}
}
