// Package sessions — session key builder, parser, and metadata manager.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the session type:
//
//	DM:    {channel}:direct:{peerId}
//	Group: {channel}:group:{groupId}
//
// Examples:
//
//	agent:default:ws:direct:386246614
//	agent:default:ws:group:-100123456
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// BuildSessionKey builds the canonical agent session key for a channel conversation.
//
//	DM:    agent:{agentId}:{channel}:direct:{peerID}
//	Group: agent:{agentId}:{channel}:group:{chatID}
func BuildSessionKey(agentID, channel string, kind PeerKind, chatID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, chatID)
}

// BuildAgentMainSessionKey builds the shared "main" session key for an agent.
// Used when dm_scope="main" — all DMs share one session per agent.
//
//	agent:{agentId}:{mainKey}
func BuildAgentMainSessionKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
}

// BuildScopedSessionKey builds session key based on scope config.
//
// scope:
//   - "global"     → "global"
//   - "per-sender" → depends on dmScope (default)
//
// dmScope (for DMs only — groups always use full key):
//   - "main"             → agent:{agentId}:{mainKey}
//   - "per-peer"         → agent:{agentId}:direct:{peerId}
//   - "per-channel-peer" → agent:{agentId}:{channel}:direct:{peerId}  (default)
func BuildScopedSessionKey(agentID, channel string, kind PeerKind, chatID, scope, dmScope, mainKey string) string {
	// Global scope: one session for everything
	if scope == "global" {
		return "global"
	}

	// Groups always use full key
	if kind == PeerGroup {
		return BuildSessionKey(agentID, channel, kind, chatID)
	}

	switch dmScope {
	case "main":
		return BuildAgentMainSessionKey(agentID, mainKey)
	case "per-peer":
		return fmt.Sprintf("agent:%s:direct:%s", agentID, chatID)
	default: // "per-channel-peer" or empty
		return BuildSessionKey(agentID, channel, kind, chatID)
	}
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
