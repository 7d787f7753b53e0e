package main

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mrmod/gerritbot/backend"
	"github.com/rs/zerolog/log"
)

// filterAddPattern grounds the "filter <regex>" grammar: everything
// after the keyword, case-insensitively, is the pattern to compile.
var filterAddPattern = regexp.MustCompile(`(?i)^filter (.*)$`)

// CommandReply is the outcome of handling one inbound chat command: the
// message to send back to the sender. An empty Text means no reply.
type CommandReply struct {
	Text string
}

// Commands depends on the Subscriber Registry's store and the formatter
// for its canned replies (help/status/version/greeting).
type Commands struct {
	Store     backend.Store
	Formatter Formatter
	Version   VersionInfo
}

// Handle parses and applies one inbound chat command from chatID/email,
// mutating set in place and returning the reply to send back. The
// caller is responsible for persisting set afterward; Handle itself
// never saves, so registry mutation and persistence stay decoupled from
// command parsing.
func (c *Commands) Handle(set *backend.SubscriberSet, chatID, email, text string) CommandReply {
	sub, created := set.GetOrCreate(chatID, email)
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	switch {
	case lower == "enable":
		wasEnabled := sub.IsEnabled()
		sub.SetEnabled(true)
		if created || !wasEnabled {
			return CommandReply{Text: c.Formatter.FormatGreeting()}
		}
		return CommandReply{Text: "Notifications are already enabled."}

	case lower == "disable":
		sub.SetEnabled(false)
		return CommandReply{Text: "Notifications are now disabled."}

	case lower == "status":
		snap := sub.Snapshot()
		details := StatusDetails{
			Enabled:      snap.Enabled,
			OtherEnabled: set.CountEnabled(chatID),
			EnabledFlags: snap.EnabledFlags,
		}
		return CommandReply{Text: c.Formatter.FormatStatus(details)}

	case lower == "help":
		return CommandReply{Text: c.Formatter.FormatHelp()}

	case lower == "version":
		return CommandReply{Text: c.Formatter.FormatVersionInfo(c.Version)}

	case lower == "filter":
		filter := sub.Snapshot().Filter
		if filter == nil {
			return CommandReply{Text: "No filter is set."}
		}
		state := "disabled"
		if filter.Enabled {
			state = "enabled"
		}
		return CommandReply{Text: fmt.Sprintf("Filter %q is %s.", filter.Pattern, state)}

	case lower == "filter enable":
		sub.SetFilterEnabled(true)
		return CommandReply{Text: "Filter enabled."}

	case lower == "filter disable":
		sub.SetFilterEnabled(false)
		return CommandReply{Text: "Filter disabled."}
	}

	if m := filterAddPattern.FindStringSubmatch(trimmed); m != nil {
		pattern := m[1]
		if err := sub.SetFilter(pattern); err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Str("chat_id", chatID).Msg("rejected invalid filter regex")
			return CommandReply{Text: "Could not compile that filter: " + err.Error()}
		}
		return CommandReply{Text: "Filter set."}
	}

	if flag, cmd, ok := parseFlagToggle(lower); ok {
		known, recognized := backend.IsRecognizedFlag(flag)
		if !recognized {
			return CommandReply{Text: "Unknown flag: " + flag}
		}
		sub.SetFlag(known, cmd == "enable")
		return CommandReply{Text: "Updated " + string(known) + "."}
	}

	return CommandReply{Text: c.Formatter.FormatGreeting()}
}

// parseFlagToggle recognizes "enable <flag>" / "disable <flag>" after
// the fixed keywords above have already failed to match.
func parseFlagToggle(lower string) (flag, cmd string, ok bool) {
	for _, kw := range []string{"enable ", "disable "} {
		if strings.HasPrefix(lower, kw) {
			rest := strings.TrimSpace(lower[len(kw):])
			if rest == "" {
				return "", "", false
			}
			return rest, strings.TrimSuffix(kw, " "), true
		}
	}
	return "", "", false
}
