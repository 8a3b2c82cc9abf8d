package telegraph

import (
	"strings"
)

// Command is the classification of an inbound event before it reaches the
// current state's step function.
type Command int

const (
	// CmdNone is plain input for the current step.
	CmdNone Command = iota
	// CmdStartIssue begins the issue-report flow.
	CmdStartIssue
	// CmdStartSuggestion begins the suggestion flow.
	CmdStartSuggestion
	// CmdHelp answers with static help text.
	CmdHelp
	// CmdCancel ends the active session.
	CmdCancel
	// CmdUnknown is any other slash command.
	CmdUnknown
)

// Slash commands understood by the bot.
const (
	commandPrefix     = "/"
	commandStart      = "start"
	commandSuggestion = "suggestions"
	commandHelp       = "help"
	commandCancel     = "cancel"
)

// cancelToken is the reply-keyboard button that cancels a session. Matched
// exactly.
const cancelToken = "Cancel"

// skipToken declines the optional screenshot. Matched case-insensitively.
const skipToken = "no"

// BotCommands is the command menu registered with platforms that support one.
var BotCommands = []BotCommand{
	{Command: commandStart, Description: "Report a problem"},
	{Command: commandSuggestion, Description: "Suggest an improvement"},
	{Command: commandHelp, Description: "How to use this bot"},
	{Command: commandCancel, Description: "Cancel the current request"},
}

// classify maps inbound text to a Command. Text is a command when its first
// word starts with "/"; a "@botname" suffix is ignored so that
// "/start@helpdesk_bot" works in group chats.
func classify(text string) (Command, string) {
	if text == cancelToken {
		return CmdCancel, commandCancel
	}
	name, ok := parseCommand(strings.TrimSpace(text))
	if !ok {
		return CmdNone, ""
	}
	switch name {
	case commandStart:
		return CmdStartIssue, name
	case commandSuggestion:
		return CmdStartSuggestion, name
	case commandHelp:
		return CmdHelp, name
	case commandCancel:
		return CmdCancel, name
	default:
		return CmdUnknown, name
	}
}

// parseCommand extracts the lower-cased command name from text, reporting
// false when text is not command-shaped. A bare "/" is command-shaped with an
// empty name.
func parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, commandPrefix) {
		return "", false
	}
	word := strings.Fields(text)[0]
	word = strings.TrimPrefix(word, commandPrefix)
	if at := strings.IndexByte(word, '@'); at >= 0 {
		word = word[:at]
	}
	return strings.ToLower(word), true
}

func (c Command) String() string {
	switch c {
	case CmdNone:
		return "none"
	case CmdStartIssue:
		return "start-issue"
	case CmdStartSuggestion:
		return "start-suggestion"
	case CmdHelp:
		return "help"
	case CmdCancel:
		return "cancel"
	case CmdUnknown:
		return "unknown"
	}
	return "invalid"
}
