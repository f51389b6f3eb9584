package bot

import (
	"fmt"
	"strings"

	"github.com/townshq/botfather/internal/towns"
)

// Command enumerates every slash command the router understands. Dispatch is
// by enum value, not by string lookup, so a handler-table gap is caught at
// package init instead of surfacing as a runtime miss.
type Command int

const (
	CommandUnknown Command = iota
	CommandSetup
	CommandSetCommands
	CommandPing
	CommandJoke
	CommandTip
	CommandGrantRole
	CommandRevokeRole
	CommandCreateChannel
	CommandPin
	CommandUnpin
	CommandHealth
)

var commandNames = map[Command]string{
	CommandSetup:         "setup",
	CommandSetCommands:   "setcommands",
	CommandPing:          "ping",
	CommandJoke:          "joke",
	CommandTip:           "tip",
	CommandGrantRole:     "grantrole",
	CommandRevokeRole:    "revokerole",
	CommandCreateChannel: "createchannel",
	CommandPin:           "pin",
	CommandUnpin:         "unpin",
	CommandHealth:        "health",
}

var commandsByName = func() map[string]Command {
	m := make(map[string]Command, len(commandNames))
	for cmd, name := range commandNames {
		m[name] = cmd
	}
	return m
}()

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseCommand maps a slash-command name to its Command value.
func ParseCommand(name string) (Command, bool) {
	cmd, ok := commandsByName[strings.ToLower(strings.TrimSpace(name))]
	return cmd, ok
}

// controlPlaneCommands is the command set the control-plane bot registers.
var controlPlaneCommands = []towns.SlashCommand{
	{Name: "setup", Description: "Usage: <APP_PRIVATE_DATA> <JWT_SECRET> (optional: <BEARER_TOKEN>)"},
	{Name: "setcommands", Description: "Usage: <APP_PRIVATE_DATA> <BEARER_TOKEN>"},
}

// tenantCommands is the command set every tenant bot registers.
var tenantCommands = []towns.SlashCommand{
	{Name: "ping", Description: "Ping the bot"},
	{Name: "joke", Description: "Dadjoke"},
	{Name: "tip", Description: "Usage: <USER_ID> <AMOUNT_WEI> (optional: <CURRENCY>)"},
	{Name: "grantrole", Description: "Usage: <USER_ID> <ROLE>"},
	{Name: "revokerole", Description: "Usage: <USER_ID> <ROLE>"},
	{Name: "createchannel", Description: "Usage: <NAME>"},
	{Name: "pin", Description: "Usage: <EVENT_ID>"},
	{Name: "unpin", Description: "Usage: <EVENT_ID>"},
	{Name: "health", Description: "Register this channel for health broadcasts"},
}

// TenantCommands returns the slash-command list pushed to the app registry
// for tenant bots.
func TenantCommands() []towns.SlashCommand {
	out := make([]towns.SlashCommand, len(tenantCommands))
	copy(out, tenantCommands)
	return out
}

func init() {
	// Every tenant command name must resolve to a Command value the
	// dispatcher handles.
	for _, sc := range tenantCommands {
		if _, ok := ParseCommand(sc.Name); !ok {
			panic(fmt.Sprintf("bot: tenant command %q has no Command value", sc.Name))
		}
	}
	for _, sc := range controlPlaneCommands {
		if _, ok := ParseCommand(sc.Name); !ok {
			panic(fmt.Sprintf("bot: control-plane command %q has no Command value", sc.Name))
		}
	}
}
