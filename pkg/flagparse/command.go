package flagparse

import (
	"fmt"

	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// Command identifies the subcommand to execute.
type Command int

const (
	None = iota
	Backup
	Restore
	List
	Prune
	Init
	Devices
	Version
)

var commandToString = map[Command]string{
	None:    "none",
	Backup:  "backup",
	Restore: "restore",
	List:    "list",
	Prune:   "prune",
	Init:    "init",
	Devices: "devices",
	Version: "version",
}

var stringToCommand map[string]Command

func init() {
	stringToCommand = util.InvertMap(commandToString)
}

func (c Command) String() string {
	if str, ok := commandToString[c]; ok {
		return str
	}
	return fmt.Sprintf("unknown_command(%d)", c)
}

func ParseCommand(s string) (Command, error) {
	if command, ok := stringToCommand[s]; ok {
		return command, nil
	}
	return None, fmt.Errorf("invalid command: %q. Must be 'backup', 'restore', 'list', 'prune', 'init', 'devices', or 'version'", s)
}
