package preview

import (
	"strings"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/brianly1003/wsgate/internal/domain"
	"github.com/brianly1003/wsgate/internal/procutil"
)

// shellMeta are characters that need a real shell to interpret.
const shellMeta = "|&;<>()$`*?[]{}~#\n"

// commandArgs splits a run command into argv. Commands using shell syntax,
// or starting with VAR=value assignments, run through the platform shell.
func commandArgs(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, domain.NewValidationError("runCommand", "must not be empty")
	}
	if strings.ContainsAny(command, shellMeta) {
		return procutil.ShellCommand(command), nil
	}

	args, err := shellquote.Split(command)
	if err != nil {
		return nil, domain.NewValidationError("runCommand", err.Error())
	}
	if len(args) == 0 {
		return nil, domain.NewValidationError("runCommand", "must not be empty")
	}
	if strings.Contains(args[0], "=") {
		return procutil.ShellCommand(command), nil
	}
	return args, nil
}
