package transport

import (
	"github.com/alessio/shellescape"

	"github.com/andrej220/remexec/pkg/models"
)

// BuildCommand applies the host's default shell and the working directory
// (request override first, then host default) to command.
//
// The directory change is a shell prefix, so it relies on the remote login
// shell understanding `cd DIR && ...`. The directory is quoted; the command
// itself is passed through untouched unless a default shell wraps it.
func BuildCommand(host models.Host, opts models.Options, command string) string {
	cmd := command
	if host.Shell != "" {
		cmd = host.Shell + " -c " + shellescape.Quote(cmd)
	}
	dir := opts.WorkDir
	if dir == "" {
		dir = host.WorkDir
	}
	if dir != "" {
		cmd = "cd " + shellescape.Quote(dir) + " && " + cmd
	}
	return cmd
}
