package app

import (
	"e2e_group/internal/model"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	cmdSend    = "send"
	cmdNew     = "new"
	cmdOpen    = "open"
	cmdAdd     = "add"
	cmdRemove  = "remove"
	cmdRename  = "rename"
	cmdAdmin   = "admin"
	cmdRotate  = "rotate"
	cmdMembers = "members"
	cmdAccept  = "accept"
	cmdDeny    = "deny"
	cmdDebug   = "debug"
	cmdHelp    = "help"
)

var errEmpty = errors.New("empty input")

type command struct {
	name    string
	text    string
	inboxes []model.InboxID
	index   int
}

// needsGroup reports whether the command acts on the open group.
func (c command) needsGroup() bool {
	switch c.name {
	case cmdNew, cmdOpen, cmdHelp:
		return false
	default:
		return true
	}
}

const helpText = `/new [inbox ...]   create a group
/open <n>          switch to group n
/add <inbox ...>   add members
/remove <inbox ...>
/rename <name>
/admin <inbox>     make an admin
/rotate            rotate the group key
/members
/accept, /deny     consent to the group
/debug`

// parseCommand turns one line of input into a command. Lines that do not
// start with a slash are messages.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, errEmpty
	}
	if !strings.HasPrefix(line, "/") {
		return command{name: cmdSend, text: line}, nil
	}

	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{}, errEmpty
	}
	name, args := strings.ToLower(fields[0]), fields[1:]
	cmd := command{name: name}
	switch name {
	case cmdNew:
		cmd.inboxes = inboxes(args)
	case cmdAdd, cmdRemove:
		if len(args) == 0 {
			return command{}, fmt.Errorf("/%s needs at least one inbox", name)
		}
		cmd.inboxes = inboxes(args)
	case cmdAdmin:
		if len(args) != 1 {
			return command{}, errors.New("/admin needs exactly one inbox")
		}
		cmd.inboxes = inboxes(args)
	case cmdOpen:
		if len(args) != 1 {
			return command{}, errors.New("/open needs a group number")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return command{}, fmt.Errorf("invalid group number %q", args[0])
		}
		cmd.index = n - 1
	case cmdRename:
		if len(args) == 0 {
			return command{}, errors.New("/rename needs a name")
		}
		cmd.text = strings.Join(args, " ")
	case cmdRotate, cmdMembers, cmdAccept, cmdDeny, cmdDebug, cmdHelp:
	default:
		return command{}, fmt.Errorf("unknown command /%s", name)
	}
	return cmd, nil
}

func inboxes(args []string) []model.InboxID {
	out := make([]model.InboxID, 0, len(args))
	for _, a := range args {
		for _, part := range strings.Split(a, ",") {
			if part != "" {
				out = append(out, model.InboxID(part))
			}
		}
	}
	return out
}
