// Command chatsim talks to the conversation workflow from a terminal. The
// ERP and the payment gateway are sandbox fakes, so whole debt cycles can be
// walked through without any external system.
package main

import (
	"errors"
	"os"

	"github.com/jessevdk/go-flags"
)

// Options groups the chatsim sub-commands. The struct tags are interpreted
// by github.com/jessevdk/go-flags.
type Options struct {
	Chat  ChatCmd  `command:"chat" description:"Chat with the assistant as a customer"`
	Token TokenCmd `command:"token" description:"Issue an access token for the conversation API"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash|flags.PrintErrors)
	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
