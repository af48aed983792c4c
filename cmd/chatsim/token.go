package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/boddenberg/pharmacy-assistant-go/internal/service"
)

// TokenCmd issues a bearer token for the conversation API.
type TokenCmd struct {
	Subject      string        `short:"s" long:"subject" default:"operator" description:"token subject"`
	Organization string        `short:"o" long:"org" description:"restrict the token to one organization"`
	Secret       string        `long:"secret" env:"JWT_SECRET" description:"HS256 signing secret"`
	TTL          time.Duration `long:"ttl" default:"1h" description:"token lifetime"`
}

// Execute implements flags.Commander.
func (c *TokenCmd) Execute(_ []string) error {
	if c.Secret == "" {
		return errors.New("a signing secret is required (--secret or JWT_SECRET)")
	}
	token, err := service.NewTokenService(c.Secret, c.TTL).Issue(c.Subject, c.Organization)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, token)
	return nil
}
