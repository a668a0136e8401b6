// Package command parses lock comments such as
//
//	.lock production --task migrations --reason fixing the database
//	.unlock --global
//	.wcid staging
//
// into structured fields. The lock manager only ever sees the result.
package command

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrNotCommand is returned when the text does not start with a
	// configured trigger.
	ErrNotCommand = errors.New("not a lock command")

	// ErrUnknownEnvironment is returned for an environment that is not in
	// the configured list.
	ErrUnknownEnvironment = errors.New("unknown environment")

	// ErrInvalidArgument is returned for malformed or conflicting
	// arguments.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Action is what a command asks for.
type Action string

const (
	ActionLock   Action = "lock"
	ActionUnlock Action = "unlock"
)

const (
	flagReason  = "--reason"
	flagTask    = "--task"
	flagDetails = "--details"
	flagInfo    = "--info"
)

// Config holds the command conventions of a repository.
type Config struct {
	LockTrigger   string
	UnlockTrigger string

	// InfoAlias is a shorthand for "<lock trigger> --details".
	InfoAlias string

	GlobalFlag string

	// Environments, when set, restricts the environment token.
	Environments []string
}

// Command is a parsed lock comment.
type Command struct {
	Action      Action
	Environment string
	Global      bool
	Task        string
	Reason      string
	Details     bool
}

// Parser parses comments for one Config.
type Parser struct {
	cfg Config
}

// NewParser returns a Parser for cfg.
func NewParser(cfg Config) *Parser {
	return &Parser{cfg: cfg}
}

func (p *Parser) isFlag(tok string) bool {
	switch tok {
	case flagReason, flagTask, flagDetails, flagInfo:
		return true
	}
	return p.cfg.GlobalFlag != "" && tok == p.cfg.GlobalFlag
}

// Parse parses text, which must start with one of the configured
// triggers.
func (p *Parser) Parse(text string) (*Command, error) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil, ErrNotCommand
	}

	cmd := &Command{}
	switch tokens[0] {
	case p.cfg.LockTrigger:
		cmd.Action = ActionLock
	case p.cfg.UnlockTrigger:
		cmd.Action = ActionUnlock
	case p.cfg.InfoAlias:
		cmd.Action = ActionLock
		cmd.Details = true
	default:
		return nil, ErrNotCommand
	}

	for i := 1; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case p.cfg.GlobalFlag != "" && tok == p.cfg.GlobalFlag:
			cmd.Global = true
		case tok == flagDetails || tok == flagInfo:
			cmd.Details = true
		case tok == flagTask:
			if i+1 >= len(tokens) || p.isFlag(tokens[i+1]) {
				return nil, fmt.Errorf("%w: %s needs a value", ErrInvalidArgument, flagTask)
			}
			i++
			cmd.Task = tokens[i]
		case tok == flagReason:
			var words []string
			for i+1 < len(tokens) && !p.isFlag(tokens[i+1]) {
				i++
				words = append(words, tokens[i])
			}
			if len(words) == 0 {
				return nil, fmt.Errorf("%w: %s needs a value", ErrInvalidArgument, flagReason)
			}
			cmd.Reason = strings.Join(words, " ")
		case i == 1 && !strings.HasPrefix(tok, "-"):
			cmd.Environment = tok
		default:
			return nil, fmt.Errorf("%w: unexpected %q", ErrInvalidArgument, tok)
		}
	}

	if cmd.Global && cmd.Environment != "" {
		return nil, fmt.Errorf("%w: %s cannot be combined with environment %q",
			ErrInvalidArgument, p.cfg.GlobalFlag, cmd.Environment)
	}
	if cmd.Environment != "" && len(p.cfg.Environments) > 0 &&
		!slices.Contains(p.cfg.Environments, cmd.Environment) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvironment, cmd.Environment)
	}

	return cmd, nil
}
