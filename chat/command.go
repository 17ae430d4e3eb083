package chat

import (
	"errors"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// DefaultCommandIdentifier prefixes commands unless configured otherwise.
const DefaultCommandIdentifier = '!'

// ErrInvalidIdentifier is returned for command identifiers that are not punctuation.
var ErrInvalidIdentifier = errors.New("command identifier must be a punctuation character")

// Command is a chat message that starts with the command identifier.
type Command struct {
	Identifier rune
	Name       string
	Remainder  string
	Args       []string
	Message    ChatMessage
}

// ParseCommand splits msg into a command when its text starts with identifier
// followed by a non-empty command word. "!ban user1" yields Name "ban" and
// Args ["user1"].
func ParseCommand(identifier rune, msg ChatMessage) (Command, bool) {
	r, size := utf8.DecodeRuneInString(msg.Text)
	if size == 0 || r != identifier {
		return Command{}, false
	}
	rest := msg.Text[size:]
	name, remainder := rest, ""
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		name, remainder = rest[:i], rest[i:]
	}
	if name == "" {
		return Command{}, false
	}
	remainder = strings.TrimSpace(remainder)
	return Command{
		Identifier: identifier,
		Name:       name,
		Remainder:  remainder,
		Args:       strings.Fields(remainder),
		Message:    msg,
	}, true
}

// ValidIdentifier reports whether r can prefix commands.
func ValidIdentifier(r rune) bool { return unicode.IsPunct(r) }

// CommandParser holds the configured identifier.
type CommandParser struct {
	mu         sync.RWMutex
	identifier rune
}

// NewCommandParser returns a parser for identifier.
func NewCommandParser(identifier rune) (*CommandParser, error) {
	if !ValidIdentifier(identifier) {
		return nil, ErrInvalidIdentifier
	}
	return &CommandParser{identifier: identifier}, nil
}

// Identifier returns the current identifier.
func (p *CommandParser) Identifier() rune {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.identifier
}

// SetIdentifier replaces the identifier; invalid values leave it unchanged.
func (p *CommandParser) SetIdentifier(r rune) error {
	if !ValidIdentifier(r) {
		return ErrInvalidIdentifier
	}
	p.mu.Lock()
	p.identifier = r
	p.mu.Unlock()
	return nil
}

// Parse applies ParseCommand with the current identifier.
func (p *CommandParser) Parse(msg ChatMessage) (Command, bool) {
	return ParseCommand(p.Identifier(), msg)
}
