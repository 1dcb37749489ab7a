package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"SafetyLedger/internal/command"
)

var ErrUnknownCommandType = errors.New("unknown command type")

// CommandType resolves the command type of a raw message: the Command-Type
// header when present, else the last token of the subject
// (safety.commands.Deposit).
func CommandType(raw RawCommand) (command.Type, error) {
	name := raw.Type
	if name == "" {
		if i := strings.LastIndexByte(raw.Subject, '.'); i >= 0 {
			name = raw.Subject[i+1:]
		} else {
			name = raw.Subject
		}
	}
	t, ok := command.ParseType(name)
	if !ok {
		return command.TypeUnknown, fmt.Errorf("%w: %q", ErrUnknownCommandType, name)
	}
	return t, nil
}

// ParseRawCommand decodes a raw message into a typed command.
func ParseRawCommand(raw RawCommand) (command.Command, error) {
	t, err := CommandType(raw)
	if err != nil {
		return nil, err
	}
	return command.Unmarshal(t, raw.Data)
}

// CommandSubject is the subject producers publish a command type to.
func CommandSubject(prefix string, t command.Type) string {
	return prefix + "." + t.String()
}
