// Package clipboard reads host clipboard text for display on the glasses
// using robotgo.
package clipboard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-vgo/robotgo"
)

// ErrEmpty is returned when the clipboard holds no text.
var ErrEmpty = errors.New("clipboard: empty")

// Clipboard reads and writes the system clipboard.
type Clipboard struct {
	read  func() (string, error)
	write func(string) error
}

// New returns a Clipboard backed by the system clipboard.
func New() *Clipboard {
	return &Clipboard{read: robotgo.ReadAll, write: robotgo.WriteAll}
}

// Text returns the clipboard contents with surrounding whitespace and
// carriage returns removed.
func (c *Clipboard) Text() (string, error) {
	s, err := c.read()
	if err != nil {
		return "", fmt.Errorf("clipboard: read: %w", err)
	}
	s = strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
	if s == "" {
		return "", ErrEmpty
	}
	return s, nil
}

// SetText replaces the clipboard contents.
func (c *Clipboard) SetText(text string) error {
	if err := c.write(text); err != nil {
		return fmt.Errorf("clipboard: write: %w", err)
	}
	return nil
}
