package clipboard

import (
	"errors"
	"testing"
)

func fake(content string, err error) (*Clipboard, *string) {
	stored := content
	return &Clipboard{
		read:  func() (string, error) { return stored, err },
		write: func(s string) error { stored = s; return err },
	}, &stored
}

func TestText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr error
	}{
		{"plain", "hello", "hello", nil},
		{"trimmed", "  hello\n", "hello", nil},
		{"crlf", "a\r\nb", "a\nb", nil},
		{"empty", " \n\t", "", ErrEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := fake(tt.content, nil)
			got, err := c.Text()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Text() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTextReadError(t *testing.T) {
	boom := errors.New("no display")
	c, _ := fake("", boom)
	if _, err := c.Text(); !errors.Is(err, boom) {
		t.Errorf("Text() error = %v, want wrapped %v", err, boom)
	}
}

func TestSetText(t *testing.T) {
	c, stored := fake("old", nil)
	if err := c.SetText("new"); err != nil {
		t.Fatalf("SetText() error = %v", err)
	}
	if *stored != "new" {
		t.Errorf("clipboard = %q, want %q", *stored, "new")
	}
}
