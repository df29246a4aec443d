package protocol

import (
	"fmt"
	"io"
)

// WriteFrame escreve um frame completo (header + payload) no writer.
func WriteFrame(w io.Writer, f *Frame) error {
	if _, err := w.Write(f.Encode()); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Type, err)
	}
	return nil
}
