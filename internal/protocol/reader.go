package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ReadFrame lê exatamente um frame de um byte stream: primeiro o header
// fixo, depois exatamente PayloadLength bytes. Leituras curtas falham com
// ErrIncompleteHeader/ErrIncompletePayload. O limite de payload é validado
// antes da alocação. maxPayload = 0 aplica DefaultMaxPayload.
func ReadFrame(r io.Reader, maxPayload uint32) (*Frame, error) {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			// EOF limpo entre frames não é um header truncado.
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrIncompleteHeader, err)
	}

	frameType := FrameType(header[5])
	if !frameType.Known() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, byte(frameType))
	}

	payloadLen := binary.BigEndian.Uint32(header[6:10])
	if payloadLen > maxPayload {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrPayloadTooLarge, payloadLen, maxPayload)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompletePayload, err)
	}

	return &Frame{
		Version:   header[0],
		SessionID: int32(binary.BigEndian.Uint32(header[1:5])),
		Type:      frameType,
		Payload:   payload,
	}, nil
}
