package native

import (
	"errors"
	"io"
)

// Echo serves conn as a native application that sends every message back
// unchanged. It returns nil when the browser closes the channel.
func Echo(conn *Conn) error {
	for {
		raw, err := conn.ReadRaw()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := conn.WriteRaw(raw); err != nil {
			return err
		}
	}
}
