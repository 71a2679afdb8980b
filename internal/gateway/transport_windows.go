//go:build windows

package gateway

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
)

// listenPipe listens on a named pipe such as \\.\pipe\procvisor. Access is
// limited to the owner, SYSTEM and administrators.
func listenPipe(path string) (net.Listener, error) {
	return winio.ListenPipe(path, &winio.PipeConfig{
		SecurityDescriptor: "D:P(A;;GA;;;OW)(A;;GA;;;SY)(A;;GA;;;BA)",
	})
}

func dialPipe(ctx context.Context, path string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, path)
}
