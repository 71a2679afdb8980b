//go:build !windows

package gateway

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
)

// listenPipe listens on a unix socket, replacing a stale socket file left by
// a previous run.
func listenPipe(path string) (net.Listener, error) {
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&fs.ModeSocket != 0 {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return nil, errors.New("socket already in use: " + path)
		}
		_ = os.Remove(path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	_ = os.Chmod(path, 0600)
	return ln, nil
}

func dialPipe(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}
