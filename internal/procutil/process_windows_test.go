//go:build windows
// +build windows

package procutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/windows"
)

func TestTimeoutMillis(t *testing.T) {
	assert.Equal(t, uint32(0), timeoutMillis(0))
	assert.Equal(t, uint32(1500), timeoutMillis(1500*time.Millisecond))
	assert.Equal(t, uint32(windows.INFINITE-1), timeoutMillis(50*24*time.Hour))
	assert.Equal(t, uint32(windows.INFINITE-1), timeoutMillis(time.Duration(windows.INFINITE)*time.Millisecond))
}
