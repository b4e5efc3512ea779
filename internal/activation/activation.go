package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// firstFD is where systemd places passed sockets, after stdin, stdout and stderr
const firstFD = 3

// Listener returns the first socket handed over by systemd socket
// activation, or nil when the process was not socket activated. The
// webhook server only ever listens on one address.
func Listener() (net.Listener, error) {
	listeners, err := listeners(firstFD)
	if err != nil || len(listeners) == 0 {
		return nil, err
	}
	for _, extra := range listeners[1:] {
		_ = extra.Close()
	}
	return listeners[0], nil
}

// passedFDs reports how many sockets LISTEN_PID and LISTEN_FDS announce
// for this process
func passedFDs() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	return max(n, 0), nil
}

func listeners(base int) ([]net.Listener, error) {
	n, err := passedFDs()
	if err != nil || n == 0 {
		return nil, err
	}

	out := make([]net.Listener, 0, n)
	closeAll := func() {
		for _, ln := range out {
			_ = ln.Close()
		}
	}
	for fd := base; fd < base+n; fd++ {
		file := os.NewFile(uintptr(fd), "systemd-socket-"+strconv.Itoa(fd))
		if file == nil {
			closeAll()
			return nil, fmt.Errorf("invalid file descriptor %d", fd)
		}
		ln, err := net.FileListener(file)
		// FileListener dups the descriptor
		_ = file.Close()
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		out = append(out, ln)
	}

	// Children must not inherit the activation
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return out, nil
}
