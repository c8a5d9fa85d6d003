package bindfixture

import (
	"fmt"
	"net"
)

// PortAllocator returns n currently free TCP ports
type PortAllocator func(n int) ([]int, error)

// AllocatePorts returns n distinct TCP ports that were free on the
// loopback interface when it was called.
//
// All n sockets are bound before any is released, so the kernel cannot
// hand out the same port twice within one call. Nothing keeps the ports
// reserved afterwards: another process may bind one of them before the
// daemon does. Callers that care retry the whole start-up (see
// WithStartAttempts) rather than expecting a stronger guarantee here.
func AllocatePorts(n int) ([]int, error) {
	if n <= 0 {
		return []int{}, nil
	}

	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()

	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", net.JoinHostPort(LoopbackV4, "0"))
		if err != nil {
			return nil, &Error{
				Kind: KindEnvironment,
				Op:   OpAllocate,
				Path: LoopbackV4,
				Err:  fmt.Errorf("%w: %v", ErrNoFreePorts, err),
			}
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}

	return ports, nil
}
