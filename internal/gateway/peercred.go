package gateway

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// PeerUID reads the effective UID of the process on the other end of a
// Unix domain socket connection via SO_PEERCRED, the standard
// credential-passing mechanism on Linux UDS connections.
func PeerUID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("syscall conn: %w", err)
	}
	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, fmt.Errorf("control: %w", err)
	}
	if sockErr != nil {
		return 0, fmt.Errorf("getsockopt SO_PEERCRED: %w", sockErr)
	}
	return ucred.Uid, nil
}
