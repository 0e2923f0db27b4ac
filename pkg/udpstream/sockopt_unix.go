//go:build linux || darwin

package udpstream

import (
	"golang.org/x/sys/unix"
)

// setSockOptDSCP устанавливает DSCP маркировку для QoS
func setSockOptDSCP(fd, dscp int) error {
	// DSCP находится в старших 6 битах TOS поля
	tos := dscp << 2

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		return err
	}

	// Для IPv4 сокета ошибка IPV6_TCLASS ожидаема
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	return nil
}
