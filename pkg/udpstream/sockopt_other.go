//go:build !linux && !darwin

package udpstream

// setSockOptDSCP заглушка для платформ без IP_TOS
func setSockOptDSCP(fd, dscp int) error {
	return nil
}
