package udpstream

import (
	"fmt"
	"net"
	"time"
)

// Config конфигурация UDP транспорта
type Config struct {
	// LocalHost адрес, на котором открываются сокеты потоков
	LocalHost string

	// ReadBufferSize размер буфера чтения одного пакета
	ReadBufferSize int

	// InboxSize емкость очереди принятых пакетов потока
	InboxSize int

	// MaxPacketsPerIterate ограничение числа пакетов, обрабатываемых за один Iterate
	MaxPacketsPerIterate int

	// RTCPInterval период отправки RTCP отчетов
	RTCPInterval time.Duration

	// ToneDuration длительность DTMF события (RFC 4733)
	ToneDuration time.Duration

	// PendingLimit ограничение общей очереди событий транспорта
	PendingLimit int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		LocalHost:            "0.0.0.0",
		ReadBufferSize:       1500,
		InboxSize:            256,
		MaxPacketsPerIterate: 64,
		RTCPInterval:         5 * time.Second,
		ToneDuration:         100 * time.Millisecond,
		PendingLimit:         4096,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if net.ParseIP(c.LocalHost) == nil {
		return fmt.Errorf("LocalHost не является IP адресом: %q", c.LocalHost)
	}
	if c.ReadBufferSize < 12 {
		return fmt.Errorf("ReadBufferSize слишком мал: %d", c.ReadBufferSize)
	}
	if c.InboxSize <= 0 {
		return fmt.Errorf("InboxSize должен быть положительным")
	}
	if c.MaxPacketsPerIterate <= 0 {
		return fmt.Errorf("MaxPacketsPerIterate должен быть положительным")
	}
	if c.RTCPInterval <= 0 {
		return fmt.Errorf("RTCPInterval должен быть положительным")
	}
	if c.ToneDuration < 20*time.Millisecond {
		return fmt.Errorf("ToneDuration меньше 20ms: %v", c.ToneDuration)
	}
	if c.PendingLimit <= 0 {
		return fmt.Errorf("PendingLimit должен быть положительным")
	}
	return nil
}
