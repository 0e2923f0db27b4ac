package sound

import (
	"errors"
	"fmt"
	"sync"
)

// Capability возможности устройства
type Capability uint8

const (
	CapabilityCapture Capability = 1 << iota
	CapabilityPlayback
)

// Device описывает звуковое устройство
type Device struct {
	ID   string
	Name string
	Caps Capability
}

// CanCapture сообщает, поддерживает ли устройство захват
func (d Device) CanCapture() bool {
	return d.Caps&CapabilityCapture != 0
}

// CanPlayback сообщает, поддерживает ли устройство воспроизведение
func (d Device) CanPlayback() bool {
	return d.Caps&CapabilityPlayback != 0
}

func (d Device) String() string {
	if d.Name == "" {
		return d.ID
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.ID)
}

// DeviceManager перечисляет доступные звуковые устройства
type DeviceManager interface {
	// Devices возвращает текущий список устройств
	Devices() []Device
	// DefaultCapture возвращает устройство захвата по умолчанию
	DefaultCapture() (Device, bool)
	// DefaultPlayback возвращает устройство воспроизведения по умолчанию
	DefaultPlayback() (Device, bool)
}

// ErrDuplicateDevice возвращается при повторной регистрации идентификатора
var ErrDuplicateDevice = errors.New("sound: устройство уже зарегистрировано")

// StaticDeviceManager хранит список устройств, заданный конфигурацией.
// Первое устройство с нужной возможностью считается устройством по умолчанию.
type StaticDeviceManager struct {
	mu      sync.RWMutex
	devices []Device
}

// NewStaticDeviceManager создает менеджер с начальным списком устройств
func NewStaticDeviceManager(devices ...Device) (*StaticDeviceManager, error) {
	m := &StaticDeviceManager{}
	for _, d := range devices {
		if err := m.Add(d); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add добавляет устройство
func (m *StaticDeviceManager) Add(d Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.devices {
		if existing.ID == d.ID {
			return fmt.Errorf("%s: %w", d.ID, ErrDuplicateDevice)
		}
	}
	m.devices = append(m.devices, d)
	return nil
}

// Remove удаляет устройство по идентификатору
func (m *StaticDeviceManager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, d := range m.devices {
		if d.ID == id {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			return true
		}
	}
	return false
}

func (m *StaticDeviceManager) Devices() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Device, len(m.devices))
	copy(out, m.devices)
	return out
}

func (m *StaticDeviceManager) DefaultCapture() (Device, bool) {
	return m.first(CapabilityCapture)
}

func (m *StaticDeviceManager) DefaultPlayback() (Device, bool) {
	return m.first(CapabilityPlayback)
}

func (m *StaticDeviceManager) first(c Capability) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.devices {
		if d.Caps&c != 0 {
			return d, true
		}
	}
	return Device{}, false
}
