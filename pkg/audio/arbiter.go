// Package audio владеет выбором аудиоустройства и воспроизведением
// служебных звуков звонка.
package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/arzzra/voice_bridge/pkg/callerr"
	"github.com/arzzra/voice_bridge/pkg/logger"
)

// DeviceType тип аудиоустройства
type DeviceType string

const (
	DeviceEarpiece  DeviceType = "earpiece"
	DeviceSpeaker   DeviceType = "speaker"
	DeviceBluetooth DeviceType = "bluetooth"
)

// PlatformDevice устройство в том виде, в каком его перечисляет платформа
type PlatformDevice struct {
	Name string
	Type DeviceType
}

// Device устройство с идентификатором, выданным арбитром
type Device struct {
	ID   string     `json:"uuid"`
	Name string     `json:"name"`
	Type DeviceType `json:"type"`
}

// Snapshot список устройств и выбранное устройство
type Snapshot struct {
	Devices  []Device `json:"audioDevices"`
	Selected *Device  `json:"selectedDevice,omitempty"`
}

// Listener получает снимок при каждом изменении
type Listener func(Snapshot)

// Router платформенный маршрутизатор звука
type Router interface {
	Activate() error
	Deactivate() error
	Select(device PlatformDevice) error
}

// Arbiter владеет фактом выбранного аудиоустройства.
// Идентификаторы устройств пересоздаются при каждом перечислении.
type Arbiter struct {
	mu       sync.Mutex
	router   Router
	active   bool
	devices  []Device
	platform map[string]PlatformDevice // id -> устройство платформы
	selected string
	listener Listener
	logger   logger.StructuredLogger
}

// NewArbiter создает арбитра поверх маршрутизатора платформы
func NewArbiter(router Router, log logger.StructuredLogger) *Arbiter {
	if log == nil {
		log = logger.Nop()
	}
	return &Arbiter{
		router:   router,
		platform: make(map[string]PlatformDevice),
		logger:   log.WithComponent("audio_arbiter"),
	}
}

// Activate включает маршрут звука; повторный вызов ничего не делает
func (a *Arbiter) Activate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active {
		return nil
	}
	if err := a.router.Activate(); err != nil {
		return fmt.Errorf("активация маршрута звука: %w", err)
	}
	a.active = true
	a.logger.Debug(context.Background(), "маршрут звука активирован")
	return nil
}

// Deactivate выключает маршрут звука; повторный вызов ничего не делает
func (a *Arbiter) Deactivate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		return nil
	}
	if err := a.router.Deactivate(); err != nil {
		return fmt.Errorf("деактивация маршрута звука: %w", err)
	}
	a.active = false
	a.logger.Debug(context.Background(), "маршрут звука деактивирован")
	return nil
}

// Active проверяет, активен ли маршрут
func (a *Arbiter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Select выбирает устройство. Неизвестный идентификатор возвращает
// InvalidArgument, выбор при этом не меняется.
func (a *Arbiter) Select(deviceID string) error {
	a.mu.Lock()
	device, ok := a.platform[deviceID]
	if !ok {
		a.mu.Unlock()
		return callerr.New(callerr.KindInvalidArgument, callerr.CodeDeviceNotFound,
			fmt.Sprintf("аудиоустройство %q не найдено", deviceID)).
			WithField("device_id", deviceID)
	}
	if err := a.router.Select(device); err != nil {
		a.mu.Unlock()
		return callerr.New(callerr.KindProviderError, callerr.CodeAudioRoute,
			fmt.Sprintf("выбор устройства %s: %v", device.Name, err)).
			WithField("device_id", deviceID).
			WithCause(err)
	}
	a.selected = deviceID
	snap, listener := a.snapshotLocked(), a.listener
	a.mu.Unlock()

	a.logger.Info(context.Background(), "выбрано аудиоустройство",
		logger.String("device_id", deviceID),
		logger.String("device_name", device.Name))
	if listener != nil {
		listener(snap)
	}
	return nil
}

// UpdateDevices принимает новое перечисление устройств платформы.
// selectedIndex указывает выбранное устройство, -1 если нет.
func (a *Arbiter) UpdateDevices(devices []PlatformDevice, selectedIndex int) {
	a.mu.Lock()
	a.devices = make([]Device, 0, len(devices))
	a.platform = make(map[string]PlatformDevice, len(devices))
	a.selected = ""
	for i, d := range devices {
		id := uuid.NewString()
		a.devices = append(a.devices, Device{ID: id, Name: d.Name, Type: d.Type})
		a.platform[id] = d
		if i == selectedIndex {
			a.selected = id
		}
	}
	snap, listener := a.snapshotLocked(), a.listener
	a.mu.Unlock()

	a.logger.Debug(context.Background(), "список аудиоустройств обновлен",
		logger.Int("devices", len(devices)))
	if listener != nil {
		listener(snap)
	}
}

// Current возвращает текущий снимок
func (a *Arbiter) Current() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Subscribe заменяет слушателя и сразу вызывает его с текущим снимком
func (a *Arbiter) Subscribe(listener Listener) {
	a.mu.Lock()
	a.listener = listener
	snap := a.snapshotLocked()
	a.mu.Unlock()

	if listener != nil {
		listener(snap)
	}
}

func (a *Arbiter) snapshotLocked() Snapshot {
	snap := Snapshot{Devices: make([]Device, len(a.devices))}
	copy(snap.Devices, a.devices)
	for i := range snap.Devices {
		if snap.Devices[i].ID == a.selected {
			selected := snap.Devices[i]
			snap.Selected = &selected
		}
	}
	return snap
}
