package security

import (
	"errors"
	"strings"
	"sync"
)

var (
	// ErrTooManyConnectionsIP is returned when the per-IP active connection cap is reached
	ErrTooManyConnectionsIP = errors.New("too many active connections for ip")

	// ErrTooManyConnectionsDevice is returned when the per-device active connection cap is reached
	ErrTooManyConnectionsDevice = errors.New("too many active connections for device")
)

// Ticket records what an admitted connection incremented, so Release can undo
// exactly that. The zero Ticket releases nothing.
type Ticket struct {
	IP       string
	DeviceID string
	held     bool
}

// Admission caps concurrently open long-lived connections per IP and per device.
// Checking both caps and incrementing both counters happens in one critical
// section, so racing connections from the same device cannot both slip past a
// cap that only one of them fits under.
type Admission struct {
	mu           sync.Mutex
	maxPerIP     int
	maxPerDevice int
	byIP         map[string]int
	byDevice     map[string]int
}

// NewAdmission creates an admission gate. A cap <= 0 disables that dimension.
func NewAdmission(maxPerIP, maxPerDevice int) *Admission {
	return &Admission{
		maxPerIP:     maxPerIP,
		maxPerDevice: maxPerDevice,
		byIP:         make(map[string]int),
		byDevice:     make(map[string]int),
	}
}

// Acquire admits a connection from ip/deviceID if neither cap is reached.
// Empty identities skip their dimension. On rejection nothing is incremented.
func (a *Admission) Acquire(ip, deviceID string) (Ticket, error) {
	ip = strings.TrimSpace(ip)
	deviceID = strings.TrimSpace(deviceID)

	a.mu.Lock()
	defer a.mu.Unlock()

	if ip != "" && a.maxPerIP > 0 && a.byIP[ip] >= a.maxPerIP {
		return Ticket{}, ErrTooManyConnectionsIP
	}
	if deviceID != "" && a.maxPerDevice > 0 && a.byDevice[deviceID] >= a.maxPerDevice {
		return Ticket{}, ErrTooManyConnectionsDevice
	}

	if ip != "" {
		a.byIP[ip]++
	}
	if deviceID != "" {
		a.byDevice[deviceID]++
	}
	return Ticket{IP: ip, DeviceID: deviceID, held: true}, nil
}

// Release undoes a successful Acquire. It tolerates tickets whose IP or device
// is empty and never drives a counter below zero.
func (a *Admission) Release(t Ticket) {
	if !t.held {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	decrement(a.byIP, t.IP)
	decrement(a.byDevice, t.DeviceID)
}

func decrement(counts map[string]int, key string) {
	if key == "" {
		return
	}
	if counts[key] <= 1 {
		delete(counts, key)
		return
	}
	counts[key]--
}

// Active returns the open connection counts for ip and deviceID.
func (a *Admission) Active(ip, deviceID string) (perIP, perDevice int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byIP[strings.TrimSpace(ip)], a.byDevice[strings.TrimSpace(deviceID)]
}

// Tracked returns how many distinct IPs and devices hold open connections.
func (a *Admission) Tracked() (ips, devices int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byIP), len(a.byDevice)
}
