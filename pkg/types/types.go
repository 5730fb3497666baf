package types

import (
	"fmt"
	"net"
	"strconv"
)

// SlotName identifies one of the two fixed deployment slots
type SlotName string

const (
	SlotBlue  SlotName = "blue"
	SlotGreen SlotName = "green"
)

// SlotNames lists both slots in their canonical order
var SlotNames = []SlotName{SlotBlue, SlotGreen}

// Other returns the opposite slot
func (n SlotName) Other() SlotName {
	if n == SlotBlue {
		return SlotGreen
	}
	return SlotBlue
}

// Valid reports whether n is blue or green
func (n SlotName) Valid() bool {
	return n == SlotBlue || n == SlotGreen
}

// Slot is a statically configured deployment slot
type Slot struct {
	Name     SlotName
	Host     string // Address the router and health checks use to reach the slot
	Port     int
	Instance string // Runtime service-instance name (e.g., "app-blue")
}

// Address returns host:port for the slot
func (s Slot) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// String implements fmt.Stringer
func (s Slot) String() string {
	return string(s.Name)
}

// HealthURL returns the slot's own health endpoint
func (s Slot) HealthURL(path string) string {
	return fmt.Sprintf("http://%s%s", s.Address(), path)
}

// Health is the health classification of a slot
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// SlotState is derived from the runtime and health endpoint on demand.
// It is never cached across runs.
type SlotState struct {
	Slot    Slot
	Running bool
	Health  Health
}

// InstanceStatus is the runtime's view of a single service instance
type InstanceStatus struct {
	Name    string
	Running bool
	// Health is the runtime-reported health ("healthy", "unhealthy",
	// "starting") or empty when the runtime has no health probe for it.
	Health string
	Image  string
}

// InstanceSpec describes a service instance to start
type InstanceSpec struct {
	Name    string
	Image   string
	Profile string
	Port    int
	Env     []string
}
