/*
Package types defines the core data structures shared by the bgdeploy packages.

A service has exactly two slots, blue and
green, that are fixed by configuration. Slots are never created or destroyed;
only the service instance backing a slot is started and stopped.

# Core Types

Slot:
  - Name: blue or green
  - Host/Port: where the slot's instance listens
  - Instance: the runtime name of the slot's service instance

SlotState:
  - Derived from the runtime and the health endpoint on demand
  - Never cached across deployment runs

InstanceStatus / InstanceSpec:
  - The runtime-facing view of a single service instance
  - Used by pkg/runtime backends and pkg/slot

# Usage

	blue := types.Slot{Name: types.SlotBlue, Host: "127.0.0.1", Port: 8001, Instance: "app-blue"}
	fmt.Println(blue.Address())          // 127.0.0.1:8001
	fmt.Println(blue.Name.Other())       // green
	fmt.Println(blue.HealthURL("/health"))

# See Also

  - pkg/slot for slot detection and lifecycle
  - pkg/runtime for the runtime backends
*/
package types
