/*
Package runtime provides the container runtime collaborator for bgdeploy.

The deployment orchestrator never talks to a container engine directly. It goes
through the Runtime interface, which lists running instances, inspects one
instance, and starts, stops and removes instances by name. Two backends are
provided.

# Architecture

	┌──────────────────── RUNTIME BACKENDS ─────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐           │
	│  │               Runtime interface             │           │
	│  │  ListRunning / Inspect / Start / Stop /     │           │
	│  │  Remove / Close                             │           │
	│  └───────────┬────────────────────┬───────────┘           │
	│              │                    │                        │
	│  ┌───────────▼──────────┐ ┌───────▼──────────────┐        │
	│  │  ContainerdRuntime   │ │   ComposeRuntime     │        │
	│  │  - containerd client │ │  - docker CLI        │        │
	│  │  - namespace bgdeploy│ │  - profile per slot  │        │
	│  │  - host networking   │ │  - IMAGE / SLOT_PORT │        │
	│  └──────────────────────┘ └──────────────────────┘        │
	└────────────────────────────────────────────────────────────┘

# Containerd Backend

Instances are containers in the "bgdeploy" namespace whose ID is the slot
instance name. Start pulls and unpacks the image, creates a container with the
image config, the slot environment and the host network namespace, then starts
its task. Stop sends SIGTERM, waits up to the stop timeout, escalates to
SIGKILL and deletes the task. Remove deletes the container and its snapshot.
containerd has no health probes, so Inspect leaves Health empty and the health
package falls back to the slot's HTTP endpoint.

# Compose Backend

Each slot is a compose service with container_name set to the slot instance
and a profile named after the slot:

	services:
	  app-blue:
	    image: ${IMAGE}
	    container_name: app-blue
	    profiles: [blue]
	    ports: ["${SLOT_PORT}:8000"]
	    healthcheck:
	      test: ["CMD", "curl", "-f", "http://localhost:8000/health"]
	  app-green:
	    image: ${IMAGE}
	    container_name: app-green
	    profiles: [green]
	    ports: ["${SLOT_PORT}:8000"]

Start runs "docker compose --profile <slot> up -d --no-deps <instance>" with
IMAGE and SLOT_PORT exported. Inspect reports the docker health status when the
service defines a healthcheck.

# Errors

Inspect returns ErrNotFound (wrapped) for unknown instances. Stop and Remove
treat a missing instance as success so rollback can be repeated safely.
*/
package runtime
