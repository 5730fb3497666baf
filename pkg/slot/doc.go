/*
Package slot maps the two fixed deployment slots onto runtime instances.

Prober answers "which slot is live" from what the runtime reports as running;
there is no persisted record of the active slot. Lifecycle starts an image tag
in a slot and stops a slot again, tolerating instances that are already gone.

	prober := slot.NewProber(rt, cfg.Slot(types.SlotBlue), cfg.Slot(types.SlotGreen))
	current, err := prober.CurrentActive(ctx) // nil on first deploy
	target := slot.Target(current)            // the other slot, blue on first deploy
*/
package slot
