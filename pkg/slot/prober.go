package slot

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cuemby/bgdeploy/pkg/log"
	"github.com/cuemby/bgdeploy/pkg/runtime"
	"github.com/cuemby/bgdeploy/pkg/types"
	"github.com/rs/zerolog"
)

// Prober determines which slot currently serves traffic by asking the
// runtime which slot instances run
type Prober struct {
	runtime runtime.Runtime
	slots   []types.Slot
	logger  zerolog.Logger
}

// NewProber creates a prober for the blue and green slots
func NewProber(rt runtime.Runtime, blue, green types.Slot) *Prober {
	return &Prober{
		runtime: rt,
		slots:   []types.Slot{blue, green},
		logger:  log.WithComponent("prober"),
	}
}

// Pattern returns the anchored expression matching exactly the slot
// instance names
func (p *Prober) Pattern() string {
	names := make([]string, 0, len(p.slots))
	for _, s := range p.slots {
		names = append(names, regexp.QuoteMeta(s.Instance))
	}
	return "^(" + strings.Join(names, "|") + ")$"
}

// CurrentActive returns the slot whose instance is running, or nil when
// neither runs. When both run, the first one the runtime reports wins and a
// warning is logged.
func (p *Prober) CurrentActive(ctx context.Context) (*types.Slot, error) {
	running, err := p.Running(ctx)
	if err != nil {
		return nil, err
	}

	switch len(running) {
	case 0:
		p.logger.Info().Msg("No slot instance running")
		return nil, nil
	case 1:
	default:
		names := make([]string, 0, len(running))
		for _, s := range running {
			names = append(names, s.Instance)
		}
		p.logger.Warn().
			Strs("instances", names).
			Str("chosen", string(running[0].Name)).
			Msg("More than one slot instance running, using the first observed")
	}

	active := running[0]
	p.logger.Debug().Str("slot", string(active.Name)).Msg("Detected active slot")
	return &active, nil
}

// Running returns the running slots in the order the runtime reports them
func (p *Prober) Running(ctx context.Context) ([]types.Slot, error) {
	names, err := p.runtime.ListRunning(ctx, p.Pattern())
	if err != nil {
		return nil, fmt.Errorf("failed to list running slot instances: %w", err)
	}

	var running []types.Slot
	seen := make(map[types.SlotName]bool)
	for _, name := range names {
		s, ok := p.byInstance(name)
		if !ok || seen[s.Name] {
			continue
		}
		seen[s.Name] = true
		running = append(running, s)
	}
	return running, nil
}

func (p *Prober) byInstance(instance string) (types.Slot, bool) {
	for _, s := range p.slots {
		if s.Instance == instance {
			return s, true
		}
	}
	return types.Slot{}, false
}

// Target returns the slot a run deploys to: the other slot, or blue when
// nothing runs
func Target(current *types.Slot) types.SlotName {
	if current == nil {
		return types.SlotBlue
	}
	return current.Name.Other()
}
