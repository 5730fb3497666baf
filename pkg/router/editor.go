package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/cuemby/bgdeploy/pkg/log"
	"github.com/cuemby/bgdeploy/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrUnexpectedConfig means the router file is not in the state an edit expects
	ErrUnexpectedConfig = errors.New("router config not in expected state")

	// ErrRestoreFailed means a rejected edit could not be written back; the
	// file holds neither the old nor a validated new config
	ErrRestoreFailed = errors.New("router config restore failed")
)

// Replacement swaps one whole line for another
type Replacement struct {
	Old string
	New string
}

// Edit is a reversible change to the router file. Applying Inverse to the
// edited text yields the original text byte for byte.
type Edit struct {
	Target       types.SlotName
	Previous     types.SlotName
	Replacements []Replacement
}

// Empty reports whether the edit changes nothing
func (e *Edit) Empty() bool {
	return e == nil || len(e.Replacements) == 0
}

// Inverse returns the replacements that undo the edit, in reverse order
func (e *Edit) Inverse() []Replacement {
	inv := make([]Replacement, 0, len(e.Replacements))
	for i := len(e.Replacements) - 1; i >= 0; i-- {
		r := e.Replacements[i]
		inv = append(inv, Replacement{Old: r.New, New: r.Old})
	}
	return inv
}

// Mapping is the slot routing found in the router file
type Mapping struct {
	Active *types.SlotName
	Backup *types.SlotName
}

// upstreamLine is one parsed "[# ]server host:port ...;" line
type upstreamLine struct {
	text    string
	indent  string
	comment string // "#" plus trailing blanks, empty when not commented
	suffix  string // everything after the address, verbatim
}

func (l upstreamLine) commented() bool {
	return l.comment != ""
}

func (l upstreamLine) isBackup() bool {
	return l.commented() || hasBackupMarker(l.suffix)
}

func (l upstreamLine) isActive() bool {
	return !l.isBackup()
}

var backupMarker = regexp.MustCompile(`(^|[ \t])backup([ \t;]|$)`)

func hasBackupMarker(suffix string) bool {
	return backupMarker.MatchString(suffix)
}

// Editor performs reversible, validated edits of the router upstream file
type Editor struct {
	path      string
	directive string
	router    Router
	slots     map[types.SlotName]types.Slot
	logger    zerolog.Logger
}

// NewEditor creates an editor for the file at path. directive is the upstream
// keyword ("server" for nginx).
func NewEditor(path, directive string, r Router, blue, green types.Slot) *Editor {
	return &Editor{
		path:      path,
		directive: directive,
		router:    r,
		slots: map[types.SlotName]types.Slot{
			types.SlotBlue:  blue,
			types.SlotGreen: green,
		},
		logger: log.WithComponent("router"),
	}
}

// Path returns the router config file path
func (e *Editor) Path() string {
	return e.path
}

// Inspect reports which slot the file routes to and which is the backup
func (e *Editor) Inspect() (Mapping, error) {
	text, err := e.read()
	if err != nil {
		return Mapping{}, err
	}

	var m Mapping
	for _, name := range types.SlotNames {
		for _, l := range e.findLines(text, e.slots[name].Address()) {
			if l.isActive() {
				if m.Active != nil {
					return Mapping{}, fmt.Errorf("%w: both slots are active in %s", ErrUnexpectedConfig, e.path)
				}
				m.Active = &name
			} else if !l.commented() {
				m.Backup = &name
			}
		}
	}
	return m, nil
}

// Switch rewrites the file so target is the active upstream and previous the
// backup, then validates it. On validation failure the inverse substitution
// is written back before returning. previous may be nil, in which case the
// active slot is read from the file; an edit that would change nothing is
// returned empty.
func (e *Editor) Switch(ctx context.Context, target types.Slot, previous *types.Slot) (*Edit, error) {
	original, err := e.read()
	if err != nil {
		return nil, err
	}

	if previous == nil {
		prev, err := e.routedSlot(original, target)
		if err != nil {
			return nil, err
		}
		if prev == nil {
			e.logger.Info().Str("slot", string(target.Name)).Msg("Router already routes to target slot")
			return &Edit{Target: target.Name, Previous: target.Name}, nil
		}
		previous = prev
	}

	edit, err := e.plan(original, target, *previous)
	if err != nil {
		return nil, err
	}

	updated, err := applyReplacements(original, edit.Replacements)
	if err != nil {
		return nil, err
	}

	// Refuse edits that could not be undone exactly
	restored, err := applyReplacements(updated, edit.Inverse())
	if err != nil || restored != original {
		return nil, fmt.Errorf("%w: edit of %s would not be reversible", ErrUnexpectedConfig, e.path)
	}

	if err := e.write(updated); err != nil {
		return nil, err
	}

	if err := e.router.Validate(ctx); err != nil {
		if werr := e.write(original); werr != nil {
			return nil, errors.Join(err, fmt.Errorf("%w: %s: %w", ErrRestoreFailed, e.path, werr))
		}
		e.logger.Warn().Err(err).Msg("Router rejected new config, restored previous text")
		return nil, err
	}

	e.logger.Info().
		Str("active", string(target.Name)).
		Str("backup", string(previous.Name)).
		Msg("Router config switched")

	return edit, nil
}

// Reload asks the router to load the current file
func (e *Editor) Reload(ctx context.Context) error {
	return e.router.Reload(ctx)
}

// Revert applies the inverse of edit, validates and reloads the router
func (e *Editor) Revert(ctx context.Context, edit *Edit) error {
	if edit.Empty() {
		return nil
	}

	current, err := e.read()
	if err != nil {
		return err
	}

	restored, err := applyReplacements(current, edit.Inverse())
	if err != nil {
		return fmt.Errorf("failed to revert router config: %w", err)
	}

	if err := e.write(restored); err != nil {
		return err
	}

	if err := e.router.Validate(ctx); err != nil {
		return fmt.Errorf("reverted router config is invalid: %w", err)
	}
	if err := e.router.Reload(ctx); err != nil {
		return err
	}

	e.logger.Info().Str("active", string(edit.Previous)).Msg("Router config reverted")
	return nil
}

// routedSlot returns the slot the file routes to, or nil when it is target
func (e *Editor) routedSlot(text string, target types.Slot) (*types.Slot, error) {
	for _, name := range types.SlotNames {
		slot := e.slots[name]
		for _, l := range e.findLines(text, slot.Address()) {
			if !l.isActive() {
				continue
			}
			if name == target.Name {
				return nil, nil
			}
			return &slot, nil
		}
	}
	return nil, fmt.Errorf("%w: no active upstream for either slot in %s", ErrUnexpectedConfig, e.path)
}

// plan builds the two paired line replacements
func (e *Editor) plan(text string, target, previous types.Slot) (*Edit, error) {
	if target.Name == previous.Name {
		return nil, fmt.Errorf("target and previous are both %s", target.Name)
	}

	active, err := e.onlyLine(text, previous, upstreamLine.isActive, "active")
	if err != nil {
		return nil, err
	}
	placeholder, err := e.onlyLine(text, target, upstreamLine.isBackup, "backup")
	if err != nil {
		return nil, err
	}

	// The active line now addresses the target, keeping its suffix
	newActive := active.indent + e.directive + " " + target.Address() + active.suffix

	// The placeholder now addresses the previous slot. A backup-marked line is
	// uncommented so the previous slot stands by; an unmarked placeholder
	// stays commented so there is never a second active upstream.
	prefix := placeholder.indent
	if placeholder.commented() && !hasBackupMarker(placeholder.suffix) {
		prefix += placeholder.comment
	}
	newBackup := prefix + e.directive + " " + previous.Address() + placeholder.suffix

	return &Edit{
		Target:   target.Name,
		Previous: previous.Name,
		Replacements: []Replacement{
			{Old: active.text, New: newActive},
			{Old: placeholder.text, New: newBackup},
		},
	}, nil
}

func (e *Editor) onlyLine(text string, slot types.Slot, keep func(upstreamLine) bool, kind string) (upstreamLine, error) {
	var matches []upstreamLine
	for _, l := range e.findLines(text, slot.Address()) {
		if keep(l) {
			matches = append(matches, l)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return upstreamLine{}, fmt.Errorf("%w: %s line for %s (%s) not found in %s",
			ErrUnexpectedConfig, kind, slot.Name, slot.Address(), e.path)
	default:
		return upstreamLine{}, fmt.Errorf("%w: %d %s lines for %s (%s) in %s",
			ErrUnexpectedConfig, len(matches), kind, slot.Name, slot.Address(), e.path)
	}
}

// findLines returns every upstream line for addr, commented or not
func (e *Editor) findLines(text, addr string) []upstreamLine {
	re := regexp.MustCompile(`^([ \t]*)(#[ \t]*)?` + regexp.QuoteMeta(e.directive) +
		`[ \t]+` + regexp.QuoteMeta(addr) + `([ \t;].*)$`)

	var found []upstreamLine
	for _, line := range strings.Split(text, "\n") {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		found = append(found, upstreamLine{
			text:    line,
			indent:  m[1],
			comment: m[2],
			suffix:  m[3],
		})
	}
	return found
}

// applyReplacements swaps whole lines; each Old line must occur exactly once
func applyReplacements(text string, reps []Replacement) (string, error) {
	lines := strings.Split(text, "\n")

	for _, r := range reps {
		idx := -1
		for i, line := range lines {
			if line != r.Old {
				continue
			}
			if idx >= 0 {
				return "", fmt.Errorf("%w: line %q occurs more than once", ErrUnexpectedConfig, r.Old)
			}
			idx = i
		}
		if idx < 0 {
			return "", fmt.Errorf("%w: line %q not found", ErrUnexpectedConfig, r.Old)
		}
		lines[idx] = r.New
	}

	return strings.Join(lines, "\n"), nil
}

func (e *Editor) read() (string, error) {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return "", fmt.Errorf("failed to read router config: %w", err)
	}
	return string(data), nil
}

// write replaces the file content in place. Renaming a temp file would give
// the path a new inode, which a single-file bind mount into the router
// container would not see.
func (e *Editor) write(text string) error {
	info, err := os.Stat(e.path)
	if err != nil {
		return fmt.Errorf("failed to stat router config: %w", err)
	}
	if err := os.WriteFile(e.path, []byte(text), info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write router config: %w", err)
	}
	return nil
}
