package slot

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/cuemby/bgdeploy/pkg/runtime"
	"github.com/cuemby/bgdeploy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	blue  = types.Slot{Name: types.SlotBlue, Host: "127.0.0.1", Port: 8001, Instance: "app-blue"}
	green = types.Slot{Name: types.SlotGreen, Host: "127.0.0.1", Port: 8002, Instance: "app-green"}
)

// fakeRuntime keeps instances in memory, listing them in insertion order
type fakeRuntime struct {
	order     []string
	instances map[string]types.InstanceStatus
	listErr   error
	stopErr   error
	calls     []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{instances: make(map[string]types.InstanceStatus)}
}

func (f *fakeRuntime) add(name, image string, running bool) {
	f.order = append(f.order, name)
	f.instances[name] = types.InstanceStatus{Name: name, Image: image, Running: running}
}

func (f *fakeRuntime) ListRunning(ctx context.Context, pattern string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	re := regexp.MustCompile(pattern)
	var names []string
	for _, name := range f.order {
		if st, ok := f.instances[name]; ok && st.Running && re.MatchString(name) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, name string) (types.InstanceStatus, error) {
	st, ok := f.instances[name]
	if !ok {
		return types.InstanceStatus{}, runtime.ErrNotFound
	}
	return st, nil
}

func (f *fakeRuntime) Start(ctx context.Context, spec types.InstanceSpec) error {
	f.calls = append(f.calls, "start "+spec.Name)
	f.add(spec.Name, spec.Image, true)
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, name string) error {
	f.calls = append(f.calls, "stop "+name)
	if f.stopErr != nil {
		return f.stopErr
	}
	if st, ok := f.instances[name]; ok {
		st.Running = false
		f.instances[name] = st
	}
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, name string) error {
	f.calls = append(f.calls, "remove "+name)
	delete(f.instances, name)
	return nil
}

func (f *fakeRuntime) Close() error { return nil }

func TestCurrentActive(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*fakeRuntime)
		want    *types.SlotName
		wantErr bool
	}{
		{
			name:  "nothing running",
			setup: func(f *fakeRuntime) {},
		},
		{
			name:  "blue running",
			setup: func(f *fakeRuntime) { f.add("app-blue", "app:v1", true) },
			want:  ptr(types.SlotBlue),
		},
		{
			name:  "green running, blue stopped",
			setup: func(f *fakeRuntime) { f.add("app-blue", "app:v1", false); f.add("app-green", "app:v2", true) },
			want:  ptr(types.SlotGreen),
		},
		{
			name:  "both running, first observed wins",
			setup: func(f *fakeRuntime) { f.add("app-green", "app:v2", true); f.add("app-blue", "app:v1", true) },
			want:  ptr(types.SlotGreen),
		},
		{
			name: "similar names are ignored",
			setup: func(f *fakeRuntime) {
				f.add("app-blue-old", "app:v0", true)
				f.add("my-app-green", "app:v0", true)
			},
		},
		{
			name:    "runtime error",
			setup:   func(f *fakeRuntime) { f.listErr = errors.New("daemon unreachable") },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newFakeRuntime()
			tt.setup(rt)

			got, err := NewProber(rt, blue, green).CurrentActive(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, got.Name)
		})
	}
}

func TestCurrentActive_Idempotent(t *testing.T) {
	rt := newFakeRuntime()
	rt.add("app-green", "app:v2", true)
	prober := NewProber(rt, blue, green)

	first, err := prober.CurrentActive(context.Background())
	require.NoError(t, err)
	second, err := prober.CurrentActive(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Empty(t, rt.calls, "probing never mutates the runtime")
}

func TestTarget(t *testing.T) {
	assert.Equal(t, types.SlotBlue, Target(nil))
	assert.Equal(t, types.SlotGreen, Target(&blue))
	assert.Equal(t, types.SlotBlue, Target(&green))
}

func TestLifecycleStart(t *testing.T) {
	t.Run("fresh start", func(t *testing.T) {
		rt := newFakeRuntime()
		lc := NewLifecycle(rt, "registry.local/app")

		require.NoError(t, lc.Start(context.Background(), green, "v2"))

		assert.Equal(t, []string{"start app-green"}, rt.calls)
		assert.Equal(t, "registry.local/app:v2", rt.instances["app-green"].Image)
	})

	t.Run("same image already running", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.add("app-green", "registry.local/app:v2", true)
		lc := NewLifecycle(rt, "registry.local/app")

		require.NoError(t, lc.Start(context.Background(), green, "v2"))
		assert.Empty(t, rt.calls)
	})

	t.Run("stale instance is replaced", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.add("app-green", "registry.local/app:v1", false)
		lc := NewLifecycle(rt, "registry.local/app")

		require.NoError(t, lc.Start(context.Background(), green, "v2"))
		assert.Equal(t, []string{"remove app-green", "start app-green"}, rt.calls)
	})
}

func TestLifecycleSpec(t *testing.T) {
	lc := NewLifecycle(newFakeRuntime(), "app")

	spec := lc.Spec(blue, "")

	assert.Equal(t, "app:latest", spec.Image)
	assert.Equal(t, "blue", spec.Profile)
	assert.Equal(t, 8001, spec.Port)
	assert.Contains(t, spec.Env, "PORT=8001")
	assert.Contains(t, spec.Env, "SLOT=blue")
}

func TestLifecycleStop(t *testing.T) {
	t.Run("running instance", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.add("app-blue", "app:v1", true)

		require.NoError(t, NewLifecycle(rt, "app").Stop(context.Background(), blue))
		assert.Equal(t, []string{"stop app-blue", "remove app-blue"}, rt.calls)
		assert.NotContains(t, rt.instances, "app-blue")
	})

	t.Run("missing instance is success", func(t *testing.T) {
		rt := newFakeRuntime()
		assert.NoError(t, NewLifecycle(rt, "app").Stop(context.Background(), blue))
	})

	t.Run("not found from runtime is success", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.stopErr = runtime.ErrNotFound
		assert.NoError(t, NewLifecycle(rt, "app").Stop(context.Background(), blue))
	})

	t.Run("runtime failure", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.stopErr = errors.New("permission denied")
		assert.Error(t, NewLifecycle(rt, "app").Stop(context.Background(), blue))
	})
}

func TestLifecycleState(t *testing.T) {
	rt := newFakeRuntime()
	rt.instances["app-blue"] = types.InstanceStatus{Name: "app-blue", Running: true, Health: "healthy"}
	lc := NewLifecycle(rt, "app")

	state, err := lc.State(context.Background(), blue)
	require.NoError(t, err)
	assert.True(t, state.Running)
	assert.Equal(t, types.HealthHealthy, state.Health)

	state, err = lc.State(context.Background(), green)
	require.NoError(t, err)
	assert.False(t, state.Running)
	assert.Equal(t, types.HealthUnknown, state.Health)
}

func ptr(n types.SlotName) *types.SlotName { return &n }
