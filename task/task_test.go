package task

import (
	"encoding/json"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflicts(t *testing.T) {
	expose := func(camera string, ccd int) Parameters {
		return Parameters{Kind: KindExposure, Camera: camera, Ccd: ccd, Mount: "eq6", Focuser: "crayford"}
	}
	tests := []struct {
		name string
		a, b Parameters
		want bool
	}{
		{"same ccd", expose("sx", 0), expose("sx", 0), true},
		{"other ccd of the same camera", expose("sx", 0), expose("sx", 1), false},
		{"other camera, shared mount", expose("sx", 0), expose("qhy", 0), false},
		{
			"shared filter wheel",
			Parameters{Kind: KindExposure, Camera: "sx", FilterWheel: "efw"},
			Parameters{Kind: KindExposure, Camera: "qhy", FilterWheel: "efw"},
			true,
		},
		{
			"shared cooler",
			Parameters{Kind: KindExposure, Camera: "sx", Cooler: "tec"},
			Parameters{Kind: KindSleep, Cooler: "tec"},
			true,
		},
		{
			"focus claims the focuser",
			Parameters{Kind: KindFocus, Camera: "sx", Focuser: "crayford"},
			Parameters{Kind: KindSleep, Focuser: "crayford"},
			true,
		},
		{
			"exposure only reads the focuser",
			expose("qhy", 0),
			Parameters{Kind: KindFocus, Camera: "sx", Focuser: "crayford"},
			false,
		},
		{"nothing named", Parameters{Kind: KindSleep}, Parameters{Kind: KindSleep}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Conflicts(tt.a, tt.b))
			assert.Equal(t, tt.want, Conflicts(tt.b, tt.a))
		})
	}
}

func TestStateNames(t *testing.T) {
	for s := Pending; s <= Complete; s++ {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseState("exploded")
	assert.Error(t, err)
	assert.Equal(t, "State(9)", State(9).String())
	assert.False(t, Pending.Terminal())
	assert.False(t, Executing.Terminal())

	names := map[QueueState]string{Idle: "idle", Launching: "launching", Stopping: "stopping", Stopped: "stopped"}
	for s, n := range names {
		assert.Equal(t, n, s.String())
		got, err := ParseQueueState(n)
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err = ParseQueueState("running")
	assert.Error(t, err)
}

func TestEntryJSON(t *testing.T) {
	e := Entry{ID: 7, State: Cancelled, Params: Parameters{Kind: KindSleep}}
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"cancelled"`)

	var back Entry
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, Cancelled, back.State)
}

func TestFocusPositions(t *testing.T) {
	assert.Equal(t, []float64{100, 150, 200}, Focus{Min: 100, Max: 200, Steps: 3}.Positions())
	assert.Equal(t, []float64{5}, Focus{Min: 5, Steps: 1}.Positions())
	assert.Equal(t, []float64{0, 1}, Focus{Min: 0, Max: 1, Steps: 5}.StepPositions())
	assert.Equal(t, []float64{0, 1, 2}, Focus{Min: 0, Max: 2, Steps: 5}.StepPositions())
}

func TestValidateFocusScan(t *testing.T) {
	focus := func(f Focus) Parameters {
		return Parameters{Kind: KindFocus, Camera: "sx", Focuser: "crayford", Focus: f}
	}
	cases := []struct {
		name string
		f    Focus
		ok   bool
	}{
		{"wide scan", Focus{Min: 1200, Max: 1700, Steps: 11}, true},
		{"three whole steps", Focus{Min: 0, Max: 2, Steps: 5}, true},
		{"too few steps", Focus{Min: 0, Max: 100, Steps: 2}, false},
		{"reversed", Focus{Min: 100, Max: 0, Steps: 5}, false},
		{"narrower than three steps", Focus{Min: 0, Max: 1, Steps: 5}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := focus(tc.f).Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestRect(t *testing.T) {
	r := Rect{X: 10, Y: 20, W: 30, H: 40}
	assert.Equal(t, image.Rect(10, 20, 40, 60), r.Rectangle())
	assert.Equal(t, r, RectFrom(r.Rectangle()))
	assert.True(t, Rect{}.Empty())
}
