package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTaskCarriesDiscriminator(t *testing.T) {
	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	body, err := EncodeTask(&StartTraining{
		TaskHeader:     TaskHeader{TrainingRunID: "run-1"},
		FirstAttemptAt: first,
		Attempt:        2,
	})
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &fields))
	assert.Equal(t, "startTraining", fields["task"])
	assert.Equal(t, "run-1", fields["runId"])
	assert.NotContains(t, fields, "unique")

	decoded, err := DecodeTask(body)
	require.NoError(t, err)
	st, ok := decoded.(*StartTraining)
	require.True(t, ok)
	assert.Equal(t, 2, st.Attempt)
	assert.True(t, first.Equal(st.FirstAttemptAt))
	assert.False(t, st.IsUnique())
}

func TestDecodeTask(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		kind    TaskKind
		wantErr error
	}{
		{"reduce", `{"task":"reduceImages","runId":"r","unique":true}`, TaskReduceImages, nil},
		{"image success", `{"task":"reduceImageSuccess","runId":"r","imageId":"i"}`, TaskReduceImageSuccess, nil},
		{"resize", `{"task":"resizeImage","runId":"r","imageId":"i","crop":{"x":1,"y":2,"width":3,"height":4}}`, TaskResizeImage, nil},
		{"unknown kind", `{"task":"trainHarder","runId":"r"}`, "", ErrUnknownTask},
		{"missing kind", `{"runId":"r"}`, "", ErrUnknownTask},
		{"missing run", `{"task":"zipImages"}`, "", ErrInvalidTask},
		{"malformed", `{"task":`, "", ErrInvalidTask},
		{"wrong field type", `{"task":"awaitGpuReady","runId":"r","attempt":"x"}`, "", ErrInvalidTask},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := DecodeTask([]byte(tt.body))
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, task.Kind())
			assert.Equal(t, "r", task.RunID())
		})
	}
}

func TestDecodeResizeCrop(t *testing.T) {
	task, err := DecodeTask([]byte(`{"task":"resizeImage","runId":"r","imageId":"i","crop":{"x":1,"y":2,"width":3,"height":4}}`))
	require.NoError(t, err)
	assert.Equal(t, &CropRect{X: 1, Y: 2, Width: 3, Height: 4}, task.(*ResizeImage).Crop)
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunStatusStarted.IsTerminal())
	for _, s := range TerminalStatuses {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, RunStatus("bogus").Valid())
}
