package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"lora-orchestrator/core/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	return &DB{DB: sqlDB}, mock
}

func TestAttemptBegin(t *testing.T) {
	insert := regexp.QuoteMeta("INSERT INTO task_attempts")

	tests := []struct {
		name    string
		setup   func(mock sqlmock.Sqlmock)
		wantErr error
	}{
		{
			name: "first delivery is recorded",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(insert).
					WithArgs("msg-1", models.TaskZipImages, "run-1", models.AttemptStarted, true).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "same identity twice is a duplicate",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantErr: ErrDuplicateMessage,
		},
		{
			name: "unique index violation means another attempt holds the run",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(insert).WillReturnError(&pq.Error{
					Code:       uniqueViolation,
					Constraint: uniqueInFlightIndex,
				})
			},
			wantErr: ErrAlreadyInFlight,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			tt.setup(mock)

			attempt := &models.TaskAttempt{
				MessageID: "msg-1",
				Task:      models.TaskZipImages,
				RunID:     "run-1",
				Unique:    true,
			}
			err := NewAttemptRepository(db).Begin(context.Background(), attempt)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, models.AttemptStarted, attempt.Status)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAttemptGetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM task_attempts")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := NewAttemptRepository(db).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAttemptHasInFlight(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("run-1", models.TaskAllocateGpu).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	inFlight, err := NewAttemptRepository(db).HasInFlight(context.Background(), "run-1", models.TaskAllocateGpu)
	require.NoError(t, err)
	assert.True(t, inFlight)
}

func TestRunUpdateStatus(t *testing.T) {
	update := regexp.QuoteMeta("UPDATE training_runs SET status")

	t.Run("non-terminal run moves and logs", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectExec(update).
			WithArgs(models.RunStatusStalled, "run-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO status_log")).
			WithArgs("run-1", models.StageRunTerminated, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		changed, err := NewRunRepository(db).UpdateStatus(context.Background(), "run-1", models.RunStatusStalled, "poison", nil)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal run is left alone", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		changed, err := NewRunRepository(db).UpdateStatus(context.Background(), "run-1", models.RunStatusAborted, "user", nil)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRunClaimZip(t *testing.T) {
	claim := regexp.QuoteMeta("UPDATE training_runs SET zip_claimed_at")

	db, mock := newMockDB(t)
	mock.ExpectExec(claim).WithArgs("run-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(claim).WithArgs("run-1").WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewRunRepository(db)
	first, err := repo.ClaimZip(context.Background(), "run-1")
	require.NoError(t, err)
	second, err := repo.ClaimZip(context.Background(), "run-1")
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunGetRun(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM training_runs")).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "training_id", "image_group_id", "status", "gpu_instance_id", "config_yaml",
			"gpu_cost_usd", "zip_claimed_at", "created_at", "updated_at",
		}).AddRow("run-1", "training-1", nil, "started", "gpu-1", "steps: 10\n", 0.0, nil, now, now))

	run, err := NewRunRepository(db).GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStarted, run.Status)
	assert.Nil(t, run.ImageGroupID)
	require.NotNil(t, run.GpuInstanceID)
	assert.Equal(t, "gpu-1", *run.GpuInstanceID)
	assert.Nil(t, run.ZipClaimedAt)
}

func TestSeedRunImagesUsesGroupCrops(t *testing.T) {
	db, mock := newMockDB(t)
	group := "group-7"
	mock.ExpectExec(regexp.QuoteMeta("FROM image_group_items g")).
		WithArgs("run-1", "runs/run-1/images/", group).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := NewImageRepository(db).SeedRunImages(context.Background(), &models.TrainingRun{
		ID:           "run-1",
		TrainingID:   "training-1",
		ImageGroupID: &group,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListUnresizedScansCrop(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM run_images WHERE run_id = $1 AND NOT resized")).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"run_id", "image_id", "source_key", "target_key", "caption",
			"crop_x", "crop_y", "crop_width", "crop_height", "resized",
		}).
			AddRow("run-1", "img-1", "src/1.jpg", "runs/run-1/images/img-1.png", "a cat", 1, 2, 30, 40, false).
			AddRow("run-1", "img-2", "src/2.jpg", "runs/run-1/images/img-2.png", "", nil, nil, nil, nil, false))

	images, err := NewImageRepository(db).ListUnresized(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, &models.CropRect{X: 1, Y: 2, Width: 30, Height: 40}, images[0].Crop)
	assert.Nil(t, images[1].Crop)
}

func TestGpuClaimRelease(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE gpu_instances SET status")).
		WithArgs(models.GpuInstanceReleasing, "gpu-1", models.GpuInstanceRunning, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := NewGpuRepository(db).ClaimRelease(context.Background(), "gpu-1", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusLogLatest(t *testing.T) {
	db, mock := newMockDB(t)
	latest := regexp.QuoteMeta("FROM status_log")
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(latest).
		WithArgs("run-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "stage", "payload", "created_at"}).
			AddRow(7, "run-1", "startTraining", `{"result":"completed","outcome":"started"}`, at))
	mock.ExpectQuery(latest).
		WithArgs("run-2", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "stage", "payload", "created_at"}))

	repo := NewStatusLogRepository(db)
	entry, err := repo.Latest(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "startTraining", entry.Stage)
	assert.Equal(t, at, entry.CreatedAt)
	assert.True(t, entry.TrainingUnderway())

	_, err = repo.Latest(context.Background(), "run-2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
