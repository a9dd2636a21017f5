package services

import (
	"context"
	"errors"
	"testing"

	"opmsync/internal/huggingface"
	"opmsync/internal/models"
	"opmsync/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestInventoryService_Exists(t *testing.T) {
	job := models.NewJob(models.Accessions, models.NewMonthKey(2024, 3))
	repoID := "opm/opm-federal-accessions-202403"

	tests := []struct {
		name     string
		setup    func(hub *MockHubClient)
		expected InventoryState
	}{
		{
			name: "published with data file",
			setup: func(hub *MockHubClient) {
				hub.On("DatasetExists", mock.Anything, repoID).Return(true, nil)
				hub.On("ListFiles", mock.Anything, repoID).Return([]string{".gitattributes", "data.parquet"}, nil)
			},
			expected: InventoryPresent,
		},
		{
			name: "repository missing",
			setup: func(hub *MockHubClient) {
				hub.On("DatasetExists", mock.Anything, repoID).Return(false, nil)
			},
			expected: InventoryAbsent,
		},
		{
			name: "repository without data file",
			setup: func(hub *MockHubClient) {
				hub.On("DatasetExists", mock.Anything, repoID).Return(true, nil)
				hub.On("ListFiles", mock.Anything, repoID).Return([]string{".gitattributes"}, nil)
			},
			expected: InventoryAbsent,
		},
		{
			name: "hub unavailable",
			setup: func(hub *MockHubClient) {
				hub.On("DatasetExists", mock.Anything, repoID).
					Return(false, types.KindError(types.ErrTransientNetwork, "status 503"))
			},
			expected: InventoryUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := &MockHubClient{}
			tt.setup(hub)

			state, err := NewInventoryService(hub, "opm").Exists(context.Background(), job)

			require.NoError(t, err)
			assert.Equal(t, tt.expected, state)
			hub.AssertExpectations(t)
		})
	}
}

func TestInventoryService_Exists_CancelledIsReturned(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	hub := &MockHubClient{}
	hub.On("DatasetExists", mock.Anything, mock.Anything).Return(false, context.Canceled)

	_, err := NewInventoryService(hub, "opm").Exists(ctx, models.NewJob(models.Employment, models.NewMonthKey(2024, 1)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInventoryService_Gaps(t *testing.T) {
	hub := &MockHubClient{}
	hub.On("SearchDatasets", mock.Anything, "opm", "opm-federal-separations-").Return([]string{
		"opm/opm-federal-separations-202401",
		"opm/opm-federal-separations-202403",
		"someone-else/opm-federal-separations-202402",
		"opm/opm-federal-separations-latest",
	}, nil)

	gaps, err := NewInventoryService(hub, "opm").Gaps(
		context.Background(),
		models.Separations,
		models.NewMonthKey(2024, 1),
		models.NewMonthKey(2024, 4),
	)

	require.NoError(t, err)
	assert.Equal(t, []models.MonthKey{
		models.NewMonthKey(2024, 2),
		models.NewMonthKey(2024, 4),
	}, gaps)
}

func TestResolveOwner(t *testing.T) {
	t.Run("configured owner wins", func(t *testing.T) {
		hub := &MockHubClient{}
		hub.On("WhoAmI", mock.Anything).Return(&huggingface.WhoAmI{Name: "me"}, nil)

		owner, err := ResolveOwner(context.Background(), hub, "opm-data")
		require.NoError(t, err)
		assert.Equal(t, "opm-data", owner)
	})

	t.Run("falls back to token account", func(t *testing.T) {
		hub := &MockHubClient{}
		hub.On("WhoAmI", mock.Anything).Return(&huggingface.WhoAmI{Name: "me"}, nil)

		owner, err := ResolveOwner(context.Background(), hub, "")
		require.NoError(t, err)
		assert.Equal(t, "me", owner)
	})

	t.Run("rejected token is a configuration error", func(t *testing.T) {
		hub := &MockHubClient{}
		hub.On("WhoAmI", mock.Anything).
			Return(nil, types.KindError(types.ErrUploadRejected, "status 401"))

		_, err := ResolveOwner(context.Background(), hub, "")
		assert.True(t, errors.Is(err, types.ErrConfiguration))
	})
}
