package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/crawler"
)

type mockEntityStore struct {
	mock.Mock
}

func (m *mockEntityStore) SaveProfile(ctx context.Context, p crawler.Profile) error {
	args := m.Called(ctx, p)
	return args.Error(0) //nolint:wrapcheck
}

func (m *mockEntityStore) Close() error {
	args := m.Called()
	return args.Error(0) //nolint:wrapcheck
}

func TestFanoutSavesEverywhere(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	profile := crawler.Profile{ID: "a"}
	first, second := &mockEntityStore{}, &mockEntityStore{}
	first.On("SaveProfile", ctx, profile).Return(nil).Once()
	second.On("SaveProfile", ctx, profile).Return(nil).Once()

	f := NewFanout()
	f.Add("postgres", first)
	f.Add("graph", second)
	require.NoError(t, f.SaveProfile(ctx, profile))
	assert.Equal(t, 2, f.Len())

	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestFanoutStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	profile := crawler.Profile{ID: "a"}
	boom := errors.New("connection reset")
	first, second := &mockEntityStore{}, &mockEntityStore{}
	first.On("SaveProfile", ctx, profile).Return(boom).Once()

	f := NewFanout()
	f.Add("postgres", first)
	f.Add("graph", second)
	err := f.SaveProfile(ctx, profile)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "postgres store")
	second.AssertNotCalled(t, "SaveProfile", mock.Anything, mock.Anything)
}

func TestFanoutCloseJoinsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("close failed")
	first, second := &mockEntityStore{}, &mockEntityStore{}
	first.On("Close").Return(boom).Once()
	second.On("Close").Return(nil).Once()

	f := NewFanout()
	f.Add("postgres", first)
	f.Add("graph", second)
	require.ErrorIs(t, f.Close(), boom)
	second.AssertExpectations(t)
}
