package profile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lachlan2k/busline/internal/autherr"
	"github.com/lachlan2k/busline/internal/credstore"
	"github.com/lachlan2k/busline/internal/model"
)

type failingWriter struct{}

func (failingWriter) SetProfile(context.Context, *model.UserProfile) error {
	return autherr.Wrap(autherr.KindStorage, "set profile", errors.New("disk full"))
}

func completeFields() Fields {
	return Fields{
		LicenseNumber:     "12-34",
		LicenseType:       "D",
		LicenseExpiryDate: "2030-01-31",
		PhoneNumber:       "021 555 0100",
	}
}

func TestValidateReportsAllMissing(t *testing.T) {
	_, errs := Validate(Fields{LicenseType: "D"})
	require.Len(t, errs, 3)

	assert.Equal(t, FieldLicenseNumber, errs[0].Field)
	assert.Equal(t, FieldLicenseExpiryDate, errs[1].Field)
	assert.Equal(t, FieldPhoneNumber, errs[2].Field)
	assert.Contains(t, errs.Error(), "licenseNumber")
}

func TestIsComplete(t *testing.T) {
	assert.False(t, IsComplete(nil))
	assert.False(t, IsComplete(&model.UserProfile{}))
	assert.False(t, IsComplete(&model.UserProfile{LicenseNumber: "  "}))
	assert.True(t, IsComplete(&model.UserProfile{LicenseNumber: "12-34"}))
}

func TestGateSaveRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := credstore.NewMemoryStore()
	gate := NewGate(store)

	base := &model.UserProfile{ID: "u-1", Name: "Ana", Email: "ana@example.com", Role: model.RoleDriver}
	saved, err := gate.Save(ctx, base, completeFields())
	require.NoError(t, err)

	assert.Empty(t, base.LicenseNumber, "base must not be mutated")
	assert.True(t, IsComplete(saved))

	stored, err := store.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, saved, stored)
}

func TestGateSaveValidationError(t *testing.T) {
	gate := NewGate(credstore.NewMemoryStore())

	_, err := gate.Save(context.Background(), nil, Fields{})
	require.Error(t, err)
	assert.True(t, autherr.Is(err, autherr.KindValidation))

	var fieldErrs FieldErrors
	require.ErrorAs(t, err, &fieldErrs)
	assert.Len(t, fieldErrs, 4)

	notice := autherr.Present(err)
	assert.Contains(t, notice.Message, "license number")
}

func TestGateSavePropagatesStorageError(t *testing.T) {
	gate := NewGate(failingWriter{})

	_, err := gate.Save(context.Background(), &model.UserProfile{}, completeFields())
	assert.True(t, autherr.Is(err, autherr.KindStorage))
}

func TestGateSaveSurvivesCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := credstore.NewMemoryStore()
	_, err := NewGate(store).Save(ctx, nil, completeFields())
	require.NoError(t, err)

	stored, err := store.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "12-34", stored.LicenseNumber)
}
