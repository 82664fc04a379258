package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-engine/internal/models"
)

func TestArea(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"2-к. квартира, 54,5 м², 5/12 эт.", 54.5, true},
		{"Квартира-студия, 25 м², 3/9 эт.", 25, true},
		{"3-комн. кв., 78.2 м2", 78.2, true},
		{"1-комн. квартира, 38&nbsp;м²", 38, true},
		{"Свободная планировка", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := Area(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.InDelta(t, tt.want, got, 0.001, tt.in)
	}
}

func TestRooms(t *testing.T) {
	r := Rooms("2-к. квартира, 54 м², 5/12 эт.")
	require.NotNil(t, r)
	assert.Equal(t, 2, *r)

	r = Rooms("3-комн. квартира, 80 м²")
	require.NotNil(t, r)
	assert.Equal(t, 3, *r)

	r = Rooms("Квартира-студия, 25 м²")
	require.NotNil(t, r)
	assert.Equal(t, models.StudioRooms, *r)

	assert.Nil(t, Rooms("Свободная планировка, 40 м²"))
}

func TestFloorAndHomeType(t *testing.T) {
	assert.Equal(t, "5/12", Floor("2-к. квартира, 54 м², 5/12 эт."))
	assert.Equal(t, "", Floor("2-к. квартира, 54 м²"))
	assert.Nil(t, FloorPtr(""))

	assert.Equal(t, models.HomeTypeStudio, HomeType("Квартира-студия, 25 м²"))
	assert.Equal(t, models.HomeTypeApartment, HomeType("Апартаменты-студия, 25 м²"))
	assert.Equal(t, models.HomeTypeFlat, HomeType("1-к. квартира, 30 м²"))
}

func TestCleanPrice(t *testing.T) {
	assert.Equal(t, 50000.0, CleanPrice("50 000 ₽"))
	assert.Equal(t, 12500000.0, CleanPrice("12 500 000 ₽"))
	assert.Equal(t, 0.0, CleanPrice("Цена не указана"))
}

func TestIsRecent(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, IsRecent(now.Add(-2*time.Hour).UnixMilli(), 24*time.Hour, now))
	assert.False(t, IsRecent(now.Add(-25*time.Hour).UnixMilli(), 24*time.Hour, now))
	assert.False(t, IsRecent(0, 24*time.Hour, now))
}

func TestPhone(t *testing.T) {
	assert.Equal(t, "+7 999 123-45-67", Phone(`<a href="tel:">+7 999 123-45-67</a>`))
	assert.Equal(t, "+7 (916) 555-11-22", Phone(`"phone":"+7 (916) 555-11-22"`))
	assert.Equal(t, "", Phone("no phone here"))
}
