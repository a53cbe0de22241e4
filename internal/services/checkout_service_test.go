package services

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zeitgeist/backend/internal/store"
)

func TestCheckoutService(t *testing.T) {
	service := NewCheckoutService(testCreditsConfig())

	t.Run("checkout link per plan", func(t *testing.T) {
		link, err := service.CheckoutLink("starter")
		assert.NoError(t, err)
		assert.Equal(t, "https://pay.example/starter", link)

		link, err = service.CheckoutLink("pro")
		assert.NoError(t, err)
		assert.Equal(t, "https://pay.example/pro", link)
	})

	t.Run("unknown plan rejected", func(t *testing.T) {
		_, err := service.CheckoutLink("enterprise")
		assert.ErrorIs(t, err, store.ErrInvalidInput)

		_, err = service.CheckoutQR("enterprise", 256)
		assert.ErrorIs(t, err, store.ErrInvalidInput)
	})

	t.Run("QR output is a PNG", func(t *testing.T) {
		png, err := service.CheckoutQR("starter", 0)
		assert.NoError(t, err)
		assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
	})
}
