package comlink

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeError(t *testing.T) {
	t.Run("named errors keep their identity", func(t *testing.T) {
		serr := serializeError(fmt.Errorf("relaying: %w", &CircularForwardingError{
			EnvID: "b",
			Chain: []string{"a", "b", "a"},
		}))
		assert.Equal(t, NameCircularForwarding, serr.Name)
		assert.Equal(t, []string{"a", "b", "a"}, serr.Chain)

		err := reconstructError(serr, "b")
		require.ErrorIs(t, err, ErrCircularForwarding)
		var circular *CircularForwardingError
		require.ErrorAs(t, err, &circular)
		assert.Equal(t, []string{"a", "b", "a"}, circular.Chain)
	})

	t.Run("sentinels", func(t *testing.T) {
		assert.Equal(t, NameUnknownAPI, serializeError(fmt.Errorf("%w: x", ErrUnknownAPI)).Name)
		assert.Equal(t, NameUnknownMethod, serializeError(fmt.Errorf("%w: x", ErrUnknownMethod)).Name)
		assert.Equal(t, NameDisposed, serializeError(ErrDisposed).Name)
	})

	t.Run("generic errors", func(t *testing.T) {
		serr := serializeError(errors.New("kaboom"))
		assert.Equal(t, NameGeneric, serr.Name)
		assert.Equal(t, "kaboom", serr.Message)

		err := reconstructError(serr, "worker")
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Nil(t, remote.Unwrap())
		assert.Equal(t, `remote Error (env "worker"): kaboom`, err.Error())
	})

	t.Run("relayed remote errors", func(t *testing.T) {
		first := reconstructError(&SerializedError{
			Name:    NameEnvironmentDisconnected,
			Message: "gone",
			Stack:   "at worker",
		}, "relay")
		serr := serializeError(first)
		assert.Equal(t, NameEnvironmentDisconnected, serr.Name)
		assert.Equal(t, "gone", serr.Message)

		require.ErrorIs(t, reconstructError(serr, "main"), ErrEnvironmentDisconnected)
	})

	assert.Nil(t, serializeError(nil))
}
