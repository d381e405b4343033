package dues_test

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/dues-engine/dues"
)

func TestError(t *testing.T) {
	t.Run("message includes op, detail and cause", func(t *testing.T) {
		err := dues.ConflictError("create_penalty", "house 1 period 2", io.EOF)
		assert.Equal(t, "create_penalty: conflict: house 1 period 2: EOF", err.Error())
	})

	t.Run("kind survives wrapping", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", dues.ConflictError("op", "", nil))
		assert.True(t, dues.IsConflict(err))
		assert.False(t, dues.IsNotFound(err))
		assert.Equal(t, dues.ErrConflict, dues.KindOf(err))
	})

	t.Run("cause is unwrapped", func(t *testing.T) {
		err := dues.ConflictError("op", "", io.ErrUnexpectedEOF)
		assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	})

	t.Run("untagged errors have no kind", func(t *testing.T) {
		assert.Nil(t, dues.KindOf(errors.New("boom")))
		assert.Nil(t, dues.KindOf(nil))
	})

	t.Run("domain validation is tagged", func(t *testing.T) {
		err := dues.House{Number: 0}.Validate()
		assert.True(t, dues.IsValidation(err))
		assert.Equal(t, dues.ErrValidation, dues.KindOf(err))
	})
}
