package safe

import (
	"errors"
	"testing"
	"time"

	"ChatCore/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecoversPanic(t *testing.T) {
	done := make(chan struct{})
	Go("panicky", func() {
		defer close(done)
		panic("boom")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestCallConvertsPanic(t *testing.T) {
	err := Call(func() error { panic("bad frame") })
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInternal))

	assert.NoError(t, Call(func() error { return nil }))
}

func TestMustNotNil(t *testing.T) {
	var p *int
	assert.Panics(t, func() { MustNotNil(p, "p") })
	assert.Panics(t, func() { MustNotNil(nil, "nil") })
	assert.NotPanics(t, func() { MustNotNil(3, "int") })
}
