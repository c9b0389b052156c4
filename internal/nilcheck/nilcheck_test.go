//go:build unit

package nilcheck

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct{}

type doer interface {
	Do()
}

type doerImpl struct{}

func (*doerImpl) Do() {}

func TestInterface(t *testing.T) {
	t.Parallel()

	var nilPointer *sample
	var nilSlice []string
	var nilMap map[string]string
	var nilFunc func()
	var nilIface doer

	var typedNil doer
	var impl *doerImpl
	typedNil = impl

	require.True(t, Interface(nil))
	require.True(t, Interface(nilPointer))
	require.True(t, Interface(nilSlice))
	require.True(t, Interface(nilMap))
	require.True(t, Interface(nilFunc))
	require.True(t, Interface(nilIface))
	require.True(t, Interface(typedNil))

	require.False(t, Interface(sample{}))
	require.False(t, Interface(&sample{}))
	require.False(t, Interface("value"))
	require.False(t, Interface(0))
	require.False(t, Interface([]string{}))
}
