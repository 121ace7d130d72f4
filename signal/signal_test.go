package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestRequestShutdown checks that a shutdown request closes the shutdown
// channel and that a new interceptor can be started afterwards.
func TestRequestShutdown(t *testing.T) {
	interceptor, err := Intercept()
	require.NoError(t, err)
	require.True(t, interceptor.Alive())

	_, err = Intercept()
	require.Error(t, err)

	interceptor.RequestShutdown()

	select {
	case <-interceptor.ShutdownChannel():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown channel not closed")
	}
	require.False(t, interceptor.Alive())

	// Further requests return right away.
	interceptor.RequestShutdown()

	require.Eventually(t, func() bool {
		next, err := Intercept()
		if err != nil {
			return false
		}
		next.RequestShutdown()
		<-next.ShutdownChannel()

		return true
	}, 5*time.Second, 10*time.Millisecond)
}
