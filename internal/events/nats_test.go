package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewNATSPublisher_GivesUpAfterConnectWait(t *testing.T) {
	ctx := context.Background()

	started := time.Now()
	_, err := NewNATSPublisher(ctx, NATSConfig{
		URL:           "nats://127.0.0.1:1",
		StreamName:    "CUSTODY_TEST",
		SubjectPrefix: "custody.test",
		ConnectWait:   200 * time.Millisecond,
	})
	require.ErrorContains(t, err, "failed to connect to NATS")
	require.Less(t, time.Since(started), 10*time.Second)
}

func TestNewNATSPublisher_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewNATSPublisher(ctx, NATSConfig{
		URL:           "nats://127.0.0.1:1",
		StreamName:    "CUSTODY_TEST",
		SubjectPrefix: "custody.test",
		ConnectWait:   time.Minute,
	})
	require.Error(t, err)
}
