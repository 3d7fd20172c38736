//go:build integration

package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"changehub/internal/notify"
	"changehub/pkg/testutil/containers"
)

func awaitSignal(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case id, ok := <-ch:
			require.True(t, ok, "subscription closed")
			if id == want {
				return
			}
		case <-deadline:
			t.Fatalf("signal %q not received", want)
		}
	}
}

func TestPostgresNotifyRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := notify.NewPostgresSubscriber(pg.DSN, "test_changes", nil)
	ch, err := sub.Subscribe(ctx)
	require.NoError(t, err)

	pub := notify.NewPostgresPublisher(pg.DB, "test_changes")
	require.NoError(t, pub.Publish(ctx, "101"))

	awaitSignal(t, ch, "101")
}

func TestRedisNotifyRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rc := containers.GetManager().GetRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := notify.NewRedis(rc.Client, "test_changes", nil)
	ch, err := n.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, n.Publish(ctx, "202"))
	awaitSignal(t, ch, "202")

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, 5*time.Second, 50*time.Millisecond)
}
