// SPDX-License-Identifier: MIT

package rendezvous

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wiserhq/meetsync/internal/relay"
	"github.com/wiserhq/meetsync/internal/signal"
)

func newTestRelay(t *testing.T) (*miniredis.Miniredis, *relay.Client) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	rc := relay.NewWithClient(rdb, relay.Options{
		Namespace:  "wiser:meeting:tokens",
		SessionTTL: 10 * time.Minute,
		OpTimeout:  time.Second,
		MaxRetries: 0,
	}, zerolog.Nop())
	return mr, rc
}

func testConfig(lan bool) Config {
	return Config{
		LANEnabled: lan,
		LANPoll:    10 * time.Millisecond,
		RelayPoll:  20 * time.Millisecond,
		SessionTTL: 10 * time.Minute,
		Server: signal.ServerConfig{
			BindHost:    "127.0.0.1",
			PortMin:     48100,
			PortMax:     48199,
			BindRetries: 10,
		},
	}
}

func TestCreatePublishesOnBothSurfaces(t *testing.T) {
	_, rc := newTestRelay(t)
	c := NewCoordinator(rc, testConfig(true), zerolog.Nop())
	ctx := context.Background()

	offer := []byte(`{"sdp":"host-offer"}`)
	sess, err := c.Create(ctx, "", offer)
	require.NoError(t, err)

	assert.NotEmpty(t, sess.Room)
	assert.True(t, sess.Relay)
	assert.NotEmpty(t, sess.LANHost)
	assert.GreaterOrEqual(t, sess.LANPort, 48100)
	assert.LessOrEqual(t, sess.LANPort, 48199)

	got, err := rc.GetOffer(ctx, sess.Room)
	require.NoError(t, err)
	assert.Equal(t, offer, got)

	sc := signal.NewClient(fmt.Sprintf("http://127.0.0.1:%d", sess.LANPort), 2*time.Second, zerolog.Nop())
	lanOffer, err := sc.FetchOffer(ctx, sess.Room)
	require.NoError(t, err)
	assert.Equal(t, offer, lanOffer)

	c.Teardown(sess.Room)

	_, err = rc.GetOffer(ctx, sess.Room)
	assert.ErrorIs(t, err, relay.ErrNotFound)
	// The LAN signaler stops with its last session.
	assert.Error(t, sc.Ping(ctx))
}

func TestCreateLANOnlyWhenRelayDown(t *testing.T) {
	mr, rc := newTestRelay(t)
	mr.Close()

	c := NewCoordinator(rc, testConfig(true), zerolog.Nop())
	sess, err := c.Create(context.Background(), "", []byte("offer"))
	require.NoError(t, err)

	assert.False(t, sess.Relay)
	assert.NotZero(t, sess.LANPort)
	c.Teardown(sess.Room)
}

func TestCreateRelayOnlyWhenLANDisabled(t *testing.T) {
	_, rc := newTestRelay(t)
	c := NewCoordinator(rc, testConfig(false), zerolog.Nop())

	sess, err := c.Create(context.Background(), "", []byte("offer"))
	require.NoError(t, err)

	assert.True(t, sess.Relay)
	assert.Zero(t, sess.LANPort)
	assert.Empty(t, sess.LANHost)
	c.Teardown(sess.Room)
}

func TestCreateFailsWithoutAnySurface(t *testing.T) {
	mr, rc := newTestRelay(t)
	mr.Close()

	c := NewCoordinator(rc, testConfig(false), zerolog.Nop())
	_, err := c.Create(context.Background(), "", []byte("offer"))
	assert.ErrorIs(t, err, ErrSignalingUnavailable)
}

func TestCreateNormalizesProvidedRoom(t *testing.T) {
	_, rc := newTestRelay(t)
	c := NewCoordinator(rc, testConfig(false), zerolog.Nop())
	ctx := context.Background()

	sess, err := c.Create(ctx, "Blue-Falcon", []byte("offer"))
	require.NoError(t, err)
	assert.Equal(t, "blue-falcon", sess.Room)
	c.Teardown(sess.Room)

	_, err = c.Create(ctx, "!!!", []byte("offer"))
	assert.Error(t, err)
}

func TestAwaitAnswerViaLAN(t *testing.T) {
	_, rc := newTestRelay(t)
	c := NewCoordinator(rc, testConfig(true), zerolog.Nop())
	ctx := context.Background()

	sess, err := c.Create(ctx, "", []byte("offer"))
	require.NoError(t, err)
	defer c.Teardown(sess.Room)

	var answerCount atomic.Int32
	answerCh := make(chan []byte, 4)
	surfaceCh := make(chan string, 4)
	statusCh := make(chan []byte, 4)
	err = c.AwaitAnswer(ctx, sess.Room,
		func(payload []byte, surface string) {
			answerCount.Add(1)
			answerCh <- payload
			surfaceCh <- surface
		},
		func(status []byte) { statusCh <- status },
	)
	require.NoError(t, err)

	sc := signal.NewClient(fmt.Sprintf("http://127.0.0.1:%d", sess.LANPort), 2*time.Second, zerolog.Nop())
	require.NoError(t, sc.SubmitAnswer(ctx, sess.Room, []byte(`{"sdp":"guest"}`)))

	select {
	case payload := <-answerCh:
		assert.JSONEq(t, `{"sdp":"guest"}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("answer callback never fired")
	}
	assert.Equal(t, "lan", <-surfaceCh)

	// A repeat answer is ignored by the registry and must not re-fire.
	require.NoError(t, sc.SubmitAnswer(ctx, sess.Room, []byte(`{"sdp":"late"}`)))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), answerCount.Load())

	// Status callbacks fire only on change.
	require.NoError(t, sc.PublishStatus(ctx, sess.Room, []byte(`{"state":"connecting"}`)))
	select {
	case status := <-statusCh:
		assert.JSONEq(t, `{"state":"connecting"}`, string(status))
	case <-time.After(2 * time.Second):
		t.Fatal("status callback never fired")
	}
	require.NoError(t, sc.PublishStatus(ctx, sess.Room, []byte(`{"state":"connecting"}`)))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, statusCh)

	require.NoError(t, sc.PublishStatus(ctx, sess.Room, []byte(`{"state":"live"}`)))
	select {
	case status := <-statusCh:
		assert.JSONEq(t, `{"state":"live"}`, string(status))
	case <-time.After(2 * time.Second):
		t.Fatal("changed status never delivered")
	}
}

func TestAwaitAnswerViaRelay(t *testing.T) {
	// Verify after the relay client and miniredis cleanups have run, so
	// their connection goroutines don't mask coordinator leaks.
	leakOpt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpt) })
	_, rc := newTestRelay(t)

	c := NewCoordinator(rc, testConfig(false), zerolog.Nop())
	ctx := context.Background()

	sess, err := c.Create(ctx, "", []byte("offer"))
	require.NoError(t, err)

	answerCh := make(chan []byte, 1)
	surfaceCh := make(chan string, 1)
	err = c.AwaitAnswer(ctx, sess.Room, func(payload []byte, surface string) {
		answerCh <- payload
		surfaceCh <- surface
	}, nil)
	require.NoError(t, err)

	require.NoError(t, rc.PutAnswer(ctx, sess.Room, []byte(`{"sdp":"guest"}`)))

	select {
	case payload := <-answerCh:
		assert.Equal(t, `{"sdp":"guest"}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("answer callback never fired")
	}
	assert.Equal(t, "relay", <-surfaceCh)

	c.Teardown(sess.Room)
}

func TestAnswerDeliveredExactlyOnceAcrossSurfaces(t *testing.T) {
	_, rc := newTestRelay(t)
	c := NewCoordinator(rc, testConfig(true), zerolog.Nop())
	ctx := context.Background()

	sess, err := c.Create(ctx, "", []byte("offer"))
	require.NoError(t, err)
	defer c.Teardown(sess.Room)

	// Both surfaces hold an answer before polling starts.
	require.NoError(t, rc.PutAnswer(ctx, sess.Room, []byte(`{"sdp":"via-relay"}`)))
	sc := signal.NewClient(fmt.Sprintf("http://127.0.0.1:%d", sess.LANPort), 2*time.Second, zerolog.Nop())
	require.NoError(t, sc.SubmitAnswer(ctx, sess.Room, []byte(`{"sdp":"via-lan"}`)))

	var count atomic.Int32
	err = c.AwaitAnswer(ctx, sess.Room, func([]byte, string) { count.Add(1) }, nil)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestNoCallbackAfterTeardown(t *testing.T) {
	// Verify after the relay client and miniredis cleanups have run, so
	// their connection goroutines don't mask coordinator leaks.
	leakOpt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpt) })
	_, rc := newTestRelay(t)

	c := NewCoordinator(rc, testConfig(false), zerolog.Nop())
	ctx := context.Background()

	sess, err := c.Create(ctx, "", []byte("offer"))
	require.NoError(t, err)

	var count atomic.Int32
	require.NoError(t, c.AwaitAnswer(ctx, sess.Room, func([]byte, string) { count.Add(1) }, nil))
	c.Teardown(sess.Room)

	require.NoError(t, rc.PutAnswer(ctx, sess.Room, []byte(`{"sdp":"too-late"}`)))
	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, count.Load())
}

func TestAwaitAnswerUnknownRoom(t *testing.T) {
	_, rc := newTestRelay(t)
	c := NewCoordinator(rc, testConfig(false), zerolog.Nop())

	err := c.AwaitAnswer(context.Background(), "nebula-drift", func([]byte, string) {}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAwaitAnswerRejectsSecondCall(t *testing.T) {
	_, rc := newTestRelay(t)
	c := NewCoordinator(rc, testConfig(false), zerolog.Nop())
	ctx := context.Background()

	sess, err := c.Create(ctx, "", []byte("offer"))
	require.NoError(t, err)
	defer c.Teardown(sess.Room)

	require.NoError(t, c.AwaitAnswer(ctx, sess.Room, func([]byte, string) {}, nil))
	err = c.AwaitAnswer(ctx, sess.Room, func([]byte, string) {}, nil)
	assert.ErrorContains(t, err, "already running")
}

func TestCreateTokenPoolPublishesBundle(t *testing.T) {
	_, rc := newTestRelay(t)
	c := NewCoordinator(rc, testConfig(false), zerolog.Nop())
	ctx := context.Background()

	bundle := relay.Bundle{
		Tokens:     []string{"tok-a", "tok-b", "tok-c"},
		LiveKitURL: "wss://transfer.wiser.example/live",
	}
	sess, err := c.CreateTokenPool(ctx, "", bundle)
	require.NoError(t, err)
	assert.True(t, sess.Relay)
	assert.Zero(t, sess.LANPort)

	got, err := LookupBundle(ctx, rc, sess.Room)
	require.NoError(t, err)
	assert.Equal(t, bundle, got)

	c.Teardown(sess.Room)
	_, err = LookupBundle(ctx, rc, sess.Room)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloseTearsDownAllSessions(t *testing.T) {
	_, rc := newTestRelay(t)
	c := NewCoordinator(rc, testConfig(false), zerolog.Nop())
	ctx := context.Background()

	first, err := c.Create(ctx, "echo-ridge", []byte("offer"))
	require.NoError(t, err)
	second, err := c.Create(ctx, "tango-mesa", []byte("offer"))
	require.NoError(t, err)

	c.Close()

	_, err = rc.GetOffer(ctx, first.Room)
	assert.ErrorIs(t, err, relay.ErrNotFound)
	_, err = rc.GetOffer(ctx, second.Room)
	assert.ErrorIs(t, err, relay.ErrNotFound)
}
