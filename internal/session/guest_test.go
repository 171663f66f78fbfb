// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiserhq/meetsync/internal/blobstore"
	"github.com/wiserhq/meetsync/internal/rendezvous"
	"github.com/wiserhq/meetsync/internal/transfer"
	"github.com/wiserhq/meetsync/internal/transport"
)

type fakeTrack struct {
	mu       sync.Mutex
	released bool
}

func (t *fakeTrack) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.released = true
}

func (t *fakeTrack) Released() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

// scriptedMedia consumes one scripted error per Acquire call; nil and
// exhausted slots succeed.
type scriptedMedia struct {
	mu    sync.Mutex
	errs  []error
	calls []Constraints
	track *fakeTrack
}

func (m *scriptedMedia) Acquire(_ context.Context, c Constraints) (Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return m.track, nil
}

func (m *scriptedMedia) constraints() []Constraints {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Constraints(nil), m.calls...)
}

type fakeRdv struct {
	mu         sync.Mutex
	lookupErr  error
	connectErr error
	conn       transport.Conn
	lookups    int
	statuses   [][]byte
}

func (f *fakeRdv) Lookup(context.Context, string) (Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookupErr != nil {
		return Credentials{}, f.lookupErr
	}
	return Credentials{}, nil
}

func (f *fakeRdv) Connect(context.Context, string, Credentials) (transport.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.conn, nil
}

func (f *fakeRdv) PublishStatus(_ context.Context, _ string, _ Credentials, status []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, append([]byte(nil), status...))
	return nil
}

func (f *fakeRdv) statusStates(t *testing.T) []GuestState {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	states := make([]GuestState, 0, len(f.statuses))
	for _, blob := range f.statuses {
		var p Progress
		require.NoError(t, json.Unmarshal(blob, &p))
		states = append(states, p.State)
	}
	return states
}

type failingRecorder struct {
	startErr error
	stopErr  error
}

func (r *failingRecorder) Start(Track) error { return r.startErr }

func (r *failingRecorder) Stop(context.Context) (Recording, error) {
	return Recording{}, r.stopErr
}

type stateLog struct {
	mu     sync.Mutex
	states []GuestState
}

func (l *stateLog) record(_, to GuestState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, to)
}

func (l *stateLog) list() []GuestState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]GuestState(nil), l.states...)
}

func openGuestStore(t *testing.T) *blobstore.Store {
	t.Helper()
	store, err := blobstore.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func sendControlFrame(t *testing.T, conn transport.Conn, frameType string) {
	t.Helper()
	blob, err := json.Marshal(transfer.NewControl(frameType, time.Now()))
	require.NoError(t, err)
	require.NoError(t, conn.SendText(string(blob)))
}

// receiveArtifact drains conn with a fresh receiver until an artifact
// completes.
func receiveArtifact(t *testing.T, conn transport.Conn) *transfer.Artifact {
	t.Helper()
	recv := transfer.NewReceiver(transfer.ReceiverOptions{Logger: zerolog.Nop()})
	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg := <-conn.Messages():
			artifact, err := recv.HandleMessage(msg)
			require.NoError(t, err)
			if artifact != nil {
				return artifact
			}
		case <-deadline:
			t.Fatal("timed out waiting for artifact")
		}
	}
}

func TestGuestHappyPath(t *testing.T) {
	guestConn, hostConn := transport.NewMemoryPair()
	payload := randomPayload(t, 40_000)

	track := &fakeTrack{}
	media := &scriptedMedia{track: track}
	rdv := &fakeRdv{conn: guestConn}
	store := openGuestStore(t)
	log := &stateLog{}

	guest := NewGuest(rdv, media, &BufferRecorder{Payload: payload}, store,
		GuestOptions{OnState: log.record, StatusEvery: time.Millisecond}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- guest.Join(context.Background(), "Weekly Standup") }()

	sendControlFrame(t, hostConn, transfer.TypeRecordingStart)
	sendControlFrame(t, hostConn, transfer.TypeRecordingStop)

	artifact := receiveArtifact(t, hostConn)
	require.NoError(t, <-done)

	assert.Equal(t, payload, artifact.Data)
	assert.Equal(t, "weekly-standup", artifact.Header.SessionCode)
	assert.Equal(t, "audio/webm;codecs=opus", artifact.Header.MimeType)

	assert.Equal(t, []GuestState{
		GuestLookingUp, GuestGatheringMedia, GuestConnecting,
		GuestLive, GuestRecording, GuestTransferring, GuestDone,
	}, log.list())
	assert.Equal(t, GuestDone, guest.State())
	assert.True(t, track.Released())
	assert.Equal(t, DefaultConstraints(), media.constraints()[0])

	// Transferred blob is cleared from the durable buffer.
	_, err := store.LoadLatest(context.Background())
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	states := rdv.statusStates(t)
	require.NotEmpty(t, states)
	assert.Equal(t, GuestLive, states[0])
	assert.Equal(t, GuestDone, states[len(states)-1])
}

func TestGuestOverconstrainedRetriesMinimal(t *testing.T) {
	guestConn, hostConn := transport.NewMemoryPair()
	defer hostConn.Close()

	track := &fakeTrack{}
	media := &scriptedMedia{track: track, errs: []error{ErrOverconstrained}}
	rdv := &fakeRdv{conn: guestConn}

	guest := NewGuest(rdv, media, &BufferRecorder{}, openGuestStore(t), GuestOptions{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- guest.Join(ctx, "retry-room") }()

	require.Eventually(t, func() bool { return guest.State() == GuestLive },
		5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, GuestLeft, guest.State())
	assert.True(t, track.Released())
	assert.Equal(t, []Constraints{DefaultConstraints(), MinimalConstraints()}, media.constraints())
}

func TestGuestMediaFailures(t *testing.T) {
	cases := []struct {
		name      string
		errs      []error
		wantKind  Kind
		wantCalls int
	}{
		{"permission denied", []error{ErrPermissionDenied}, KindPermissionDenied, 1},
		{"device missing", []error{ErrDeviceMissing}, KindDeviceMissing, 1},
		{"device busy", []error{ErrDeviceBusy}, KindDeviceBusy, 1},
		{"overconstrained twice", []error{ErrOverconstrained, ErrOverconstrained}, KindOverconstrained, 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			media := &scriptedMedia{track: &fakeTrack{}, errs: tc.errs}
			guest := NewGuest(&fakeRdv{}, media, &BufferRecorder{}, openGuestStore(t), GuestOptions{}, zerolog.Nop())

			err := guest.Join(context.Background(), "any-room")
			require.Error(t, err)
			assert.Equal(t, tc.wantKind, KindOf(err))
			assert.Equal(t, GuestFailed, guest.State())
			assert.Len(t, media.constraints(), tc.wantCalls)
		})
	}
}

func TestGuestLookupUnknownRoom(t *testing.T) {
	rdv := &fakeRdv{lookupErr: rendezvous.ErrNotFound}
	guest := NewGuest(rdv, NullMediaSource{}, &BufferRecorder{}, openGuestStore(t), GuestOptions{}, zerolog.Nop())

	err := guest.Join(context.Background(), "ghost-room")
	require.Error(t, err)
	assert.Equal(t, KindRoomUnknown, KindOf(err))
	assert.Equal(t, GuestFailed, guest.State())
}

func TestGuestInvalidRoomNameSkipsLookup(t *testing.T) {
	rdv := &fakeRdv{}
	guest := NewGuest(rdv, NullMediaSource{}, &BufferRecorder{}, openGuestStore(t), GuestOptions{}, zerolog.Nop())

	err := guest.Join(context.Background(), "!!!")
	require.Error(t, err)
	assert.Equal(t, KindRoomUnknown, KindOf(err))
	assert.Zero(t, rdv.lookups)
}

func TestGuestConnectFailureReleasesMedia(t *testing.T) {
	track := &fakeTrack{}
	media := &scriptedMedia{track: track}
	rdv := &fakeRdv{connectErr: errors.New("dial: refused")}

	guest := NewGuest(rdv, media, &BufferRecorder{}, openGuestStore(t), GuestOptions{}, zerolog.Nop())

	err := guest.Join(context.Background(), "busy-room")
	require.Error(t, err)
	assert.Equal(t, KindNetworkError, KindOf(err))
	assert.True(t, track.Released())
}

func TestGuestDisconnectDuringLive(t *testing.T) {
	guestConn, hostConn := transport.NewMemoryPair()
	track := &fakeTrack{}
	rdv := &fakeRdv{conn: guestConn}

	guest := NewGuest(rdv, &scriptedMedia{track: track}, &BufferRecorder{}, openGuestStore(t), GuestOptions{}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- guest.Join(context.Background(), "drop-room") }()

	require.Eventually(t, func() bool { return guest.State() == GuestLive },
		5*time.Second, 10*time.Millisecond)
	require.NoError(t, hostConn.Close())

	err := <-done
	require.Error(t, err)
	assert.Equal(t, KindNetworkError, KindOf(err))
	assert.Equal(t, GuestFailed, guest.State())
	assert.True(t, track.Released())
}

func TestGuestRecorderStartFailure(t *testing.T) {
	guestConn, hostConn := transport.NewMemoryPair()
	rdv := &fakeRdv{conn: guestConn}
	rec := &failingRecorder{startErr: errors.New("encoder init failed")}

	guest := NewGuest(rdv, &scriptedMedia{track: &fakeTrack{}}, rec, openGuestStore(t), GuestOptions{}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- guest.Join(context.Background(), "rec-room") }()

	require.Eventually(t, func() bool { return guest.State() == GuestLive },
		5*time.Second, 10*time.Millisecond)
	sendControlFrame(t, hostConn, transfer.TypeRecordingStart)

	err := <-done
	require.Error(t, err)
	assert.Equal(t, KindTransferFailed, KindOf(err))
}

func TestGuestTransferFailureRetainsBlob(t *testing.T) {
	guestConn, hostConn := transport.NewMemoryPair()

	// More chunks than the conn queues, so the send blocks until the
	// host drops the link.
	payload := randomPayload(t, 300*16*1024)
	rdv := &fakeRdv{conn: guestConn}
	store := openGuestStore(t)

	guest := NewGuest(rdv, &scriptedMedia{track: &fakeTrack{}}, &BufferRecorder{Payload: payload}, store,
		GuestOptions{StatusEvery: time.Millisecond}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- guest.Join(context.Background(), "flaky-room") }()

	sendControlFrame(t, hostConn, transfer.TypeRecordingStart)
	sendControlFrame(t, hostConn, transfer.TypeRecordingStop)

	require.Eventually(t, func() bool { return guest.State() == GuestTransferring },
		5*time.Second, 10*time.Millisecond)
	require.NoError(t, hostConn.Close())

	err := <-done
	require.Error(t, err)
	assert.Equal(t, KindTransferFailed, KindOf(err))

	// The durable copy survives the failed transfer.
	entry, lerr := store.LoadLatest(context.Background())
	require.NoError(t, lerr)
	assert.Equal(t, payload, entry.Data)
	assert.Equal(t, "flaky-room", entry.Info.SessionCode)
}

func TestGuestResumesRecoveredBlob(t *testing.T) {
	guestConn, hostConn := transport.NewMemoryPair()
	payload := randomPayload(t, 25_000)
	store := openGuestStore(t)

	recordedAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	_, err := store.Save(context.Background(), payload, blobstore.Info{
		MimeType:    "video/webm;codecs=vp8",
		SessionCode: "crashed-room",
		Duration:    42 * time.Second,
		RecordedAt:  recordedAt,
	})
	require.NoError(t, err)

	rdv := &fakeRdv{conn: guestConn}
	log := &stateLog{}
	guest := NewGuest(rdv, &scriptedMedia{track: &fakeTrack{}}, &BufferRecorder{}, store,
		GuestOptions{OnState: log.record, ResumeRecovered: true, StatusEvery: time.Millisecond}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- guest.Join(context.Background(), "fresh-room") }()

	artifact := receiveArtifact(t, hostConn)
	require.NoError(t, <-done)

	assert.Equal(t, payload, artifact.Data)
	assert.Equal(t, "crashed-room", artifact.Header.SessionCode)
	assert.Equal(t, "video/webm;codecs=vp8", artifact.Header.MimeType)

	// No recording phase on the resume path.
	assert.Equal(t, []GuestState{
		GuestLookingUp, GuestGatheringMedia, GuestConnecting,
		GuestLive, GuestTransferring, GuestDone,
	}, log.list())

	_, err = store.LoadLatest(context.Background())
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestGuestProgressThrottle(t *testing.T) {
	rdv := &fakeRdv{}
	guest := NewGuest(rdv, NullMediaSource{}, &BufferRecorder{}, nil,
		GuestOptions{StatusEvery: time.Hour}, zerolog.Nop())

	ctx := context.Background()
	guest.publishProgress(ctx, 1, 10)  // burst slot
	guest.publishProgress(ctx, 5, 10)  // throttled
	guest.publishProgress(ctx, 10, 10) // final always publishes

	rdv.mu.Lock()
	defer rdv.mu.Unlock()
	assert.Len(t, rdv.statuses, 2)
}
