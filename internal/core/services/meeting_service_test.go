package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type serviceFixture struct {
	service   *MeetingService
	repo      ports.RoomRepository
	registry  *SessionRegistry
	engine    *fakeEngine
	notifier  *fakeNotifier
	playback  *fakePlayback
	injection *fakeInjection
}

func newServiceFixture() *serviceFixture {
	log := zap.NewNop().Sugar()
	f := &serviceFixture{
		repo:      memory.NewMemoryRoomRepository(),
		registry:  NewSessionRegistry(log),
		engine:    newFakeEngine(),
		notifier:  &fakeNotifier{},
		playback:  newFakePlayback(),
		injection: newFakeInjection(),
	}
	f.service = NewMeetingService(f.repo, f.registry, f.engine, f.notifier, f.playback, f.injection, ports.NopMetrics{}, log)
	return f
}

func (f *serviceFixture) joinAndProduce(t *testing.T, room domain.RoomID, user domain.Username, create bool, kind domain.MediaKind) string {
	t.Helper()
	ctx := context.Background()
	_, err := f.service.Join(ctx, room, user, create)
	require.NoError(t, err)
	_, err = f.service.CreateTransports(ctx, room, user)
	require.NoError(t, err)
	id, err := f.service.Produce(ctx, room, user, kind, domain.RTPParameters{MimeType: "video/VP8"})
	require.NoError(t, err)
	return id
}

func TestJoin_CreateThenJoin(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	result, err := f.service.Join(ctx, "demo", "alice", true)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Capabilities.Codecs)
	assert.Empty(t, result.Producers)

	_, err = f.service.Join(ctx, "demo", "bob", false)
	require.NoError(t, err)

	record, err := f.repo.Read(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, []domain.Username{"alice", "bob"}, record.Peers)
}

func TestJoin_CreateExistingRoomFails(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	_, err := f.service.Join(ctx, "demo", "alice", true)
	require.NoError(t, err)

	_, err = f.service.Join(ctx, "demo", "bob", true)
	assert.ErrorIs(t, err, domain.ErrRoomExists)
}

func TestJoin_MissingRoomFails(t *testing.T) {
	f := newServiceFixture()

	_, err := f.service.Join(context.Background(), "absent", "alice", false)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestJoin_ReturnsOtherPeersProducers(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	producerID := f.joinAndProduce(t, "demo", "alice", true, domain.KindVideo)

	result, err := f.service.Join(ctx, "demo", "bob", false)
	require.NoError(t, err)
	require.Len(t, result.Producers, 1)
	assert.Equal(t, producerID, result.Producers[0].ProducerID)
	assert.Equal(t, domain.Username("alice"), result.Producers[0].Username)
}

func TestCreateTransports_RequiresJoin(t *testing.T) {
	f := newServiceFixture()

	_, err := f.service.CreateTransports(context.Background(), "demo", "ghost")
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)
}

func TestConnectTransport_UnknownDirection(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	_, err := f.service.Join(ctx, "demo", "alice", true)
	require.NoError(t, err)
	_, err = f.service.CreateTransports(ctx, "demo", "alice")
	require.NoError(t, err)

	err = f.service.ConnectTransport(ctx, "demo", "alice", "sideways", domain.DTLSParameters{})
	assert.Error(t, err)
}

func TestProduce_BroadcastsNewProducer(t *testing.T) {
	f := newServiceFixture()

	f.joinAndProduce(t, "demo", "alice", true, domain.KindVideo)

	assert.Contains(t, f.notifier.methods(), "newProducer")
}

func TestProduce_RequiresSendTransport(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	_, err := f.service.Join(ctx, "demo", "alice", true)
	require.NoError(t, err)

	_, err = f.service.Produce(ctx, "demo", "alice", domain.KindVideo, domain.RTPParameters{})
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
}

func TestProduce_FirstVideoTriggersPlaybackOnce(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	f.joinAndProduce(t, "demo", "alice", true, domain.KindVideo)

	require.Eventually(t, func() bool {
		return f.playback.Active("demo")
	}, time.Second, 5*time.Millisecond)

	_, err := f.service.Join(ctx, "demo", "bob", false)
	require.NoError(t, err)
	_, err = f.service.CreateTransports(ctx, "demo", "bob")
	require.NoError(t, err)
	_, err = f.service.Produce(ctx, "demo", "bob", domain.KindVideo, domain.RTPParameters{})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.playback.startCount())
}

func TestProduce_ConcurrentVideoProducersStartPlaybackOnce(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	users := []domain.Username{"alice", "bob", "carol", "dave", "erin", "frank"}
	for i, user := range users {
		_, err := f.service.Join(ctx, "demo", user, i == 0)
		require.NoError(t, err)
		_, err = f.service.CreateTransports(ctx, "demo", user)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		go func(user domain.Username) {
			defer wg.Done()
			_, err := f.service.Produce(ctx, "demo", user, domain.KindVideo, domain.RTPParameters{MimeType: "video/VP8"})
			assert.NoError(t, err)
		}(user)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return f.playback.Active("demo")
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.playback.startCount())
}

func TestProduce_AudioDoesNotTriggerPlayback(t *testing.T) {
	f := newServiceFixture()

	f.joinAndProduce(t, "demo", "alice", true, domain.KindAudio)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, f.playback.Active("demo"))
}

func TestProduce_SameKindReplacesPredecessor(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	first := f.joinAndProduce(t, "demo", "alice", true, domain.KindVideo)
	second, err := f.service.Produce(ctx, "demo", "alice", domain.KindVideo, domain.RTPParameters{})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	p := f.registry.Producer("demo", "alice", domain.KindVideo)
	require.NotNil(t, p)
	assert.Equal(t, second, p.ID())
}

func TestConsumeAndResume(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	producerID := f.joinAndProduce(t, "demo", "alice", true, domain.KindVideo)

	_, err := f.service.Join(ctx, "demo", "bob", false)
	require.NoError(t, err)
	_, err = f.service.CreateTransports(ctx, "demo", "bob")
	require.NoError(t, err)

	result, err := f.service.Consume(ctx, "demo", "bob", producerID, domain.RTPCapabilities{Codecs: []string{"video/VP8"}})
	require.NoError(t, err)
	assert.Equal(t, producerID, result.ProducerID)

	consumer := f.registry.Consumer("demo", "bob", result.ConsumerID)
	require.NotNil(t, consumer)
	require.NoError(t, f.service.Resume(ctx, "demo", "bob", result.ConsumerID))
	assert.True(t, consumer.(*fakeConsumer).resumed.Load())
}

func TestResume_UnknownConsumerIsNoOp(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	_, err := f.service.Join(ctx, "demo", "alice", true)
	require.NoError(t, err)

	assert.NoError(t, f.service.Resume(ctx, "demo", "alice", "nonexistent"))
}

func TestDisconnect_LastPeerReleasesRoom(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	f.joinAndProduce(t, "demo", "alice", true, domain.KindVideo)
	require.Eventually(t, func() bool {
		return f.playback.Active("demo")
	}, time.Second, 5*time.Millisecond)

	f.service.Disconnect(ctx, "demo", "alice")

	exists, err := f.repo.Exists(ctx, "demo")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.False(t, f.playback.Active("demo"))
	assert.Contains(t, f.engine.closedRooms(), domain.RoomID("demo"))
}

func TestDisconnect_RemainingPeersGetPeerLeft(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	_, err := f.service.Join(ctx, "demo", "alice", true)
	require.NoError(t, err)
	_, err = f.service.Join(ctx, "demo", "bob", false)
	require.NoError(t, err)

	f.service.Disconnect(ctx, "demo", "bob")

	exists, err := f.repo.Exists(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Contains(t, f.notifier.methods(), "peerLeft")
}

func TestDisconnect_TwiceIsIdempotent(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	_, err := f.service.Join(ctx, "demo", "alice", true)
	require.NoError(t, err)

	f.service.Disconnect(ctx, "demo", "alice")
	f.service.Disconnect(ctx, "demo", "alice")

	exists, err := f.repo.Exists(ctx, "demo")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHangup_MatchesDisconnect(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	_, err := f.service.Join(ctx, "demo", "alice", true)
	require.NoError(t, err)

	f.service.Hangup(ctx, "demo", "alice")

	exists, err := f.repo.Exists(ctx, "demo")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestEndMeeting(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	_, err := f.service.Join(ctx, "demo", "alice", true)
	require.NoError(t, err)
	_, err = f.service.Join(ctx, "demo", "bob", false)
	require.NoError(t, err)

	require.NoError(t, f.service.EndMeeting(ctx, "demo"))

	exists, err := f.repo.Exists(ctx, "demo")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, f.registry.Peers("demo"))
	assert.Contains(t, f.notifier.methods(), "meetingEnded")
}

func TestEndMeeting_MissingRoom(t *testing.T) {
	f := newServiceFixture()

	err := f.service.EndMeeting(context.Background(), "absent")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestStartInjection_RequiresRoom(t *testing.T) {
	f := newServiceFixture()

	err := f.service.StartInjection(context.Background(), "absent", "/media/clip.mp4", false)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestStopInjection_WithoutSession(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	_, err := f.service.Join(ctx, "demo", "alice", true)
	require.NoError(t, err)

	err = f.service.StopInjection(ctx, "demo")
	assert.ErrorIs(t, err, domain.ErrPipelineNotFound)
}

func TestStartStopInjection(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	_, err := f.service.Join(ctx, "demo", "alice", true)
	require.NoError(t, err)

	require.NoError(t, f.service.StartInjection(ctx, "demo", "/media/clip.mp4", true))
	assert.True(t, f.service.InjectionActive("demo"))
	require.NoError(t, f.service.StopInjection(ctx, "demo"))
	assert.False(t, f.service.InjectionActive("demo"))
}

func TestStartPlayback_UnknownProducer(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	_, err := f.service.Join(ctx, "demo", "alice", true)
	require.NoError(t, err)

	err = f.service.StartPlayback(ctx, "demo", "nonexistent")
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestConsume_RouterRejectionsPassThrough(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	f.joinAndProduce(t, "demo", "alice", true, domain.KindVideo)
	_, err := f.service.Join(ctx, "demo", "bob", false)
	require.NoError(t, err)
	_, err = f.service.CreateTransports(ctx, "demo", "bob")
	require.NoError(t, err)

	f.engine.routers["demo"].consumeErr = domain.ErrProducerNotFound
	_, err = f.service.Consume(ctx, "demo", "bob", "no-such-producer", domain.RTPCapabilities{Codecs: []string{"video/VP8"}})
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)

	f.engine.routers["demo"].consumeErr = domain.ErrIncompatibleCapabilities
	_, err = f.service.Consume(ctx, "demo", "bob", "producer-1", domain.RTPCapabilities{Codecs: []string{"audio/opus"}})
	assert.ErrorIs(t, err, domain.ErrIncompatibleCapabilities)
}

func TestRoomLocks_PrunedAfterMeetingEnds(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		room := domain.RoomID(fmt.Sprintf("room-%d", i))
		_, err := f.service.Join(ctx, room, "alice", true)
		require.NoError(t, err)
		require.NoError(t, f.service.EndMeeting(ctx, room))
	}

	assert.Equal(t, 0, f.service.roomLocks.Size())
}

func TestConcurrentJoins_AllRecorded(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	_, err := f.service.Join(ctx, "demo", "creator", true)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			user := domain.Username(string(rune('a' + n)))
			_, err := f.service.Join(ctx, "demo", user, false)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	record, err := f.repo.Read(ctx, "demo")
	require.NoError(t, err)
	assert.Len(t, record.Peers, 11)
}
