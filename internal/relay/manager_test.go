package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"presence-relay/internal/auth"
	"presence-relay/internal/protocol"

	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func startManager(t *testing.T) (*Manager, context.CancelFunc) {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	m := NewManager(log, NewMetrics(prometheus.NewRegistry()))
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(cancel)
	return m, cancel
}

func fakeClient(username string, buffer int) *Client {
	return &Client{
		id:       uuid.NewString(),
		identity: auth.Identity{Username: username},
		send:     make(chan []byte, buffer),
		log:      logs.GetLoggerFromLevel(slog.LevelDebug),
	}
}

func admitted(t *testing.T, m *Manager, username string, buffer int) *Client {
	t.Helper()
	c := fakeClient(username, buffer)
	m.Track(c)
	require.True(t, m.Admit(c.identity, c))
	return c
}

func nextEnvelope(t *testing.T, c *Client) protocol.Envelope {
	t.Helper()
	select {
	case message, ok := <-c.send:
		require.True(t, ok, "send queue closed")
		e, err := protocol.Decode(message)
		require.NoError(t, err)
		return e
	case <-time.After(time.Second):
		t.Fatal("no envelope queued")
		return protocol.Envelope{}
	}
}

func requireQueueEmpty(t *testing.T, c *Client) {
	t.Helper()
	select {
	case message, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected envelope %s", message)
		}
	default:
	}
}

func TestManager_Track(t *testing.T) {
	req := require.New(t)
	m, _ := startManager(t)

	// Given two accepted connections
	m.Track(fakeClient("alice", 1))
	m.Track(fakeClient("bob", 1))

	// Then both are live but neither holds a session
	req.Equal(2, m.Len())
	req.Empty(m.Usernames())
	req.Equal(2.0, testutil.ToFloat64(m.metrics.liveConnections))
}

func TestManager_Admit_Concurrent_SameUsername(t *testing.T) {
	req := require.New(t)
	m, _ := startManager(t)

	const attempts = 50
	clients := make([]*Client, attempts)
	for i := range clients {
		clients[i] = fakeClient("alice", attempts+1)
		m.Track(clients[i])
	}

	// When every connection races to become alice
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if m.Admit(auth.Identity{Username: "alice"}, c) {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	// Then exactly one wins and the mapping holds a single entry
	req.Equal(1, succeeded)
	req.Equal([]string{"alice"}, m.Usernames())
	req.Equal(1.0, testutil.ToFloat64(m.metrics.activeSessions))
	req.Equal(float64(attempts-1), testutil.ToFloat64(m.metrics.admissions.WithLabelValues(admissionRejected)))
}

func TestManager_Admit_Concurrent_DifferentUsernames(t *testing.T) {
	req := require.New(t)
	m, _ := startManager(t)

	const n = 20
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		c := fakeClient(fmt.Sprintf("user-%02d", i), n+1)
		m.Track(c)
		go func() { results <- m.Admit(c.identity, c) }()
	}

	for i := 0; i < n; i++ {
		req.True(<-results)
	}
	req.Len(m.Usernames(), n)
}

func TestManager_Admit_JoinReachesEveryLiveConnection(t *testing.T) {
	req := require.New(t)
	m, _ := startManager(t)

	// Given bob is admitted and an anonymous connection is live
	bob := admitted(t, m, "bob", 8)
	req.Equal(protocol.New(protocol.PresenceJoin{Username: "bob"}), nextEnvelope(t, bob))
	anonymous := fakeClient("carol", 8)
	m.Track(anonymous)

	// When alice is admitted
	alice := admitted(t, m, "alice", 8)

	// Then everyone, alice included, sees her join
	join := protocol.New(protocol.PresenceJoin{Username: "alice"})
	req.Equal(join, nextEnvelope(t, alice))
	req.Equal(join, nextEnvelope(t, bob))
	req.Equal(join, nextEnvelope(t, anonymous))
}

func TestManager_Admit_Rejections(t *testing.T) {
	req := require.New(t)
	m, _ := startManager(t)

	// Untracked connections cannot be admitted
	stranger := fakeClient("alice", 1)
	req.False(m.Admit(stranger.identity, stranger))

	// A connection cannot be bound twice
	alice := admitted(t, m, "alice", 4)
	req.False(m.Admit(auth.Identity{Username: "alice2"}, alice))
	req.Equal([]string{"alice"}, m.Usernames())

	// A refused admission does not broadcast
	_ = nextEnvelope(t, alice)
	duplicate := fakeClient("alice", 4)
	m.Track(duplicate)
	req.False(m.Admit(duplicate.identity, duplicate))
	requireQueueEmpty(t, alice)
	requireQueueEmpty(t, duplicate)
}

func TestManager_Remove_AnnouncesLeaveOnce(t *testing.T) {
	req := require.New(t)
	m, _ := startManager(t)

	// Given alice and bob hold sessions
	alice := admitted(t, m, "alice", 8)
	bob := admitted(t, m, "bob", 8)
	_ = nextEnvelope(t, alice)
	_ = nextEnvelope(t, alice)
	_ = nextEnvelope(t, bob)

	// When alice is removed
	identity, bound := m.Remove(alice)

	// Then her identity is freed and bob hears about it once
	req.True(bound)
	req.Equal(auth.Identity{Username: "alice"}, identity)
	req.Equal(protocol.New(protocol.PresenceLeave{Username: "alice"}), nextEnvelope(t, bob))
	requireQueueEmpty(t, bob)

	_, open := <-alice.send
	req.False(open)

	// And removing again is a no-op
	_, bound = m.Remove(alice)
	req.False(bound)
	requireQueueEmpty(t, bob)
	req.Equal([]string{"bob"}, m.Usernames())
}

func TestManager_Remove_Unbound(t *testing.T) {
	req := require.New(t)
	m, _ := startManager(t)

	bob := admitted(t, m, "bob", 8)
	_ = nextEnvelope(t, bob)
	anonymous := fakeClient("carol", 1)
	m.Track(anonymous)

	_, bound := m.Remove(anonymous)

	req.False(bound)
	req.Equal(1, m.Len())
	requireQueueEmpty(t, bob)
}

func TestManager_Remove_UsernameImmediatelyAdmittable(t *testing.T) {
	req := require.New(t)
	m, _ := startManager(t)

	first := admitted(t, m, "alice", 4)
	m.Remove(first)
	req.False(m.Bound("alice"))

	second := fakeClient("alice", 4)
	m.Track(second)
	req.True(m.Admit(second.identity, second))
	req.True(m.Bound("alice"))
}

func TestManager_BroadcastAll_PreservesOrder(t *testing.T) {
	req := require.New(t)
	m, _ := startManager(t)

	alice := admitted(t, m, "alice", 64)
	_ = nextEnvelope(t, alice)

	for i := 0; i < 20; i++ {
		m.BroadcastAll(protocol.New(protocol.ChatPost{Sender: "alice", Message: fmt.Sprint(i)}))
	}

	for i := 0; i < 20; i++ {
		req.Equal(protocol.New(protocol.ChatPost{Sender: "alice", Message: fmt.Sprint(i)}), nextEnvelope(t, alice))
	}
}

func TestManager_BroadcastAll_InvalidEnvelopeDropped(t *testing.T) {
	req := require.New(t)
	m, _ := startManager(t)

	alice := admitted(t, m, "alice", 4)
	_ = nextEnvelope(t, alice)

	m.BroadcastAll(protocol.Envelope{Type: protocol.TypeChatPost})

	requireQueueEmpty(t, alice)
	req.Equal(1.0, testutil.ToFloat64(m.metrics.broadcasts))
}

func TestManager_SlowConnectionEvicted(t *testing.T) {
	req := require.New(t)
	m, _ := startManager(t)

	// Given a session whose queue is already full
	slow := admitted(t, m, "slow", 1)

	// When another session joins
	bob := fakeClient("bob", 8)
	m.Track(bob)
	req.True(m.Admit(bob.identity, bob))

	// Then bob still gets his join, the slow peer is evicted and its leave is announced
	req.Equal(protocol.New(protocol.PresenceJoin{Username: "bob"}), nextEnvelope(t, bob))
	req.Equal(protocol.New(protocol.PresenceLeave{Username: "slow"}), nextEnvelope(t, bob))
	req.Equal([]string{"bob"}, m.Usernames())
	req.Equal(1.0, testutil.ToFloat64(m.metrics.evictions))

	// And the slow queue keeps what it had, then closes
	req.Equal(protocol.New(protocol.PresenceJoin{Username: "slow"}), nextEnvelope(t, slow))
	_, open := <-slow.send
	req.False(open)

	// And a later Remove from its reader does not announce twice
	_, bound := m.Remove(slow)
	req.False(bound)
	requireQueueEmpty(t, bob)
}

func TestManager_EvictedConnectionCannotPost(t *testing.T) {
	req := require.New(t)
	m, _ := startManager(t)

	// Given a slow session evicted by bob's join
	slow := admitted(t, m, "slow", 1)
	bob := admitted(t, m, "bob", 8)
	req.Equal(protocol.New(protocol.PresenceJoin{Username: "bob"}), nextEnvelope(t, bob))
	req.Equal(protocol.New(protocol.PresenceLeave{Username: "slow"}), nextEnvelope(t, bob))

	// When its reader still hands over a chat post
	err := m.Post(slow, protocol.New(protocol.ChatPost{Sender: "slow", Message: "ghost"}))

	// Then the post is refused and nobody hears from the departed session
	req.ErrorIs(err, ErrNotBound)
	requireQueueEmpty(t, bob)
}

func TestManager_Post(t *testing.T) {
	req := require.New(t)
	m, _ := startManager(t)

	alice := admitted(t, m, "alice", 4)
	_ = nextEnvelope(t, alice)
	anonymous := fakeClient("bob", 4)
	m.Track(anonymous)

	// A bound connection reaches everyone live
	post := protocol.New(protocol.ChatPost{Sender: "alice", Message: "hi"})
	req.NoError(m.Post(alice, post))
	req.Equal(post, nextEnvelope(t, alice))
	req.Equal(post, nextEnvelope(t, anonymous))

	// A connection without a session cannot post
	req.ErrorIs(m.Post(anonymous, protocol.New(protocol.ChatPost{Sender: "bob", Message: "early"})), ErrNotBound)
	requireQueueEmpty(t, alice)

	// Nor can one that was never tracked
	stranger := fakeClient("carol", 1)
	req.ErrorIs(m.Post(stranger, protocol.New(protocol.ChatPost{Sender: "carol", Message: "?"})), ErrNotBound)
}

func TestManager_Claim_ReportsWhy(t *testing.T) {
	req := require.New(t)
	m, cancel := startManager(t)

	stranger := fakeClient("alice", 1)
	req.ErrorIs(m.Claim(stranger.identity, stranger), ErrNotLive)

	alice := admitted(t, m, "alice", 4)
	req.ErrorIs(m.Claim(auth.Identity{Username: "alice2"}, alice), ErrNotLive)

	duplicate := fakeClient("alice", 4)
	m.Track(duplicate)
	req.ErrorIs(m.Claim(duplicate.identity, duplicate), ErrUsernameTaken)

	cancel()
	<-m.done
	req.ErrorIs(m.Claim(duplicate.identity, duplicate), ErrStopped)
	req.ErrorIs(m.Post(alice, protocol.New(protocol.ChatPost{Sender: "alice", Message: "late"})), ErrStopped)
}

func TestManager_StopsWithContext(t *testing.T) {
	req := require.New(t)
	m, cancel := startManager(t)

	alice := admitted(t, m, "alice", 4)
	_ = nextEnvelope(t, alice)

	// When the manager stops
	cancel()
	select {
	case <-m.done:
	case <-time.After(time.Second):
		req.Fail("manager did not stop")
	}

	// Then live queues are closed and requests return at once
	_, open := <-alice.send
	req.False(open)

	late := fakeClient("bob", 1)
	m.Track(late)
	_, open = <-late.send
	req.False(open)
	req.False(m.Admit(late.identity, late))
	_, bound := m.Remove(alice)
	req.False(bound)
	req.Nil(m.Usernames())
	m.BroadcastAll(protocol.New(protocol.PresenceJoin{Username: "bob"}))
}
