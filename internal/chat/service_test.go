package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwire/fleetchat/internal/domain"
)

// countingUserRepo counts Find calls and can block them.
type countingUserRepo struct {
	*fakeUserRepo
	findCalls atomic.Int64
	gate      chan struct{}
}

func (r *countingUserRepo) Find(ctx context.Context, id int64) (*domain.User, error) {
	r.findCalls.Add(1)
	if r.gate != nil {
		<-r.gate
	}
	return r.fakeUserRepo.Find(ctx, id)
}

type failingMessageRepo struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *failingMessageRepo) Save(context.Context, string, int64, string, string, []byte) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil, r.err
}

func (r *failingMessageRepo) RecentByRoom(context.Context, string, int) ([]domain.Message, error) {
	return nil, r.err
}

func (r *failingMessageRepo) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestFindUserCollapsesConcurrentLookups(t *testing.T) {
	repo := &countingUserRepo{
		fakeUserRepo: newFakeUserRepo(domain.User{ID: 7, Username: "alice"}),
		gate:         make(chan struct{}),
	}
	svc := NewService(repo, &fakeMessageRepo{})

	const concurrent = 10
	var wg sync.WaitGroup
	results := make(chan *domain.User, concurrent)
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := svc.FindUser(context.Background(), 7)
			require.NoError(t, err)
			results <- u
		}()
	}

	// Let every goroutine pile up behind the single in-flight lookup.
	assert.Eventually(t, func() bool {
		return repo.findCalls.Load() >= 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(repo.gate)
	wg.Wait()
	close(results)

	for u := range results {
		assert.Equal(t, "alice", u.Username)
	}
	assert.Equal(t, int64(1), repo.findCalls.Load())
}

func TestFindUserNotFoundPassesThrough(t *testing.T) {
	svc := NewService(newFakeUserRepo(), &fakeMessageRepo{})
	_, err := svc.FindUser(context.Background(), 404)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestSaveMessage(t *testing.T) {
	repo := &fakeMessageRepo{}
	svc := NewService(newFakeUserRepo(), repo)

	msg, err := svc.SaveMessage(context.Background(), "hello", 7, "general")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, int64(7), msg.SenderID)
	assert.Equal(t, "general", msg.RoomID)
	assert.Equal(t, "text", msg.MessageType)
	assert.Equal(t, 1, repo.savedCount())
}

func TestSaveMessageBreakerTrips(t *testing.T) {
	repo := &failingMessageRepo{err: errors.New("storage down")}
	svc := NewService(newFakeUserRepo(), repo)

	for i := 0; i < 5; i++ {
		_, err := svc.SaveMessage(context.Background(), "msg", 7, "general")
		require.Error(t, err)
	}
	require.Equal(t, 5, repo.callCount())

	// The open breaker short-circuits without touching the repository.
	_, err := svc.SaveMessage(context.Background(), "msg", 7, "general")
	require.Error(t, err)
	assert.Equal(t, 5, repo.callCount())
}

func TestSetOnlineStatusSwallowsErrors(t *testing.T) {
	svc := NewService(newFakeUserRepo(), &fakeMessageRepo{})
	// Unknown user: the fake records it anyway, the point is no panic and
	// no error surfaced to the caller.
	svc.SetOnlineStatus(context.Background(), 42, true)
}

func TestRecentMessagesWrapsRepoError(t *testing.T) {
	repo := &failingMessageRepo{err: errors.New("storage down")}
	svc := NewService(newFakeUserRepo(), repo)

	_, err := svc.RecentMessages(context.Background(), "general", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "general")
}
