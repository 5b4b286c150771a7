package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// blockingRefresh returns a refresh func that waits for release before
// returning tok.
func blockingRefresh(release <-chan struct{}, tok Token, err error) func(context.Context) (Token, error) {
	return func(ctx context.Context) (Token, error) {
		select {
		case <-release:
			return tok, err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func TestDispatch_AttachesBearerToken(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	store := &memStore{tok: "T1"}
	g := newTestGateway(t, tokenServer(rec, "T1"), store, &fakeSession{})

	body, err := g.Dispatch(context.Background(), mustBuild(t, NewRequest(http.MethodGet, "/users").Query("page", "1")))
	require.NoError(t, err)
	require.Equal(t, "/users?page=1", string(body))

	reqs := rec.all()
	require.Len(t, reqs, 1)
	require.Equal(t, "Bearer T1", reqs[0].auth)
}

func TestDispatch_NoTokenSendsNoHeader(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := transportFunc(func(ctx context.Context, method, target string, header http.Header, body []byte) (*RawResponse, error) {
		rec.add(method, target, header, body)
		return &RawResponse{StatusCode: http.StatusOK}, nil
	})
	g := newTestGateway(t, tr, &memStore{}, &fakeSession{})

	_, err := g.Dispatch(context.Background(), mustBuild(t, NewRequest(http.MethodGet, "/public")))
	require.NoError(t, err)
	require.Empty(t, rec.all()[0].auth)
}

func TestDispatch_SkipAuthNeverCarriesToken(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	session := &fakeSession{}
	tr := transportFunc(func(ctx context.Context, method, target string, header http.Header, body []byte) (*RawResponse, error) {
		rec.add(method, target, header, body)
		return &RawResponse{StatusCode: http.StatusUnauthorized}, nil
	})
	g := newTestGateway(t, tr, &memStore{tok: "valid"}, session)

	_, err := g.Dispatch(context.Background(), mustBuild(t, NewRequest(http.MethodPost, "/auth/login").SkipAuth()))

	gerr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, KindServer, gerr.Kind)
	require.Equal(t, http.StatusUnauthorized, gerr.StatusCode)
	require.Equal(t, "authentication required", gerr.Message)

	require.Len(t, rec.all(), 1)
	require.Empty(t, rec.all()[0].auth)
	require.Zero(t, session.refreshCalls.Load())
}

func TestDispatch_ExplicitAuthorizationWins(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	store := &memStore{tok: "session"}
	session := &fakeSession{}
	tr := transportFunc(func(ctx context.Context, method, target string, header http.Header, body []byte) (*RawResponse, error) {
		rec.add(method, target, header, body)
		return &RawResponse{StatusCode: http.StatusOK, Body: []byte(target)}, nil
	})
	g := newTestGateway(t, tr, store, session)

	req := mustBuild(t, NewRequest(http.MethodGet, "/hooks").Header("Authorization", "Basic abc"))
	body, err := g.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "/hooks", string(body))

	require.Equal(t, []string{"Basic abc"}, authsOf(rec))
	require.Zero(t, session.refreshCalls.Load())
}

func TestDispatch_ExplicitAuthorizationRefreshesOnUnauthorized(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	store := &memStore{tok: "session"}
	session := &fakeSession{}
	g := newTestGateway(t, tokenServer(rec, "new"), store, session)

	req := mustBuild(t, NewRequest(http.MethodGet, "/a").Header("Authorization", "Bearer old"))
	body, err := g.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "/a", string(body))

	require.EqualValues(t, 1, session.refreshCalls.Load())
	require.Equal(t, []string{"Bearer old", "Bearer new"}, authsOf(rec))
}

func TestDispatch_RefreshAndReplay(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	store := &memStore{tok: "old"}
	session := &fakeSession{}
	g := newTestGateway(t, tokenServer(rec, "new"), store, session)

	body, err := g.Dispatch(context.Background(), mustBuild(t, NewRequest(http.MethodGet, "/me/profile")))
	require.NoError(t, err)
	require.Equal(t, "/me/profile", string(body))

	require.EqualValues(t, 1, session.refreshCalls.Load())
	require.Equal(t, Token("new"), store.Token())

	reqs := rec.all()
	require.Len(t, reqs, 2)
	require.Equal(t, "Bearer old", reqs[0].auth)
	require.Equal(t, "Bearer new", reqs[1].auth)
}

func TestDispatch_ReplayOrderIsQueueThenTrigger(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	release := make(chan struct{})
	session := &fakeSession{refresh: blockingRefresh(release, "T2", nil)}
	g := newTestGateway(t, tokenServer(rec, "T2"), &memStore{tok: "T1"}, session)
	ctx := context.Background()

	a := dispatchAsync(ctx, g, mustBuild(t, NewRequest(http.MethodGet, "/a")))
	require.Eventually(t, func() bool { return session.refreshCalls.Load() == 1 }, waitFor, time.Millisecond)

	b := dispatchAsync(ctx, g, mustBuild(t, NewRequest(http.MethodGet, "/b")))
	require.Eventually(t, func() bool { return g.refresher.pendingCount() == 1 }, waitFor, time.Millisecond)

	c := dispatchAsync(ctx, g, mustBuild(t, NewRequest(http.MethodGet, "/c")))
	require.Eventually(t, func() bool { return g.refresher.pendingCount() == 2 }, waitFor, time.Millisecond)

	close(release)

	for name, ch := range map[string]<-chan result{"/a": a, "/b": b, "/c": c} {
		res := <-ch
		require.NoError(t, res.err, name)
		require.Equal(t, name, string(res.body))
	}

	require.EqualValues(t, 1, session.refreshCalls.Load())
	require.Equal(t, []string{"/b", "/c", "/a"}, rec.targetsWith("Bearer T2"))
	require.Zero(t, g.refresher.pendingCount())
}

func TestDispatch_ConcurrentUnauthorizedRefreshOnce(t *testing.T) {
	t.Parallel()

	const n = 25

	rec := &recorder{}
	session := &fakeSession{refresh: func(context.Context) (Token, error) {
		time.Sleep(20 * time.Millisecond)
		return "fresh", nil
	}}
	g := newTestGateway(t, tokenServer(rec, "fresh"), &memStore{tok: "stale"}, session)

	reqs := make([]*Request, n)
	for i := range reqs {
		reqs[i] = mustBuild(t, NewRequest(http.MethodGet, "/users"))
	}

	var wg sync.WaitGroup
	var failures atomic.Int32
	for _, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Dispatch(context.Background(), req); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Zero(t, failures.Load())
	require.EqualValues(t, 1, session.refreshCalls.Load())
	require.Len(t, rec.targetsWith("Bearer fresh"), n)
}

func TestDispatch_RefreshFailureExpiresEveryWaiter(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	release := make(chan struct{})
	refreshErr := errors.New("refresh cookie expired")

	var (
		mu     sync.Mutex
		events []string
	)
	record := func(e string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}

	session := &fakeSession{
		refresh:   blockingRefresh(release, "", refreshErr),
		onInvalid: func() { record("teardown") },
	}
	g := newTestGateway(t, tokenServer(rec, "never"), &memStore{tok: "old"}, session)
	ctx := context.Background()

	a := dispatchAsync(ctx, g, mustBuild(t, NewRequest(http.MethodGet, "/a")))
	require.Eventually(t, func() bool { return session.refreshCalls.Load() == 1 }, waitFor, time.Millisecond)
	b := dispatchAsync(ctx, g, mustBuild(t, NewRequest(http.MethodGet, "/b")))
	c := dispatchAsync(ctx, g, mustBuild(t, NewRequest(http.MethodGet, "/c")))
	require.Eventually(t, func() bool { return g.refresher.pendingCount() == 2 }, waitFor, time.Millisecond)

	close(release)

	for _, ch := range []<-chan result{a, b, c} {
		res := <-ch
		require.True(t, IsSessionExpired(res.err))
		require.ErrorIs(t, res.err, refreshErr)
		record("settled")
	}

	require.EqualValues(t, 1, session.refreshCalls.Load())
	require.EqualValues(t, 1, session.invalidCalls.Load())
	require.Equal(t, "teardown", events[0])
	require.Len(t, rec.all(), 3)
}

func TestDispatch_EmptyRefreshTokenIsFailure(t *testing.T) {
	t.Parallel()

	session := &fakeSession{refresh: func(context.Context) (Token, error) { return "", nil }}
	g := newTestGateway(t, tokenServer(&recorder{}, "x"), &memStore{tok: "old"}, session)

	_, err := g.Dispatch(context.Background(), mustBuild(t, NewRequest(http.MethodGet, "/a")))
	require.True(t, IsSessionExpired(err))
	require.ErrorIs(t, err, ErrEmptyToken)
	require.EqualValues(t, 1, session.invalidCalls.Load())
}

func TestDispatch_StoreWriteFailureIsRefreshFailure(t *testing.T) {
	t.Parallel()

	writeErr := errors.New("keychain locked")
	store := &memStore{tok: "old", setErr: writeErr}
	session := &fakeSession{}
	g := newTestGateway(t, tokenServer(&recorder{}, "new"), store, session)

	_, err := g.Dispatch(context.Background(), mustBuild(t, NewRequest(http.MethodGet, "/a")))
	require.True(t, IsSessionExpired(err))
	require.ErrorIs(t, err, writeErr)
	require.EqualValues(t, 1, session.invalidCalls.Load())
}

func TestDispatch_SecondUnauthorizedExpiresSession(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	session := &fakeSession{}
	// Rejects every token, including the refreshed one.
	g := newTestGateway(t, tokenServer(rec, "unreachable"), &memStore{tok: "old"}, session)

	_, err := g.Dispatch(context.Background(), mustBuild(t, NewRequest(http.MethodDelete, "/users/1")))

	gerr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, KindSessionExpired, gerr.Kind)
	require.Equal(t, http.StatusUnauthorized, gerr.StatusCode)
	require.Equal(t, "session expired, please sign in again", gerr.Message)

	require.EqualValues(t, 1, session.refreshCalls.Load())
	require.EqualValues(t, 1, session.invalidCalls.Load())
	require.Len(t, rec.all(), 2)
}

func TestDispatch_RejectedTokenTearsDownEverySession(t *testing.T) {
	t.Parallel()

	session := &fakeSession{}
	g := newTestGateway(t, tokenServer(&recorder{}, "unreachable"), &memStore{tok: "old"}, session)

	for i := 0; i < 3; i++ {
		_, err := g.Dispatch(context.Background(), mustBuild(t, NewRequest(http.MethodGet, "/a")))
		require.True(t, IsSessionExpired(err))
	}

	// Every call refreshes to "new", which stays in the store, and is then
	// rejected again; each of those is a fresh session to tear down.
	require.EqualValues(t, 3, session.invalidCalls.Load())
}

func TestInvalidate_DuplicateRejectionTearsDownOnce(t *testing.T) {
	t.Parallel()

	store := &memStore{tok: "new"}
	session := &fakeSession{}
	session.onInvalid = func() { _ = store.SetToken("") }
	g := newTestGateway(t, statusServer(http.StatusOK, ""), store, session)

	ctx := context.Background()
	g.invalidate(ctx, "new")
	g.invalidate(ctx, "new")
	require.EqualValues(t, 1, session.invalidCalls.Load())

	// Signed in again with the same token value.
	require.NoError(t, store.SetToken("new"))
	g.invalidate(ctx, "new")
	require.EqualValues(t, 2, session.invalidCalls.Load())
}

func TestDispatch_StaleTokenReplaysWithoutRefresh(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	store := &memStore{tok: "old"}
	session := &fakeSession{}

	var once sync.Once
	tr := transportFunc(func(ctx context.Context, method, target string, header http.Header, body []byte) (*RawResponse, error) {
		rec.add(method, target, header, body)
		// A refresh lands between send and response.
		once.Do(func() { _ = store.SetToken("new") })
		if header.Get("Authorization") == "Bearer new" {
			return &RawResponse{StatusCode: http.StatusOK}, nil
		}
		return &RawResponse{StatusCode: http.StatusUnauthorized}, nil
	})
	g := newTestGateway(t, tr, store, session)

	_, err := g.Dispatch(context.Background(), mustBuild(t, NewRequest(http.MethodGet, "/a")))
	require.NoError(t, err)
	require.Zero(t, session.refreshCalls.Load())
	require.Equal(t, []string{"/a"}, rec.targetsWith("Bearer new"))
}

func TestDispatch_CancelWhileQueued(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	release := make(chan struct{})
	session := &fakeSession{refresh: blockingRefresh(release, "new", nil)}
	g := newTestGateway(t, tokenServer(rec, "new"), &memStore{tok: "old"}, session)

	a := dispatchAsync(context.Background(), g, mustBuild(t, NewRequest(http.MethodGet, "/a")))
	require.Eventually(t, func() bool { return session.refreshCalls.Load() == 1 }, waitFor, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	b := dispatchAsync(ctx, g, mustBuild(t, NewRequest(http.MethodGet, "/b")))
	require.Eventually(t, func() bool { return g.refresher.pendingCount() == 1 }, waitFor, time.Millisecond)

	cancel()
	res := <-b
	require.True(t, IsCancelled(res.err))
	require.Zero(t, g.refresher.pendingCount())

	close(release)
	res = <-a
	require.NoError(t, res.err)

	require.Equal(t, []string{"/a"}, rec.targetsWith("Bearer new"))
	require.EqualValues(t, 1, session.refreshCalls.Load())
}

func TestDispatch_TriggerCancelDoesNotFailQueue(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	release := make(chan struct{})
	session := &fakeSession{refresh: blockingRefresh(release, "new", nil)}
	g := newTestGateway(t, tokenServer(rec, "new"), &memStore{tok: "old"}, session)

	ctx, cancel := context.WithCancel(context.Background())
	a := dispatchAsync(ctx, g, mustBuild(t, NewRequest(http.MethodGet, "/a")))
	require.Eventually(t, func() bool { return session.refreshCalls.Load() == 1 }, waitFor, time.Millisecond)

	b := dispatchAsync(context.Background(), g, mustBuild(t, NewRequest(http.MethodGet, "/b")))
	require.Eventually(t, func() bool { return g.refresher.pendingCount() == 1 }, waitFor, time.Millisecond)

	cancel()
	require.True(t, IsCancelled((<-a).err))

	close(release)
	res := <-b
	require.NoError(t, res.err)
	require.Equal(t, []string{"/b"}, rec.targetsWith("Bearer new"))
}

func TestDispatch_DeadlineWhileQueuedIsTimeout(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	release := make(chan struct{})
	session := &fakeSession{refresh: blockingRefresh(release, "new", nil)}
	g := newTestGateway(t, tokenServer(rec, "new"), &memStore{tok: "old"}, session)

	a := dispatchAsync(context.Background(), g, mustBuild(t, NewRequest(http.MethodGet, "/a")))
	require.Eventually(t, func() bool { return session.refreshCalls.Load() == 1 }, waitFor, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := g.Dispatch(ctx, mustBuild(t, NewRequest(http.MethodGet, "/b")))

	gerr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, KindNetworkUnreachable, gerr.Kind)
	require.Equal(t, "request timed out", gerr.Message)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, (<-a).err)
}

func TestRefresherWait_SettledOutcomeWinsOverCancel(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, statusServer(http.StatusOK, ""), &memStore{}, &fakeSession{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &pending{ctx: ctx, w: tokenWaiter{g: g}, done: make(chan outcome, 1)}
	p.done <- outcome{token: "new"}

	out := g.refresher.wait(p)
	require.Nil(t, out.err)
	require.Equal(t, Token("new"), out.token)
}

func TestDispatch_TransportCancellation(t *testing.T) {
	t.Parallel()

	session := &fakeSession{}
	tr := transportFunc(func(ctx context.Context, _, _ string, _ http.Header, _ []byte) (*RawResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	g := newTestGateway(t, tr, &memStore{tok: "old"}, session)

	ctx, cancel := context.WithCancel(context.Background())
	ch := dispatchAsync(ctx, g, mustBuild(t, NewRequest(http.MethodGet, "/slow")))
	cancel()

	res := <-ch
	require.True(t, IsCancelled(res.err))
	require.Zero(t, session.refreshCalls.Load())
}

func TestDispatch_NotifierSeesTerminalErrors(t *testing.T) {
	t.Parallel()

	var got []*Error
	var mu sync.Mutex
	notifier := NotifierFunc(func(_ context.Context, err *Error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, err)
	})

	g := newTestGateway(t, statusServer(http.StatusForbidden, ""), &memStore{tok: "x"}, &fakeSession{}, WithNotifier(notifier))

	_, err := g.Dispatch(context.Background(), mustBuild(t, NewRequest(http.MethodGet, "/roles")))
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, http.StatusForbidden, got[0].StatusCode)
}

func TestDispatchJSON(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, statusServer(http.StatusOK, `{"code":200,"data":{"id":7}}`), &memStore{}, &fakeSession{})

	var out struct {
		Code int `json:"code"`
		Data struct {
			ID int `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, g.DispatchJSON(context.Background(), mustBuild(t, NewRequest(http.MethodGet, "/users/7")), &out))
	require.Equal(t, 200, out.Code)
	require.Equal(t, 7, out.Data.ID)
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	t.Run("refreshes stale token", func(t *testing.T) {
		t.Parallel()

		store := &memStore{tok: "old"}
		session := &fakeSession{}
		g := newTestGateway(t, statusServer(http.StatusOK, ""), store, session)

		tok, err := g.Refresh(context.Background(), "old")
		require.NoError(t, err)
		require.Equal(t, Token("new"), tok)
		require.EqualValues(t, 1, session.refreshCalls.Load())
	})

	t.Run("returns current token when already refreshed", func(t *testing.T) {
		t.Parallel()

		session := &fakeSession{}
		g := newTestGateway(t, statusServer(http.StatusOK, ""), &memStore{tok: "current"}, session)

		tok, err := g.Refresh(context.Background(), "old")
		require.NoError(t, err)
		require.Equal(t, Token("current"), tok)
		require.Zero(t, session.refreshCalls.Load())
	})

	t.Run("failure expires session", func(t *testing.T) {
		t.Parallel()

		session := &fakeSession{refresh: func(context.Context) (Token, error) {
			return "", errors.New("no cookie")
		}}
		g := newTestGateway(t, statusServer(http.StatusOK, ""), &memStore{}, session)

		tok, err := g.Refresh(context.Background(), "")
		require.True(t, IsSessionExpired(err))
		require.True(t, tok.IsZero())
		require.EqualValues(t, 1, session.invalidCalls.Load())
	})
}

func TestRefreshTimeout(t *testing.T) {
	t.Parallel()

	session := &fakeSession{refresh: func(ctx context.Context) (Token, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	g := newTestGateway(t, tokenServer(&recorder{}, "new"), &memStore{tok: "old"}, session,
		WithRefreshTimeout(20*time.Millisecond))

	_, err := g.Dispatch(context.Background(), mustBuild(t, NewRequest(http.MethodGet, "/a")))
	require.True(t, IsSessionExpired(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_MissingDependency(t *testing.T) {
	t.Parallel()

	_, err := New(nil, &memStore{}, &fakeSession{})
	require.ErrorIs(t, err, ErrMissingDependency)

	_, err = New(statusServer(200, ""), nil, &fakeSession{})
	require.ErrorIs(t, err, ErrMissingDependency)

	_, err = New(statusServer(200, ""), &memStore{}, nil)
	require.ErrorIs(t, err, ErrMissingDependency)
}
