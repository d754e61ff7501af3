package viewbridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gnar-go/internal/app"
	"gnar-go/internal/blobstore"
	"gnar-go/internal/config"
	"gnar-go/internal/docstore"
	"gnar-go/internal/feed"
	"gnar-go/internal/testutil"
)

// frame decodes any outbound message.
type frame struct {
	Type   string      `json:"type"`
	Items  []itemFrame `json:"items"`
	Op     string      `json:"op"`
	PostID string      `json:"post_id"`
	Error  string      `json:"error"`
}

type bridgeFixture struct {
	store *docstore.MemoryStore
	sess  *app.Session
	srv   *httptest.Server
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	store := testutil.NewTestStore(t)
	cfg := config.NewConfig("viewer", t.TempDir())
	logger := feed.NewNopLogger()
	sess := app.NewSessionWith(cfg, store, blobstore.NewMemoryStore(), logger, testutil.NewStubIDGenerator("post"))

	srv := httptest.NewServer(NewServer(sess, logger, Options{}).Handler())
	t.Cleanup(func() {
		srv.Close()
		sess.Close()
	})
	return &bridgeFixture{store: store, sess: sess, srv: srv}
}

func (fx *bridgeFixture) post(t *testing.T, id, author, tag string) {
	t.Helper()
	p := feed.Post{ID: id, Author: author, Text: "post " + id, Tag: tag}
	if err := fx.store.Create(context.Background(), feed.PostsCollection, id, p.Fields()); err != nil {
		t.Fatalf("Create(%s) error = %v", id, err)
	}
}

func (fx *bridgeFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(fx.srv.URL, "http") + FeedPath + query
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", u, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil reads frames until match returns true, failing after two seconds.
func readUntil(t *testing.T, ws *websocket.Conn, what string, match func(frame) bool) frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(f) {
			return f
		}
	}
}

func frameIDs(f frame) []string {
	ids := make([]string, len(f.Items))
	for i, it := range f.Items {
		ids[i] = it.ID
	}
	return ids
}

func itemsAre(ids ...string) func(frame) bool {
	return func(f frame) bool {
		return f.Type == frameItems && slices.Equal(frameIDs(f), ids)
	}
}

func send(t *testing.T, ws *websocket.Conn, msg inMessage) {
	t.Helper()
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON(%s) error = %v", msg.Type, err)
	}
}

func TestBridge_PushesFeed(t *testing.T) {
	fx := newBridgeFixture(t)
	fx.post(t, "p1", "alice", "")
	fx.post(t, "p2", "bob", "")

	ws := fx.dial(t, "")
	readUntil(t, ws, "initial items", itemsAre("p2", "p1"))

	fx.post(t, "p3", "carol", "")
	f := readUntil(t, ws, "new post", itemsAre("p3", "p2", "p1"))
	if f.Items[0].Author != "carol" || f.Items[0].Text != "post p3" {
		t.Errorf("items[0] = %+v", f.Items[0])
	}
}

func TestBridge_EmptyFeed(t *testing.T) {
	fx := newBridgeFixture(t)
	ws := fx.dial(t, "")
	f := readUntil(t, ws, "empty items", func(f frame) bool { return f.Type == frameItems })
	if len(f.Items) != 0 {
		t.Errorf("items = %v, want none", frameIDs(f))
	}
}

func TestBridge_FilteredFeeds(t *testing.T) {
	fx := newBridgeFixture(t)
	fx.post(t, "a", "alice", app.GearTag)
	fx.post(t, "b", "bob", app.GearTag)
	fx.post(t, "c", "alice", "")

	readUntil(t, fx.dial(t, "?author=alice"), "author feed", itemsAre("c", "a"))
	readUntil(t, fx.dial(t, "?tag=Gear"), "tag feed", itemsAre("b", "a"))
}

func TestBridge_RejectsAuthorAndTag(t *testing.T) {
	fx := newBridgeFixture(t)
	resp, err := http.Get(fx.srv.URL + FeedPath + "?author=a&tag=b")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestBridge_Visibility(t *testing.T) {
	fx := newBridgeFixture(t)
	fx.post(t, "p1", "alice", "")
	fx.post(t, "p2", "bob", "")

	ws := fx.dial(t, "")
	readUntil(t, ws, "initial items", itemsAre("p2", "p1"))

	inView := func(f frame) []string {
		var ids []string
		for _, it := range f.Items {
			if it.InView {
				ids = append(ids, it.ID)
			}
		}
		return ids
	}

	send(t, ws, inMessage{Type: msgAreas, Areas: map[string]float64{"p1": 0.9, "p2": 0.1}})
	readUntil(t, ws, "p1 in view", func(f frame) bool { return slices.Equal(inView(f), []string{"p1"}) })

	send(t, ws, inMessage{Type: msgBlur})
	readUntil(t, ws, "nothing in view", func(f frame) bool { return f.Type == frameItems && len(inView(f)) == 0 })

	send(t, ws, inMessage{Type: msgFocus})
	readUntil(t, ws, "p1 back in view", func(f frame) bool { return slices.Equal(inView(f), []string{"p1"}) })

	send(t, ws, inMessage{Type: msgVisible, Keys: []string{"p2"}})
	readUntil(t, ws, "p2 in view", func(f frame) bool { return slices.Equal(inView(f), []string{"p2"}) })
}

func TestBridge_LikeAndComment(t *testing.T) {
	fx := newBridgeFixture(t)
	fx.post(t, "p1", "alice", "")

	ws := fx.dial(t, "")
	readUntil(t, ws, "initial items", itemsAre("p1"))

	send(t, ws, inMessage{Type: msgLike, PostID: "p1"})
	readUntil(t, ws, "liked", func(f frame) bool {
		return len(f.Items) == 1 && f.Items[0].Liked && f.Items[0].Likes == 1
	})

	send(t, ws, inMessage{Type: msgCommentAdd, PostID: "p1", Text: "huck it"})
	readUntil(t, ws, "comment", func(f frame) bool {
		return len(f.Items) == 1 && slices.Contains(f.Items[0].Comments, feed.Comment{Author: "viewer", Text: "huck it"})
	})

	send(t, ws, inMessage{Type: msgCommentDelete, PostID: "p1", Text: "huck it"})
	readUntil(t, ws, "comment removed", func(f frame) bool {
		return len(f.Items) == 1 && len(f.Items[0].Comments) == 0
	})

	send(t, ws, inMessage{Type: msgUnlike, PostID: "p1"})
	readUntil(t, ws, "unliked", func(f frame) bool {
		return len(f.Items) == 1 && !f.Items[0].Liked && f.Items[0].Likes == 0
	})

	rec, err := fx.store.Get(context.Background(), feed.ProfilesCollection, "alice")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p, _ := feed.DecodeProfile(*rec); p.GnarPoints != 0 {
		t.Errorf("gnar points after like and unlike = %d, want 0", p.GnarPoints)
	}
}

func TestBridge_ErrorFrames(t *testing.T) {
	fx := newBridgeFixture(t)
	ws := fx.dial(t, "")
	readUntil(t, ws, "initial items", func(f frame) bool { return f.Type == frameItems })

	tests := []struct {
		name   string
		raw    string
		wantOp string
	}{
		{"unknown post", `{"type":"like","post_id":"missing"}`, msgLike},
		{"unknown type", `{"type":"dance"}`, "dance"},
		{"malformed", `{"type":`, "decode"},
		{"empty comment", `{"type":"comment_add","post_id":"missing","text":""}`, msgCommentAdd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(tt.raw)); err != nil {
				t.Fatalf("WriteMessage() error = %v", err)
			}
			f := readUntil(t, ws, "error frame", func(f frame) bool { return f.Type == frameError })
			if f.Op != tt.wantOp || f.Error == "" {
				t.Errorf("error frame = %+v, want op %q", f, tt.wantOp)
			}
		})
	}
}

func TestServer_Serve(t *testing.T) {
	store := testutil.NewTestStore(t)
	cfg := config.NewConfig("viewer", t.TempDir())
	sess := app.NewSessionWith(cfg, store, blobstore.NewMemoryStore(), feed.NewNopLogger(), testutil.NewStubIDGenerator("post"))
	t.Cleanup(func() { sess.Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(sess, feed.NewNopLogger(), Options{}).Serve(ctx, ln) }()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+FeedPath, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ws.Close()
	readUntil(t, ws, "initial items", func(f frame) bool { return f.Type == frameItems })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f frame
		err := ws.ReadJSON(&f)
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Errorf("ReadJSON() after shutdown error = %v, want close frame", err)
		}
		break
	}
}
