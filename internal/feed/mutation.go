package feed

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Field keys written by mutations.
const (
	likesField    = "likes"
	commentsField = "comments"
	pointsField   = "gnarPoints"
)

// SetLiked returns a copy of p with user's membership in the likers set forced to liked.
func SetLiked(p Post, user string, liked bool) Post {
	p = p.Clone()
	if liked {
		if !slices.Contains(p.Likers, user) {
			p.Likers = append(p.Likers, user)
		}
		return p
	}
	p.Likers = slices.DeleteFunc(p.Likers, func(u string) bool { return u == user })
	return p
}

// ToggleLike returns a copy of p with user's like flipped.
func ToggleLike(p Post, user string) Post {
	return SetLiked(p, user, !p.LikedBy(user))
}

// AppendComment returns a copy of p with c appended to its comments.
func AppendComment(p Post, c Comment) Post {
	p = p.Clone()
	p.Comments = append(p.Comments, c)
	return p
}

// RemoveComment returns a copy of p without the first comment equal to c.
// Identical comments cannot be told apart, so the first one is removed.
func RemoveComment(p Post, c Comment) Post {
	p = p.Clone()
	if i := slices.Index(p.Comments, c); i >= 0 {
		p.Comments = slices.Delete(p.Comments, i, i+1)
	}
	return p
}

// ClampPoints bounds a gnar point tally below at zero.
func ClampPoints(points int64) int64 {
	return max(points, 0)
}

// ApplyPoints adds each delta to base in order, clamping after every step
// the way the store's floored increment does.
func ApplyPoints(base int64, deltas ...int64) int64 {
	v := ClampPoints(base)
	for _, d := range deltas {
		v = ClampPoints(v + d)
	}
	return v
}

type mutationKind int

const (
	mutLike mutationKind = iota
	mutUnlike
	mutAddComment
	mutRemoveComment
)

func (k mutationKind) String() string {
	switch k {
	case mutLike:
		return "like"
	case mutUnlike:
		return "unlike"
	case mutAddComment:
		return "comment_add"
	case mutRemoveComment:
		return "comment_delete"
	default:
		return "unknown"
	}
}

// writeState tracks the remote write behind an overlay entry.
type writeState struct {
	issued bool
	// issuedAt is the last started snapshot read when the write was sent.
	// Only reads numbered above it can carry the write.
	issuedAt  uint64
	confirmed bool
	// seen is set when a snapshot read after issue was published before
	// the write was confirmed.
	seen bool
}

func (w *writeState) issue() {
	w.issued = true
	w.issuedAt = lastRead()
}

// reconcile records a published snapshot read at seq and reports whether
// the entry is now carried by server state and can be dropped.
func (w *writeState) reconcile(seq uint64) bool {
	if !w.issued || seq <= w.issuedAt {
		return false
	}
	if w.confirmed {
		return true
	}
	w.seen = true
	return false
}

// pendingMutation is one optimistic overlay entry on a post.
type pendingMutation struct {
	kind    mutationKind
	user    string
	comment Comment
	write   writeState
}

func (m *pendingMutation) apply(p Post) Post {
	switch m.kind {
	case mutLike:
		return SetLiked(p, m.user, true)
	case mutUnlike:
		return SetLiked(p, m.user, false)
	case mutAddComment:
		return AppendComment(p, m.comment)
	case mutRemoveComment:
		return RemoveComment(p, m.comment)
	default:
		return p
	}
}

type pendingPoints struct {
	delta int64
	write writeState
}

// writeTurn is a place in a post's write queue.
type writeTurn struct {
	prev    <-chan struct{}
	release func()
}

// wait blocks until every earlier write on the post has settled. If ctx
// ends first, the turn is passed on once the earlier writes settle, and the
// caller must not call release.
func (t *writeTurn) wait(ctx context.Context) error {
	if t.prev == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		go func() {
			<-t.prev
			t.release()
		}()
		return ctx.Err()
	}
}

// MutationCoordinator applies like and comment mutations optimistically.
//
// Each mutation is added to a per-post overlay before its remote write is
// issued, so the view reflects it immediately. Writes on the same post are
// sent one at a time in the order the mutations were made. A successful
// write marks the overlay entry confirmed. The entry is dropped by the first
// published snapshot whose read started after the write was sent, since that
// snapshot carries the server state. A failed write removes the entry, which
// rolls the view back, and is reported as a *MutationError. Entries stack per
// post, so a second toggle issued before the first is reconciled is applied
// on top of it.
type MutationCoordinator struct {
	store  DocumentStore
	viewer string
	logger Logger

	listeners listenerSet

	mu           sync.Mutex
	posts        map[string][]*pendingMutation
	points       map[string][]*pendingPoints
	pointWatches map[string]int
	// tails holds, per post, a channel closed when the last queued write settles.
	tails   map[string]chan struct{}
	onError func(error)
}

// NewMutationCoordinator creates a coordinator acting on behalf of viewer.
func NewMutationCoordinator(store DocumentStore, viewer string, logger Logger) *MutationCoordinator {
	return &MutationCoordinator{
		store:        store,
		viewer:       viewer,
		logger:       logger,
		posts:        make(map[string][]*pendingMutation),
		points:       make(map[string][]*pendingPoints),
		pointWatches: make(map[string]int),
		tails:        make(map[string]chan struct{}),
	}
}

// Viewer returns the handle mutations are made as.
func (c *MutationCoordinator) Viewer() string { return c.viewer }

// OnChange registers fn to run whenever an overlay is added or rolled back.
// The returned func removes the registration.
func (c *MutationCoordinator) OnChange(fn func()) func() {
	return c.listeners.add(fn)
}

// OnError registers fn to receive every *MutationError.
func (c *MutationCoordinator) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// Overlay returns p with every pending mutation applied in issue order.
func (c *MutationCoordinator) Overlay(p Post) Post {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlayLocked(p)
}

func (c *MutationCoordinator) overlayLocked(p Post) Post {
	for _, m := range c.posts[p.ID] {
		p = m.apply(p)
	}
	return p
}

// Points returns author's gnar points with pending tallies applied to base.
func (c *MutationCoordinator) Points(author string, base int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.points[author]
	deltas := make([]int64, len(pending))
	for i, p := range pending {
		deltas[i] = p.delta
	}
	return ApplyPoints(base, deltas...)
}

// Pending returns the number of overlay entries held for a post.
func (c *MutationCoordinator) Pending(postID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.posts[postID])
}

// Reconcile is called with the IDs of every post in a freshly published
// snapshot and the Seq of that snapshot. Confirmed entries whose write was
// sent before the snapshot's read started are dropped.
func (c *MutationCoordinator) Reconcile(postIDs []string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range postIDs {
		pending, ok := c.posts[id]
		if !ok {
			continue
		}
		c.setPostsLocked(id, slices.DeleteFunc(pending, func(m *pendingMutation) bool {
			return m.write.reconcile(seq)
		}))
	}
}

// ReconcilePoints drops author's confirmed tallies carried by a profile
// snapshot read at seq.
func (c *MutationCoordinator) ReconcilePoints(author string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending, ok := c.points[author]
	if !ok {
		return
	}
	c.setPointsLocked(author, slices.DeleteFunc(pending, func(p *pendingPoints) bool {
		return p.write.reconcile(seq)
	}))
}

// WatchPoints marks author's profile as displayed. While no profile view
// watches an author, confirmed tallies are dropped immediately, since the
// next subscription starts from server state. The returned func unwatches.
func (c *MutationCoordinator) WatchPoints(author string) func() {
	c.mu.Lock()
	c.pointWatches[author]++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.pointWatches[author]--
			if c.pointWatches[author] <= 0 {
				delete(c.pointWatches, author)
				c.setPointsLocked(author, slices.DeleteFunc(c.points[author], func(p *pendingPoints) bool {
					return p.write.confirmed
				}))
			}
		})
	}
}

func (c *MutationCoordinator) setPostsLocked(postID string, pending []*pendingMutation) {
	if len(pending) == 0 {
		delete(c.posts, postID)
		return
	}
	c.posts[postID] = pending
}

func (c *MutationCoordinator) setPointsLocked(author string, pending []*pendingPoints) {
	if len(pending) == 0 {
		delete(c.points, author)
		return
	}
	c.points[author] = pending
}

// enqueueLocked takes the next place in postID's write queue.
func (c *MutationCoordinator) enqueueLocked(postID string) *writeTurn {
	mine := make(chan struct{})
	t := &writeTurn{prev: c.tails[postID]}
	c.tails[postID] = mine

	var once sync.Once
	t.release = func() {
		once.Do(func() {
			c.mu.Lock()
			if c.tails[postID] == mine {
				delete(c.tails, postID)
			}
			c.mu.Unlock()
			close(mine)
		})
	}
	return t
}

// ToggleLike flips the viewer's like on post and credits or debits the
// post author's gnar points, clamped at zero. The overlay is visible before
// the remote writes start.
func (c *MutationCoordinator) ToggleLike(ctx context.Context, post Post) error {
	return c.like(ctx, post, func(current bool) bool { return !current })
}

// SetLike forces the viewer's like on post to liked. Nothing is written
// when the post already shows that state.
func (c *MutationCoordinator) SetLike(ctx context.Context, post Post, liked bool) error {
	return c.like(ctx, post, func(bool) bool { return liked })
}

func (c *MutationCoordinator) like(ctx context.Context, post Post, want func(current bool) bool) error {
	c.mu.Lock()
	current := c.overlayLocked(post).LikedBy(c.viewer)
	liked := want(current)
	if liked == current {
		c.mu.Unlock()
		return nil
	}
	m := &pendingMutation{kind: mutUnlike, user: c.viewer}
	delta := int64(-1)
	op := ArrayRemove(likesField, c.viewer)
	if liked {
		m.kind = mutLike
		delta = 1
		op = ArrayUnion(likesField, c.viewer)
	}
	c.posts[post.ID] = append(c.posts[post.ID], m)

	var pts *pendingPoints
	if post.Author != "" {
		pts = &pendingPoints{delta: delta}
		c.points[post.Author] = append(c.points[post.Author], pts)
	}
	turn := c.enqueueLocked(post.ID)
	c.mu.Unlock()
	c.notify()

	if err := turn.wait(ctx); err != nil {
		c.rollback(post.ID, m, post.Author, pts)
		return c.fail(m.kind.String(), post.ID, err)
	}
	defer turn.release()

	c.issue(&m.write)
	if err := c.store.Update(ctx, PostsCollection, post.ID, op); err != nil {
		c.rollback(post.ID, m, post.Author, pts)
		return c.fail(m.kind.String(), post.ID, err)
	}
	c.confirm(post.ID, m)
	c.logger.Info("like toggled", "op", m.kind.String(), "id", post.ID, "user", c.viewer)

	if pts == nil {
		return nil
	}
	c.issue(&pts.write)
	tally := IncrementFloor(pointsField, delta, 0)
	if err := c.store.Update(ctx, ProfilesCollection, post.Author, tally); err != nil {
		c.rollback("", nil, post.Author, pts)
		return c.fail("points", post.ID, err)
	}
	c.confirmPoints(post.Author, pts)
	return nil
}

// AddComment appends a comment by the viewer to post.
func (c *MutationCoordinator) AddComment(ctx context.Context, post Post, text string) error {
	comment := Comment{Author: c.viewer, Text: text}
	if err := comment.Validate(); err != nil {
		return err
	}
	m := &pendingMutation{kind: mutAddComment, user: c.viewer, comment: comment}
	return c.mutate(ctx, post.ID, m, ArrayAppend(commentsField, comment.Value()))
}

// DeleteComment removes the first comment on post equal to comment. Only
// the viewer's own comments can be deleted.
func (c *MutationCoordinator) DeleteComment(ctx context.Context, post Post, comment Comment) error {
	if comment.Author != c.viewer {
		return fmt.Errorf("deleting comment by %s: %w", comment.Author, ErrNotOwner)
	}
	m := &pendingMutation{kind: mutRemoveComment, user: c.viewer, comment: comment}
	return c.mutate(ctx, post.ID, m, ArrayRemoveFirst(commentsField, comment.Value()))
}

func (c *MutationCoordinator) mutate(ctx context.Context, postID string, m *pendingMutation, op FieldOp) error {
	c.mu.Lock()
	c.posts[postID] = append(c.posts[postID], m)
	turn := c.enqueueLocked(postID)
	c.mu.Unlock()
	c.notify()

	if err := turn.wait(ctx); err != nil {
		c.rollback(postID, m, "", nil)
		return c.fail(m.kind.String(), postID, err)
	}
	defer turn.release()

	c.issue(&m.write)
	if err := c.store.Update(ctx, PostsCollection, postID, op); err != nil {
		c.rollback(postID, m, "", nil)
		return c.fail(m.kind.String(), postID, err)
	}
	c.confirm(postID, m)
	c.logger.Info("comment mutation applied", "op", m.kind.String(), "id", postID, "user", c.viewer)
	return nil
}

func (c *MutationCoordinator) issue(w *writeState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w.issue()
}

// confirm marks m written. An entry a newer snapshot has already covered
// is dropped right away.
func (c *MutationCoordinator) confirm(postID string, m *pendingMutation) {
	c.mu.Lock()
	m.write.confirmed = true
	seen := m.write.seen
	if seen {
		c.setPostsLocked(postID, slices.DeleteFunc(c.posts[postID], func(x *pendingMutation) bool { return x == m }))
	}
	c.mu.Unlock()
	if seen {
		c.notify()
	}
}

func (c *MutationCoordinator) confirmPoints(author string, p *pendingPoints) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.write.confirmed = true
	if c.pointWatches[author] == 0 || p.write.seen {
		c.setPointsLocked(author, slices.DeleteFunc(c.points[author], func(x *pendingPoints) bool { return x == p }))
	}
}

func (c *MutationCoordinator) rollback(postID string, m *pendingMutation, author string, p *pendingPoints) {
	c.mu.Lock()
	if m != nil {
		c.setPostsLocked(postID, slices.DeleteFunc(c.posts[postID], func(x *pendingMutation) bool { return x == m }))
	}
	if p != nil {
		c.setPointsLocked(author, slices.DeleteFunc(c.points[author], func(x *pendingPoints) bool { return x == p }))
	}
	c.mu.Unlock()
	c.notify()
}

func (c *MutationCoordinator) fail(op, postID string, err error) error {
	merr := &MutationError{Op: op, PostID: postID, Err: err}
	c.logger.Warn("mutation rolled back", "op", op, "id", postID, "error", err)

	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(merr)
	}
	return merr
}

func (c *MutationCoordinator) notify() { c.listeners.notify() }
