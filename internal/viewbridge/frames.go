package viewbridge

import (
	"time"

	"gnar-go/internal/feed"
)

// Outbound frame types.
const (
	frameItems = "items"
	frameError = "error"
)

// Inbound message types.
const (
	msgVisible       = "visible"
	msgAreas         = "areas"
	msgFocus         = "focus"
	msgBlur          = "blur"
	msgLike          = "like"
	msgUnlike        = "unlike"
	msgCommentAdd    = "comment_add"
	msgCommentDelete = "comment_delete"
)

// itemsMessage carries the full rendered feed.
type itemsMessage struct {
	Type  string      `json:"type"`
	Items []itemFrame `json:"items"`
}

// errorMessage reports a failed renderer action or a dead subscription.
type errorMessage struct {
	Type   string `json:"type"`
	Op     string `json:"op"`
	PostID string `json:"post_id,omitempty"`
	Error  string `json:"error"`
}

type itemFrame struct {
	ID        string         `json:"id"`
	Author    string         `json:"author"`
	Text      string         `json:"text"`
	Tag       string         `json:"tag,omitempty"`
	CreatedAt *time.Time     `json:"created_at,omitempty"`
	MediaURL  string         `json:"media_url,omitempty"`
	MediaKind feed.MediaKind `json:"media_kind"`
	InView    bool           `json:"in_view"`
	Likes     int            `json:"likes"`
	Liked     bool           `json:"liked"`
	Comments  []feed.Comment `json:"comments"`
}

// inMessage is a message received from the renderer. Which fields are set
// depends on Type.
type inMessage struct {
	Type   string             `json:"type"`
	Keys   []string           `json:"keys,omitempty"`
	Areas  map[string]float64 `json:"areas,omitempty"`
	PostID string             `json:"post_id,omitempty"`
	Text   string             `json:"text,omitempty"`
}

func itemsFrame(items []feed.FeedItem, viewer string) itemsMessage {
	out := make([]itemFrame, len(items))
	for i, it := range items {
		comments := it.Post.Comments
		if comments == nil {
			comments = []feed.Comment{}
		}
		out[i] = itemFrame{
			ID:        it.Post.ID,
			Author:    it.Post.Author,
			Text:      it.Post.Text,
			Tag:       it.Post.Tag,
			CreatedAt: it.Post.CreatedAt,
			MediaURL:  it.MediaURL,
			MediaKind: it.MediaKind,
			InView:    it.InView,
			Likes:     len(it.Post.Likers),
			Liked:     it.Post.LikedBy(viewer),
			Comments:  comments,
		}
	}
	return itemsMessage{Type: frameItems, Items: out}
}

func errorFrame(op, postID string, err error) errorMessage {
	return errorMessage{Type: frameError, Op: op, PostID: postID, Error: err.Error()}
}
