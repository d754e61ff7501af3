package feed

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"time"
	"unicode/utf8"
)

const (
	// MaxPostLength bounds the body of a post, in runes.
	MaxPostLength = 280

	// MaxCommentLength bounds the body of a comment, in runes.
	MaxCommentLength = 280

	// MaxBioLength bounds a profile bio, in runes.
	MaxBioLength = 100
)

// Comment is a single comment on a post. Comments have no identity of their
// own: two comments with the same author and text are indistinguishable.
type Comment struct {
	Author string `json:"username"`
	Text   string `json:"text"`
}

// Post is the client-side projection of a stored post document.
type Post struct {
	ID        string
	Author    string
	Text      string
	Filename  string
	Tag       string
	CreatedAt *time.Time
	Comments  []Comment
	Likers    []string
}

// postDoc is the stored shape of a post.
type postDoc struct {
	Username string    `json:"username"`
	Text     string    `json:"text"`
	Filename string    `json:"filename"`
	Tag      string    `json:"tag,omitempty"`
	Comments []Comment `json:"comments"`
	Likes    []string  `json:"likes"`
}

// DecodePost converts a stored record into a Post.
func DecodePost(rec Record) (Post, error) {
	var doc postDoc
	if err := decodeFields(rec.Fields, &doc); err != nil {
		return Post{}, fmt.Errorf("decoding post %s: %w", rec.ID, err)
	}
	return Post{
		ID:        rec.ID,
		Author:    doc.Username,
		Text:      doc.Text,
		Filename:  doc.Filename,
		Tag:       doc.Tag,
		CreatedAt: rec.CreatedAt,
		Comments:  doc.Comments,
		Likers:    doc.Likes,
	}, nil
}

// Fields returns the stored representation of the post's content.
func (p Post) Fields() Fields {
	comments := p.Comments
	if comments == nil {
		comments = []Comment{}
	}
	likes := p.Likers
	if likes == nil {
		likes = []string{}
	}
	f := Fields{
		"username": p.Author,
		"text":     p.Text,
		"filename": p.Filename,
		"comments": commentValues(comments),
		"likes":    stringValues(likes),
	}
	if p.Tag != "" {
		f["tag"] = p.Tag
	}
	return f
}

// LikedBy reports whether user is in the post's likers set.
func (p Post) LikedBy(user string) bool {
	return slices.Contains(p.Likers, user)
}

// Clone returns a copy of p that shares no slices with it.
func (p Post) Clone() Post {
	p.Comments = slices.Clone(p.Comments)
	p.Likers = slices.Clone(p.Likers)
	return p
}

// Validate checks the post body length.
func (p Post) Validate() error {
	if p.Author == "" {
		return fmt.Errorf("%w: missing author", ErrInvalidPost)
	}
	if n := utf8.RuneCountInString(p.Text); n > MaxPostLength {
		return fmt.Errorf("%w: body is %d characters, limit is %d", ErrInvalidPost, n, MaxPostLength)
	}
	return nil
}

// Validate checks the comment body.
func (c Comment) Validate() error {
	if c.Author == "" {
		return fmt.Errorf("%w: comment has no author", ErrInvalidPost)
	}
	if c.Text == "" {
		return fmt.Errorf("%w: comment is empty", ErrInvalidPost)
	}
	if n := utf8.RuneCountInString(c.Text); n > MaxCommentLength {
		return fmt.Errorf("%w: comment is %d characters, limit is %d", ErrInvalidPost, n, MaxCommentLength)
	}
	return nil
}

// Value returns the stored representation of the comment.
func (c Comment) Value() map[string]any {
	return map[string]any{"username": c.Author, "text": c.Text}
}

// MediaKind tells the renderer how to present a post's media.
type MediaKind int

const (
	MediaNone MediaKind = iota
	MediaImage
	MediaVideo
)

func (k MediaKind) String() string {
	switch k {
	case MediaImage:
		return "image"
	case MediaVideo:
		return "video"
	default:
		return "none"
	}
}

func (k MediaKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *MediaKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "none":
		*k = MediaNone
	case "image":
		*k = MediaImage
	case "video":
		*k = MediaVideo
	default:
		return fmt.Errorf("unknown media kind %q", text)
	}
	return nil
}

var videoPattern = regexp.MustCompile(`(?i)\.(mp4|mov)(\?.*)?(#.*)?$`)

// MediaKindOf classifies a media filename or URL by its extension.
func MediaKindOf(name string) MediaKind {
	switch {
	case name == "":
		return MediaNone
	case videoPattern.MatchString(name):
		return MediaVideo
	default:
		return MediaImage
	}
}

// FeedItem is a post joined with its resolved media and visibility, ready to render.
type FeedItem struct {
	Post      Post
	MediaURL  string
	MediaKind MediaKind
	InView    bool
}

// Key returns the identifier the view layer uses for the item.
func (i FeedItem) Key() string { return i.Post.ID }

// Profile is the client-side projection of a stored profile document.
type Profile struct {
	Handle          string
	Email           string
	Instagram       string
	Bio             string
	ProfileImage    string
	ProfileImageURL string
	GnarPoints      int64
}

type profileDoc struct {
	Email        string `json:"email"`
	Instagram    string `json:"instagram"`
	Bio          string `json:"bio"`
	ProfileImage string `json:"profileImage"`
	GnarPoints   int64  `json:"gnarPoints"`
}

// DecodeProfile converts a stored record into a Profile.
func DecodeProfile(rec Record) (Profile, error) {
	var doc profileDoc
	if err := decodeFields(rec.Fields, &doc); err != nil {
		return Profile{}, fmt.Errorf("decoding profile %s: %w", rec.ID, err)
	}
	return Profile{
		Handle:       rec.ID,
		Email:        doc.Email,
		Instagram:    doc.Instagram,
		Bio:          doc.Bio,
		ProfileImage: doc.ProfileImage,
		GnarPoints:   doc.GnarPoints,
	}, nil
}

func decodeFields(fields Fields, v any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func commentValues(comments []Comment) []any {
	out := make([]any, len(comments))
	for i, c := range comments {
		out[i] = c.Value()
	}
	return out
}

func stringValues(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
