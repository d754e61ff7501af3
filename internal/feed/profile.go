package feed

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"
	"unicode/utf8"
)

// ProfileView keeps one profile document live, with its profile image
// resolved through the shared resolver and pending gnar point tallies applied.
type ProfileView struct {
	handle   string
	subs     *SubscriptionManager
	resolver Resolver
	coord    *MutationCoordinator
	logger   Logger

	listeners listenerSet

	mu          sync.Mutex
	profile     *Profile
	err         error
	stopped     bool
	unsubscribe Unsubscribe
	unwatch     func()
}

// NewProfileView creates a view of handle's profile. Call Start to begin.
func NewProfileView(handle string, subs *SubscriptionManager, resolver Resolver, coord *MutationCoordinator, logger Logger) *ProfileView {
	return &ProfileView{
		handle:   handle,
		subs:     subs,
		resolver: resolver,
		coord:    coord,
		logger:   logger,
	}
}

// Start subscribes to the profile document.
func (v *ProfileView) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.unsubscribe != nil {
		return nil
	}

	v.stopped = false
	v.unwatch = v.coord.WatchPoints(v.handle)
	unsub, err := v.subs.Subscribe(ctx, ProfileQuery(v.handle), v.onSnapshot, v.onError)
	if err != nil {
		v.unwatch()
		return fmt.Errorf("starting profile view: %w", err)
	}
	v.unsubscribe = unsub
	return nil
}

// Stop ends the subscription.
func (v *ProfileView) Stop() {
	v.mu.Lock()
	unsub := v.unsubscribe
	unwatch := v.unwatch
	v.unsubscribe = nil
	v.unwatch = nil
	v.stopped = true
	v.mu.Unlock()

	if unsub == nil {
		return
	}
	unsub()
	unwatch()
}

func (v *ProfileView) onSnapshot(ctx context.Context, snap Snapshot) {
	p := Profile{Handle: v.handle}
	if len(snap.Records) > 0 {
		decoded, err := DecodeProfile(snap.Records[0])
		if err != nil {
			v.logger.Warn("skipping undecodable profile", "handle", v.handle, "error", err)
			return
		}
		p = decoded
	}

	if p.ProfileImage != "" {
		url, err := v.resolver.Resolve(ctx, p.ProfileImage)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			v.logger.Warn("profile image resolution failed", "handle", v.handle, "error", err)
		}
		p.ProfileImageURL = url
	}

	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return
	}
	v.profile = &p
	v.coord.ReconcilePoints(v.handle, snap.Seq)
	v.mu.Unlock()

	v.listeners.notify()
}

func (v *ProfileView) onError(err error) {
	v.mu.Lock()
	v.err = err
	v.mu.Unlock()
	v.listeners.notify()
}

// Profile returns the last received profile with pending point tallies
// applied. ok is false until the first snapshot arrives.
func (v *ProfileView) Profile() (p Profile, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.profile == nil {
		return Profile{}, false
	}
	p = *v.profile
	p.GnarPoints = v.coord.Points(v.handle, p.GnarPoints)
	return p, true
}

// Err returns the subscription error that killed the view, if any.
func (v *ProfileView) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// OnChange registers fn to run after every profile update or error.
func (v *ProfileView) OnChange(fn func()) func() {
	return v.listeners.add(fn)
}

// ProfileUpdate carries the editable profile fields. Nil fields are left unchanged.
type ProfileUpdate struct {
	Email     *string
	Instagram *string
	Bio       *string

	// Image, when set, is uploaded under ImageName and becomes the profile image.
	ImageName string
	Image     io.Reader
	ImageSize int64
}

// UpdateProfile merges update into handle's profile, creating it if needed.
func UpdateProfile(ctx context.Context, store DocumentStore, blobs BlobStore, handle string, update ProfileUpdate) error {
	if handle == "" {
		return fmt.Errorf("%w: missing handle", ErrInvalidProfile)
	}

	fields := Fields{}
	if update.Email != nil {
		fields["email"] = *update.Email
	}
	if update.Instagram != nil {
		fields["instagram"] = *update.Instagram
	}
	if update.Bio != nil {
		if n := utf8.RuneCountInString(*update.Bio); n > MaxBioLength {
			return fmt.Errorf("%w: bio is %d characters, limit is %d", ErrInvalidProfile, n, MaxBioLength)
		}
		fields["bio"] = *update.Bio
	}
	if update.Image != nil {
		if update.ImageName == "" {
			return fmt.Errorf("%w: profile image has no name", ErrInvalidProfile)
		}
		if err := blobs.Upload(ctx, path.Join(MediaPrefix, update.ImageName), update.Image, update.ImageSize); err != nil {
			return fmt.Errorf("uploading profile image: %w", err)
		}
		fields["profileImage"] = update.ImageName
	}

	if err := store.Set(ctx, ProfilesCollection, handle, fields); err != nil {
		return fmt.Errorf("saving profile %s: %w", handle, err)
	}
	return nil
}
