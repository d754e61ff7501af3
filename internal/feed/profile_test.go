package feed_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gnar-go/internal/feed"
	"gnar-go/internal/testutil"
)

func startProfileView(t *testing.T, store feed.DocumentStore, blobs feed.BlobStore, coord *feed.MutationCoordinator, handle string) *feed.ProfileView {
	t.Helper()
	logger := feed.NewNopLogger()
	subs := feed.NewSubscriptionManager(store, logger)
	v := feed.NewProfileView(handle, subs, feed.NewMediaResolver(blobs, logger, time.Second), coord, logger)
	if err := v.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		v.Stop()
		subs.Close()
	})
	return v
}

func TestProfileView(t *testing.T) {
	store := testutil.NewTestStore(t)
	blobs := testutil.NewCountingBlobStore()
	blobs.Put("content/me.jpg", "jpeg")
	ctx := context.Background()
	if err := store.Set(ctx, feed.ProfilesCollection, "alice", feed.Fields{
		"bio":          "shreds",
		"instagram":    "@alice",
		"profileImage": "me.jpg",
		"gnarPoints":   3,
	}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	coord := feed.NewMutationCoordinator(store, "viewer", feed.NewNopLogger())
	v := startProfileView(t, store, blobs, coord, "alice")
	waitFor(t, "profile", func() bool { _, ok := v.Profile(); return ok })

	p, _ := v.Profile()
	want := feed.Profile{
		Handle:          "alice",
		Instagram:       "@alice",
		Bio:             "shreds",
		ProfileImage:    "me.jpg",
		ProfileImageURL: "memory://blobs/content/me.jpg",
		GnarPoints:      3,
	}
	if p != want {
		t.Errorf("Profile() = %+v, want %+v", p, want)
	}

	bio := "sends it"
	if err := feed.UpdateProfile(ctx, store, blobs, "alice", feed.ProfileUpdate{Bio: &bio}); err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	waitFor(t, "updated bio", func() bool { p, _ := v.Profile(); return p.Bio == bio })
	if got := blobs.Calls("content/me.jpg"); got != 1 {
		t.Errorf("profile image resolved %d times, want 1", got)
	}
}

func TestProfileView_Missing(t *testing.T) {
	store := testutil.NewTestStore(t)
	coord := feed.NewMutationCoordinator(store, "viewer", feed.NewNopLogger())
	v := startProfileView(t, store, testutil.NewCountingBlobStore(), coord, "nobody")

	waitFor(t, "profile", func() bool { _, ok := v.Profile(); return ok })
	p, _ := v.Profile()
	if p != (feed.Profile{Handle: "nobody"}) {
		t.Errorf("Profile() = %+v, want empty profile for nobody", p)
	}
}

func TestProfileView_PointsOverlay(t *testing.T) {
	f := newCoordinatorFixture(t, 3)
	v := startProfileView(t, f.store, testutil.NewCountingBlobStore(), f.coord, "alice")
	waitFor(t, "profile", func() bool { p, ok := v.Profile(); return ok && p.GnarPoints == 3 })

	changed := make(chan struct{}, 16)
	v.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	if err := f.coord.ToggleLike(context.Background(), f.post); err != nil {
		t.Fatalf("ToggleLike() error = %v", err)
	}
	waitFor(t, "points 4", func() bool { p, _ := v.Profile(); return p.GnarPoints == 4 })
	waitFor(t, "profile snapshot", func() bool { return len(changed) > 0 })
	if got := f.storedPoints(t); got != 4 {
		t.Errorf("stored points = %d, want 4", got)
	}

	// The confirmed tally is reconciled, so the count is not applied twice.
	time.Sleep(50 * time.Millisecond)
	if p, _ := v.Profile(); p.GnarPoints != 4 {
		t.Errorf("Profile().GnarPoints = %d, want 4", p.GnarPoints)
	}
}

func TestProfileView_SubscriptionError(t *testing.T) {
	store := testutil.NewScriptedStore(testutil.NewTestStore(t))
	coord := feed.NewMutationCoordinator(store, "viewer", feed.NewNopLogger())
	v := startProfileView(t, store, testutil.NewCountingBlobStore(), coord, "alice")

	boom := errors.New("permission denied")
	store.NextStream(t).Fail(boom)
	waitFor(t, "profile error", func() bool { return v.Err() != nil })
	if !errors.Is(v.Err(), boom) {
		t.Errorf("Err() = %v, want %v", v.Err(), boom)
	}
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	email := "alice@example.com"
	longBio := strings.Repeat("x", feed.MaxBioLength+1)
	okBio := strings.Repeat("é", feed.MaxBioLength)

	tests := []struct {
		name    string
		update  feed.ProfileUpdate
		wantErr error
		check   func(t *testing.T, p feed.Profile, blobs *testutil.CountingBlobStore)
	}{
		{
			name:   "fields merge",
			update: feed.ProfileUpdate{Email: &email},
			check: func(t *testing.T, p feed.Profile, _ *testutil.CountingBlobStore) {
				if p.Email != email || p.Bio != "old bio" {
					t.Errorf("profile = %+v, want email set and bio kept", p)
				}
			},
		},
		{
			name:   "bio at limit",
			update: feed.ProfileUpdate{Bio: &okBio},
			check: func(t *testing.T, p feed.Profile, _ *testutil.CountingBlobStore) {
				if p.Bio != okBio {
					t.Errorf("bio = %q, want %q", p.Bio, okBio)
				}
			},
		},
		{
			name:    "bio too long",
			update:  feed.ProfileUpdate{Bio: &longBio},
			wantErr: feed.ErrInvalidProfile,
		},
		{
			name: "image upload",
			update: feed.ProfileUpdate{
				ImageName: "avatar.png",
				Image:     strings.NewReader("png"),
				ImageSize: 3,
			},
			check: func(t *testing.T, p feed.Profile, blobs *testutil.CountingBlobStore) {
				if p.ProfileImage != "avatar.png" {
					t.Errorf("profileImage = %q, want avatar.png", p.ProfileImage)
				}
				if data, ok := blobs.Bytes("content/avatar.png"); !ok || string(data) != "png" {
					t.Errorf("uploaded image = %q, %v", data, ok)
				}
			},
		},
		{
			name:    "image without name",
			update:  feed.ProfileUpdate{Image: strings.NewReader("png"), ImageSize: 3},
			wantErr: feed.ErrInvalidProfile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutil.NewTestStore(t)
			blobs := testutil.NewCountingBlobStore()
			if err := store.Set(ctx, feed.ProfilesCollection, "alice", feed.Fields{"bio": "old bio"}); err != nil {
				t.Fatalf("Set() error = %v", err)
			}

			err := feed.UpdateProfile(ctx, store, blobs, "alice", tt.update)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("UpdateProfile() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("UpdateProfile() error = %v", err)
			}

			rec, err := store.Get(ctx, feed.ProfilesCollection, "alice")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			p, err := feed.DecodeProfile(*rec)
			if err != nil {
				t.Fatalf("DecodeProfile() error = %v", err)
			}
			tt.check(t, p, blobs)
		})
	}
}

func TestUpdateProfile_CreatesProfile(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore(t)
	ig := "@bob"
	if err := feed.UpdateProfile(ctx, store, testutil.NewCountingBlobStore(), "bob", feed.ProfileUpdate{Instagram: &ig}); err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if _, err := store.Get(ctx, feed.ProfilesCollection, "bob"); err != nil {
		t.Errorf("Get() error = %v, want profile created", err)
	}

	if err := feed.UpdateProfile(ctx, store, testutil.NewCountingBlobStore(), "", feed.ProfileUpdate{}); !errors.Is(err, feed.ErrInvalidProfile) {
		t.Errorf("UpdateProfile() with no handle error = %v, want ErrInvalidProfile", err)
	}
}
