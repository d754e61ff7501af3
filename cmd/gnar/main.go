package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gnar-go/internal/app"
	"gnar-go/internal/config"
	"gnar-go/internal/feed"
	"gnar-go/internal/viewbridge"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// profileWait bounds how long `profile show` waits for the first snapshot.
const profileWait = 10 * time.Second

var verbose bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newSession reads the config and creates a Session. The caller must defer s.Close().
func newSession(ctx context.Context) (*app.Session, error) {
	paths, err := app.ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("resolving paths: %w", err)
	}

	cfg, err := config.ReadFromFile(paths.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var opts app.SessionOptions
	if verbose {
		opts.Console = os.Stderr
	}
	s, err := app.NewSession(ctx, cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing session: %w", err)
	}
	return s, nil
}

// interruptContext returns a context cancelled on SIGINT or SIGTERM.
func interruptContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

var rootCmd = &cobra.Command{
	Use:          "gnar",
	Short:        "Live feed of skiing and riding posts",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init HANDLE",
	Short: "Initialize configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.ResolvePaths()
		if err != nil {
			return fmt.Errorf("failed to resolve paths: %w", err)
		}

		cfg := config.NewConfig(args[0], paths.BaseDir)
		if err := config.Init(paths.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigPath)
		fmt.Printf("Handle:   %s\n", cfg.Handle)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.ResolvePaths()
		if err != nil {
			return fmt.Errorf("failed to resolve paths: %w", err)
		}

		cfg, err := config.ReadFromFile(paths.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", paths.ConfigPath)
		fmt.Printf("Handle:   %s\n", cfg.Handle)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:  %s\n", cfg.LogDir)
		fmt.Printf("Store:    %s %s %s\n", cfg.Store.Type, cfg.Store.Driver, cfg.Store.DataDir)
		switch cfg.Blob.Type {
		case "s3":
			fmt.Printf("Blobs:    s3://%s/%s (url ttl %s)\n", cfg.Blob.S3Bucket, cfg.Blob.S3Prefix, cfg.Blob.URLTTL.Duration)
		case "filesystem":
			fmt.Printf("Blobs:    filesystem %s\n", cfg.Blob.FSRoot)
		default:
			fmt.Printf("Blobs:    %s\n", cfg.Blob.Type)
		}
		fmt.Printf("Bridge:   %s\n", cfg.Bridge.ListenAddr)
		return nil
	},
}

// post command
var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Create and delete posts",
}

var postCreateCmd = &cobra.Command{
	Use:   "create TEXT",
	Short: "Publish a post",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mediaPath, _ := cmd.Flags().GetString("media")
		tag, _ := cmd.Flags().GetString("tag")

		s, err := newSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		np := feed.NewPost{Author: s.Handle(), Text: args[0], Tag: tag}
		if mediaPath != "" {
			f, err := os.Open(mediaPath)
			if err != nil {
				return fmt.Errorf("opening media: %w", err)
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return fmt.Errorf("reading media: %w", err)
			}
			np.MediaName = uuid.New().String() + filepath.Ext(mediaPath)
			np.Media = f
			np.MediaSize = info.Size()
		}

		id, err := s.Posts().Create(cmd.Context(), np)
		if err != nil {
			return err
		}
		fmt.Printf("Posted %s\n", id)
		return nil
	},
}

var postDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete one of your posts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Posts().Delete(cmd.Context(), s.Handle(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

// feed command
var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Browse feeds",
}

var feedWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a feed live until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		author, _ := cmd.Flags().GetString("author")
		tag, _ := cmd.Flags().GetString("tag")
		if author != "" && tag != "" {
			return errors.New("--author and --tag are mutually exclusive")
		}

		ctx, stop := interruptContext(cmd)
		defer stop()

		s, err := newSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		var f *feed.Feed
		switch {
		case author != "":
			f = s.AuthorFeed(author)
		case tag != "":
			f = s.TagFeed(tag)
		default:
			f = s.HomeFeed()
		}
		return watch(ctx, f, s.Handle(), os.Stdout)
	},
}

// like commands
var likeCmd = &cobra.Command{
	Use:   "like ID",
	Short: "Like a post",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setLike(cmd.Context(), args[0], true)
	},
}

var unlikeCmd = &cobra.Command{
	Use:   "unlike ID",
	Short: "Remove your like from a post",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setLike(cmd.Context(), args[0], false)
	},
}

func setLike(ctx context.Context, id string, liked bool) error {
	s, err := newSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	post, err := loadPost(ctx, s, id)
	if err != nil {
		return err
	}
	return s.Coordinator().SetLike(ctx, post, liked)
}

func loadPost(ctx context.Context, s *app.Session, id string) (feed.Post, error) {
	rec, err := s.Store().Get(ctx, feed.PostsCollection, id)
	if err != nil {
		return feed.Post{}, fmt.Errorf("finding post: %w", err)
	}
	return feed.DecodePost(*rec)
}

// comment command
var commentCmd = &cobra.Command{
	Use:   "comment",
	Short: "Comment on posts",
}

var commentAddCmd = &cobra.Command{
	Use:   "add ID TEXT",
	Short: "Comment on a post",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := newSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		post, err := loadPost(ctx, s, args[0])
		if err != nil {
			return err
		}
		return s.Coordinator().AddComment(ctx, post, args[1])
	},
}

var commentDeleteCmd = &cobra.Command{
	Use:   "delete ID TEXT",
	Short: "Delete one of your comments",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := newSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		post, err := loadPost(ctx, s, args[0])
		if err != nil {
			return err
		}
		return s.Coordinator().DeleteComment(ctx, post, feed.Comment{Author: s.Handle(), Text: args[1]})
	},
}

// profile command
var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "View and edit profiles",
}

var profileShowCmd = &cobra.Command{
	Use:   "show [HANDLE]",
	Short: "Show a profile",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), profileWait)
		defer cancel()

		s, err := newSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		handle := s.Handle()
		if len(args) > 0 {
			handle = args[0]
		}

		v := s.Profile(handle)
		defer s.ReleaseProfile(v)
		ready := make(chan struct{}, 1)
		v.OnChange(func() {
			select {
			case ready <- struct{}{}:
			default:
			}
		})
		if err := v.Start(ctx); err != nil {
			return err
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return fmt.Errorf("waiting for profile %s: %w", handle, ctx.Err())
		}
		if err := v.Err(); err != nil {
			return err
		}

		p, _ := v.Profile()
		printProfile(os.Stdout, p)
		return nil
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Edit your profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		var update feed.ProfileUpdate
		flags := cmd.Flags()
		if flags.Changed("bio") {
			v, _ := flags.GetString("bio")
			update.Bio = &v
		}
		if flags.Changed("email") {
			v, _ := flags.GetString("email")
			update.Email = &v
		}
		if flags.Changed("instagram") {
			v, _ := flags.GetString("instagram")
			update.Instagram = &v
		}

		s, err := newSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if imagePath, _ := flags.GetString("image"); imagePath != "" {
			f, err := os.Open(imagePath)
			if err != nil {
				return fmt.Errorf("opening image: %w", err)
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return fmt.Errorf("reading image: %w", err)
			}
			update.ImageName = uuid.New().String() + filepath.Ext(imagePath)
			update.Image = f
			update.ImageSize = info.Size()
		}

		if err := s.UpdateProfile(cmd.Context(), update); err != nil {
			return err
		}
		fmt.Println("Profile updated")
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve live feeds to renderers over websockets",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptContext(cmd)
		defer stop()

		s, err := newSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = s.Config().Bridge.ListenAddr
		}
		if addr == "" {
			addr = config.DefaultListenAddr
		}

		fmt.Printf("Serving feeds on ws://%s%s\n", addr, viewbridge.FeedPath)
		return viewbridge.NewServer(s, s.Logger(), viewbridge.Options{}).ListenAndServe(ctx, addr)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Copy log output to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// post subcommands
	postCmd.AddCommand(postCreateCmd)
	postCmd.AddCommand(postDeleteCmd)
	postCreateCmd.Flags().StringP("media", "m", "", "Image or video file to attach")
	postCreateCmd.Flags().StringP("tag", "t", "", "Tag the post, e.g. "+app.GearTag)

	// feed subcommands
	feedCmd.AddCommand(feedWatchCmd)
	feedWatchCmd.Flags().String("author", "", "Only show posts by this handle")
	feedWatchCmd.Flags().String("tag", "", "Only show posts with this tag")

	// comment subcommands
	commentCmd.AddCommand(commentAddCmd)
	commentCmd.AddCommand(commentDeleteCmd)

	// profile subcommands
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileSetCmd)
	profileSetCmd.Flags().String("bio", "", "Short bio")
	profileSetCmd.Flags().String("email", "", "Contact email")
	profileSetCmd.Flags().String("instagram", "", "Instagram handle")
	profileSetCmd.Flags().String("image", "", "Profile image file")

	serveCmd.Flags().String("addr", "", "Listen address (default from config)")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(postCmd)
	rootCmd.AddCommand(feedCmd)
	rootCmd.AddCommand(likeCmd)
	rootCmd.AddCommand(unlikeCmd)
	rootCmd.AddCommand(commentCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(serveCmd)
}
