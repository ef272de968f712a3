package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/PortNumber53/content-calendar/internal/calendar"
	"github.com/PortNumber53/content-calendar/internal/postcache"
	"github.com/PortNumber53/content-calendar/internal/session"
	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://localhost:18911"

type commandContext struct {
	getenv    func(string) string
	apiURL    string
	userID    string
	tz        string
	date      string
	status    string
	highlight string
	verbose   bool
	now       func() time.Time
}

func newRootCommand(getenv func(string) string) *cobra.Command {
	ctx := &commandContext{getenv: getenv, now: time.Now}

	rootCmd := &cobra.Command{
		Use:           "calendarctl",
		Short:         "Browse and manage scheduled posts from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.apiURL, "api", "", "Backend base URL (default $CALENDAR_API_URL or "+defaultAPIURL+")")
	flags.StringVar(&ctx.userID, "user", "", "User id (default $CALENDAR_USER_ID)")
	flags.StringVar(&ctx.tz, "tz", "", "IANA timezone used for display (default local)")
	flags.StringVar(&ctx.date, "date", "", "Anchor date YYYY-MM-DD (default today)")
	flags.StringVar(&ctx.status, "status", "all", "Status filter: all, scheduled, published, partial, failed")
	flags.StringVar(&ctx.highlight, "highlight", "", "Schedule id to jump to and mark")
	flags.BoolVarP(&ctx.verbose, "verbose", "v", false, "Log requests to stderr")

	rootCmd.AddCommand(newViewCommand(ctx, calendar.ViewMonth, "Show the month grid"))
	rootCmd.AddCommand(newViewCommand(ctx, calendar.ViewWeek, "Show the week grid by hour"))
	rootCmd.AddCommand(newViewCommand(ctx, calendar.ViewDay, "Show one day's posts by hour"))
	rootCmd.AddCommand(newCancelCommand(ctx))

	return rootCmd
}

func (c *commandContext) env(key string) string {
	if c.getenv == nil {
		return ""
	}
	return strings.TrimSpace(c.getenv(key))
}

func (c *commandContext) resolveAPI() string {
	if c.apiURL != "" {
		return c.apiURL
	}
	if v := c.env("CALENDAR_API_URL"); v != "" {
		return v
	}
	return defaultAPIURL
}

func (c *commandContext) resolveUser() (string, error) {
	if c.userID != "" {
		return c.userID, nil
	}
	if v := c.env("CALENDAR_USER_ID"); v != "" {
		return v, nil
	}
	return "", errors.New("missing user: pass --user or set CALENDAR_USER_ID")
}

func (c *commandContext) location() (*time.Location, error) {
	if c.tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.tz)
	if err != nil {
		return nil, fmt.Errorf("invalid --tz %q: %w", c.tz, err)
	}
	return loc, nil
}

// watchConfig points the realtime channel at the same backend as the REST calls.
func (c *commandContext) watchConfig(userID string, logger *log.Logger) (*postcache.WatchConfig, error) {
	base := c.resolveAPI()
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid api url %q", base)
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/events/ws"
	u.RawQuery = url.Values{"userId": {userID}}.Encode()
	return &postcache.WatchConfig{
		URL:    u.String(),
		Origin: base,
		Secret: c.env("INTERNAL_WS_SECRET"),
		Logger: logger,
	}, nil
}

// openSession builds the client, cache and session for one command run. With follow set the
// session also watches the backend and reports changes to onChange. The returned close func
// tears all of them down.
func (c *commandContext) openSession(cmd *cobra.Command, follow bool, onChange func(calendar.View)) (*session.Session, *time.Location, func(), error) {
	userID, err := c.resolveUser()
	if err != nil {
		return nil, nil, nil, err
	}
	loc, err := c.location()
	if err != nil {
		return nil, nil, nil, err
	}

	logger := log.New(io.Discard, "", 0)
	if c.verbose {
		logger = log.New(cmd.ErrOrStderr(), "", log.LstdFlags)
	}
	client := postcache.NewClient(c.resolveAPI())
	client.Logger = logger
	var watch *postcache.WatchConfig
	if follow {
		if watch, err = c.watchConfig(userID, logger); err != nil {
			return nil, nil, nil, err
		}
	}
	cache := postcache.NewCache(client)
	cache.Logger = logger

	sess := session.New(session.Options{
		UserID:   userID,
		Cache:    cache,
		Remote:   client,
		Location: loc,
		OnChange: onChange,
		Watch:    watch,
		Now:      c.now,
		Logger:   logger,
	})
	return sess, loc, func() {
		sess.Close()
		cache.Close()
	}, nil
}
