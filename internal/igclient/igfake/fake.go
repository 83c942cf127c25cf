// Package igfake is an in-memory igclient.Client for tests.
package igfake

import (
	"context"
	"fmt"
	"sync"

	"growpilot/internal/igclient"
)

// Client answers from its fields and records what was called. Safe for concurrent use.
type Client struct {
	mu sync.Mutex

	Me         igclient.User
	LoginErr   error
	SessionErr error
	Blob       []byte

	// Users by username for SearchExactUsername.
	Users     map[string]igclient.User
	Followers map[string][]igclient.User
	Posts     map[string][]igclient.Media
	Tray      []igclient.Reel

	FollowErr  error
	LikeErr    error
	ScrapeErr  error
	TrayErr    error
	CurrentErr error

	// Block, when set, makes logins and actions wait for ctx to end.
	Block bool

	Logins        int
	SessionLogins int
	Searches      int
	FollowerCalls int
	TrayCalls     int
	Followed      []string
	Liked         []string
	LastBlob      []byte
}

func New() *Client {
	return &Client{
		Me:        igclient.User{ID: "1000", Username: "me", FollowerCount: 10, FollowingCount: 20},
		Blob:      []byte(`{"authorization_data":{"ds_user_id":"1000","sessionid":"s"}}`),
		Users:     map[string]igclient.User{},
		Followers: map[string][]igclient.User{},
		Posts:     map[string][]igclient.Media{},
	}
}

var _ igclient.Client = (*Client)(nil)

func (c *Client) wait(ctx context.Context) error {
	c.mu.Lock()
	block := c.Block
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return ctx.Err()
}

func (c *Client) Login(ctx context.Context, username, password string) (igclient.User, error) {
	if err := c.wait(ctx); err != nil {
		return igclient.User{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Logins++
	if c.LoginErr != nil {
		return igclient.User{}, c.LoginErr
	}
	return c.Me, nil
}

func (c *Client) LoginWithSession(ctx context.Context, blob []byte) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SessionLogins++
	c.LastBlob = append([]byte(nil), blob...)
	return c.SessionErr
}

func (c *Client) CurrentUser(ctx context.Context) (igclient.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Me, c.CurrentErr
}

func (c *Client) SerializeSession() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.Blob...), nil
}

func (c *Client) Follow(ctx context.Context, userID string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FollowErr != nil {
		return c.FollowErr
	}
	c.Followed = append(c.Followed, userID)
	return nil
}

func (c *Client) Like(ctx context.Context, mediaID string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LikeErr != nil {
		return c.LikeErr
	}
	c.Liked = append(c.Liked, mediaID)
	return nil
}

func (c *Client) ListFollowers(ctx context.Context, userID string, limit int) ([]igclient.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FollowerCalls++
	if c.ScrapeErr != nil {
		return nil, c.ScrapeErr
	}
	out := c.Followers[userID]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]igclient.User(nil), out...), nil
}

func (c *Client) LatestPosts(ctx context.Context, userID string) ([]igclient.Media, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]igclient.Media(nil), c.Posts[userID]...), nil
}

func (c *Client) StoryTray(ctx context.Context) ([]igclient.Reel, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TrayCalls++
	return append([]igclient.Reel(nil), c.Tray...), c.TrayErr
}

func (c *Client) SearchExactUsername(ctx context.Context, username string) (igclient.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Searches++
	u, ok := c.Users[username]
	if !ok {
		return igclient.User{}, fmt.Errorf("user %s: %w", username, igclient.ErrNotFound)
	}
	return u, nil
}

// Counts returns a snapshot of the recorded follows and likes.
func (c *Client) Counts() (followed, liked []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Followed...), append([]string(nil), c.Liked...)
}

// Set runs f under the client's lock, for changing answers while a loop runs.
func (c *Client) Set(f func(c *Client)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f(c)
}
