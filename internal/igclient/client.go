package igclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"growpilot/internal/metrics"
)

// Client is the capability surface of the platform the bot relies on.
type Client interface {
	Login(ctx context.Context, username, password string) (User, error)
	LoginWithSession(ctx context.Context, blob []byte) error
	CurrentUser(ctx context.Context) (User, error)
	SerializeSession() ([]byte, error)
	Follow(ctx context.Context, userID string) error
	Like(ctx context.Context, mediaID string) error
	ListFollowers(ctx context.Context, userID string, limit int) ([]User, error)
	LatestPosts(ctx context.Context, userID string) ([]Media, error)
	StoryTray(ctx context.Context) ([]Reel, error)
	SearchExactUsername(ctx context.Context, username string) (User, error)
}

type User struct {
	ID             string
	Username       string
	FullName       string
	IsPrivate      bool
	FollowerCount  int
	FollowingCount int
}

type Media struct {
	ID        string
	Code      string
	LikeCount int
	TakenAt   time.Time
}

// Reel is one entry of the story tray.
type Reel struct {
	ID        string
	UserID    string
	Username  string
	ItemCount int
}

// Options tune an HTTPClient. Zero values fall back to defaults.
type Options struct {
	BaseURL     string
	UserAgent   string
	AppID       string
	RPS         float64
	Burst       int
	MaxAttempts int
	BaseBackoff time.Duration
	HTTPClient  *http.Client
}

// HTTPClient talks to the private mobile API. One client holds one account's session.
type HTTPClient struct {
	baseURL     string
	userAgent   string
	appID       string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration

	mu   sync.Mutex
	sess sessionBlob
}

func NewHTTPClient(o Options) *HTTPClient {
	c := &HTTPClient{
		baseURL:     strings.TrimRight(o.BaseURL, "/"),
		userAgent:   o.UserAgent,
		appID:       o.AppID,
		httpClient:  o.HTTPClient,
		limiter:     newLimiter(o.RPS, o.Burst),
		maxAttempts: o.MaxAttempts,
		baseBackoff: o.BaseBackoff,
		sess:        sessionBlob{UUIDs: newDeviceIDs()},
	}
	if c.baseURL == "" {
		c.baseURL = "https://i.instagram.com/api/v1"
	}
	if c.userAgent == "" {
		c.userAgent = "Instagram 269.0.0.18.75 Android (26/8.0.0; 480dpi; 1080x1920; OnePlus; 6T Dev; devitron; qcom; en_US; 314665256)"
	}
	if c.appID == "" {
		c.appID = "567067343352427"
	}
	if c.httpClient == nil {
		jar, _ := cookiejar.New(nil)
		c.httpClient = &http.Client{Timeout: 30 * time.Second, Jar: jar}
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.baseBackoff <= 0 {
		c.baseBackoff = time.Second
	}
	return c
}

var _ Client = (*HTTPClient)(nil)

func (c *HTTPClient) Login(ctx context.Context, username, password string) (User, error) {
	if username == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}
	c.mu.Lock()
	ids := c.sess.UUIDs
	c.mu.Unlock()
	form := url.Values{}
	form.Set("username", username)
	form.Set("enc_password", fmt.Sprintf("#PWD_INSTAGRAM:0:%d:%s", time.Now().Unix(), password))
	form.Set("guid", ids.UUID)
	form.Set("phone_id", ids.PhoneID)
	form.Set("device_id", ids.AndroidDeviceID)
	form.Set("adid", ids.AdvertisingID)
	form.Set("login_attempt_count", "0")

	var raw struct {
		LoggedInUser rawUser `json:"logged_in_user"`
	}
	hdr, err := c.call(ctx, http.MethodPost, "/accounts/login/", form, &raw)
	if err != nil {
		return User{}, err
	}
	auth, err := parseAuthHeader(hdr.Get("Ig-Set-Authorization"))
	if err != nil || !auth.valid() {
		// Older answers only set cookies.
		auth = authData{DSUserID: raw.LoggedInUser.PK.String(), SessionID: c.cookie("sessionid")}
	}
	if !auth.valid() {
		return User{}, &APIError{Status: http.StatusOK, Message: "login answer carried no session", kind: ErrSessionExpired}
	}
	c.mu.Lock()
	c.sess.AuthorizationData = auth
	c.sess.UserAgent = c.userAgent
	c.sess.LastLogin = time.Now().Unix()
	c.mu.Unlock()
	return raw.LoggedInUser.user(), nil
}

// LoginWithSession restores device identifiers and authorization from blob and
// verifies them against the current-user endpoint.
func (c *HTTPClient) LoginWithSession(ctx context.Context, blob []byte) error {
	s, err := decodeSession(blob)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	c.mu.Lock()
	c.sess = s
	if s.UserAgent != "" {
		c.userAgent = s.UserAgent
	}
	c.mu.Unlock()
	if _, err := c.CurrentUser(ctx); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("verify session: %w", ErrSessionExpired)
		}
		return fmt.Errorf("verify session: %w", err)
	}
	return nil
}

func (c *HTTPClient) SerializeSession() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sess.AuthorizationData.valid() {
		return nil, errors.New("not logged in")
	}
	s := c.sess
	if c.httpClient.Jar != nil {
		if u, err := url.Parse(c.baseURL); err == nil {
			for _, ck := range c.httpClient.Jar.Cookies(u) {
				if s.Cookies == nil {
					s.Cookies = map[string]string{}
				}
				s.Cookies[ck.Name] = ck.Value
			}
		}
	}
	return s.encode()
}

func (c *HTTPClient) CurrentUser(ctx context.Context) (User, error) {
	var raw struct {
		User rawUser `json:"user"`
	}
	if _, err := c.call(ctx, http.MethodGet, "/accounts/current_user/?edit=true", nil, &raw); err != nil {
		return User{}, err
	}
	return raw.User.user(), nil
}

func (c *HTTPClient) Follow(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("empty user id")
	}
	form := url.Values{}
	form.Set("user_id", userID)
	_, err := c.call(ctx, http.MethodPost, "/friendships/create/"+url.PathEscape(userID)+"/", form, nil)
	return err
}

func (c *HTTPClient) Like(ctx context.Context, mediaID string) error {
	if mediaID == "" {
		return errors.New("empty media id")
	}
	form := url.Values{}
	form.Set("media_id", mediaID)
	_, err := c.call(ctx, http.MethodPost, "/media/"+url.PathEscape(mediaID)+"/like/", form, nil)
	return err
}

func (c *HTTPClient) ListFollowers(ctx context.Context, userID string, limit int) ([]User, error) {
	var raw struct {
		Users []rawUser `json:"users"`
	}
	p := fmt.Sprintf("/friendships/%s/followers/?count=%d", url.PathEscape(userID), clamp(limit, 1, 200))
	if _, err := c.call(ctx, http.MethodGet, p, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]User, 0, len(raw.Users))
	for _, u := range raw.Users {
		out = append(out, u.user())
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LatestPosts returns the first page of the user's feed, newest first.
func (c *HTTPClient) LatestPosts(ctx context.Context, userID string) ([]Media, error) {
	var raw struct {
		Items []struct {
			ID        flexID `json:"id"`
			Code      string `json:"code"`
			LikeCount int    `json:"like_count"`
			TakenAt   int64  `json:"taken_at"`
		} `json:"items"`
	}
	if _, err := c.call(ctx, http.MethodGet, "/feed/user/"+url.PathEscape(userID)+"/", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Media, 0, len(raw.Items))
	for _, it := range raw.Items {
		out = append(out, Media{ID: it.ID.String(), Code: it.Code, LikeCount: it.LikeCount, TakenAt: time.Unix(it.TakenAt, 0).UTC()})
	}
	return out, nil
}

func (c *HTTPClient) StoryTray(ctx context.Context) ([]Reel, error) {
	var raw struct {
		Tray []struct {
			ID    flexID  `json:"id"`
			User  rawUser `json:"user"`
			Items []struct {
				ID flexID `json:"id"`
			} `json:"items"`
			MediaCount int `json:"media_count"`
		} `json:"tray"`
	}
	if _, err := c.call(ctx, http.MethodGet, "/feed/reels_tray/", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Reel, 0, len(raw.Tray))
	for _, r := range raw.Tray {
		n := len(r.Items)
		if n == 0 {
			n = r.MediaCount
		}
		out = append(out, Reel{ID: r.ID.String(), UserID: r.User.PK.String(), Username: r.User.Username, ItemCount: n})
	}
	return out, nil
}

func (c *HTTPClient) SearchExactUsername(ctx context.Context, username string) (User, error) {
	if username == "" {
		return User{}, errors.New("empty username")
	}
	var raw struct {
		User rawUser `json:"user"`
	}
	if _, err := c.call(ctx, http.MethodGet, "/users/"+url.PathEscape(username)+"/usernameinfo/", nil, &raw); err != nil {
		return User{}, err
	}
	u := raw.User.user()
	if u.ID == "" {
		return User{}, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	return u, nil
}

type rawUser struct {
	PK             flexID `json:"pk"`
	Username       string `json:"username"`
	FullName       string `json:"full_name"`
	IsPrivate      bool   `json:"is_private"`
	FollowerCount  int    `json:"follower_count"`
	FollowingCount int    `json:"following_count"`
}

func (r rawUser) user() User {
	return User{ID: r.PK.String(), Username: r.Username, FullName: r.FullName, IsPrivate: r.IsPrivate, FollowerCount: r.FollowerCount, FollowingCount: r.FollowingCount}
}

// flexID decodes ids sent either as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	*f = flexID(s)
	return nil
}

func (f flexID) String() string { return string(f) }

// call sends one API request under the limiter and decodes the JSON answer into out.
func (c *HTTPClient) call(ctx context.Context, method, path string, form url.Values, out any) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var body []byte
	if form != nil {
		body = []byte(form.Encode())
	}
	newReq := func() (*http.Request, error) {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
		if err != nil {
			return nil, err
		}
		c.headers(req)
		if body != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
		}
		return req, nil
	}
	resp, err := c.doWithRetry(ctx, endpointLabel(path), newReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		return nil, &APIError{Status: resp.StatusCode, Type: eb.ErrorType, Message: eb.Message, kind: classify(resp.StatusCode, eb)}
	}
	// 200 with status=fail happens for soft blocks.
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil && eb.Status == "fail" {
		return nil, &APIError{Status: resp.StatusCode, Type: eb.ErrorType, Message: eb.Message, kind: classify(resp.StatusCode, eb)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.Header, nil
}

func (c *HTTPClient) headers(req *http.Request) {
	c.mu.Lock()
	s := c.sess
	ua := c.userAgent
	c.mu.Unlock()
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-IG-App-ID", c.appID)
	req.Header.Set("X-IG-Device-ID", s.UUIDs.UUID)
	req.Header.Set("X-IG-Android-ID", s.UUIDs.AndroidDeviceID)
	if s.AuthorizationData.valid() {
		req.Header.Set("Authorization", s.AuthorizationData.header())
	}
}

func (c *HTTPClient) cookie(name string) string {
	if c.httpClient.Jar == nil {
		return ""
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	for _, ck := range c.httpClient.Jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

// endpointLabel keeps only the first path segment so ids never become label values.
func endpointLabel(path string) string {
	p := strings.TrimPrefix(path, "/")
	if i := strings.IndexAny(p, "/?"); i >= 0 {
		p = p[:i]
	}
	return "/" + p
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// doWithRetry retries network failures and 5xx answers with exponential backoff.
// 429 is returned to the caller: the bot's own cool-down handles throttling.
func (c *HTTPClient) doWithRetry(ctx context.Context, endpoint string, newReq func() (*http.Request, error)) (*http.Response, error) {
	backoff := c.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err == nil {
			if resp.StatusCode < 500 || attempt == c.maxAttempts {
				return resp, nil
			}
			wait := backoff
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil {
					wait = time.Duration(secs) * time.Second
				}
			}
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			backoff = wait
		} else {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		}
		if attempt == c.maxAttempts {
			break
		}
		metrics.IncAPIRetry(endpoint)
		// jitter +/-20%
		wait := backoff
		if jitter := time.Duration(float64(wait) * 0.2); jitter > 0 {
			wait = wait - jitter + time.Duration(time.Now().UnixNano()%int64(2*jitter))
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxAttempts, lastErr)
}
