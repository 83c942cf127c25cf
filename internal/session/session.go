package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"growpilot/internal/igclient"
	"growpilot/internal/logging"
	"growpilot/internal/model"
)

// Credentials identify one remote account. Either Password or SessionBlob must be set;
// when both are empty the stored session of the account is reused.
type Credentials struct {
	Username    string
	Password    string
	SessionBlob []byte
}

// Store is the persistence the manager needs.
type Store interface {
	GetAccount(ctx context.Context, accountID int64) (*model.Account, error)
	UpsertAccount(ctx context.Context, a model.Account) error
	UpdateSession(ctx context.Context, accountID int64, blob string, loginAt time.Time, followers, following int) error
}

// Factory creates an unauthenticated client for one account.
type Factory func() igclient.Client

// Manager logs accounts in and keeps their stored session current.
type Manager struct {
	db         Store
	newClient  Factory
	bcryptCost int
	now        func() time.Time
}

func NewManager(db Store, newClient Factory) *Manager {
	return &Manager{db: db, newClient: newClient, bcryptCost: bcrypt.DefaultCost, now: time.Now}
}

// WithBcryptCost sets the cost used to hash stored passwords.
func (m *Manager) WithBcryptCost(cost int) *Manager {
	if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
		m.bcryptCost = cost
	}
	return m
}

// Login authenticates with a session blob when one is given, otherwise with the
// password. The resulting session is serialized and stored on the account row,
// which is created on first use. Errors are the igclient sentinels, unwrapped by
// the caller with errors.Is.
func (m *Manager) Login(ctx context.Context, accountID int64, creds Credentials) (igclient.Client, igclient.User, error) {
	existing, err := m.db.GetAccount(ctx, accountID)
	if err != nil {
		return nil, igclient.User{}, fmt.Errorf("load account: %w", err)
	}
	blob := creds.SessionBlob
	if len(blob) == 0 && creds.Password == "" {
		if existing == nil || existing.SessionBlob == "" {
			return nil, igclient.User{}, igclient.ErrMissingSecret
		}
		blob = []byte(existing.SessionBlob)
	}

	var (
		client igclient.Client
		me     igclient.User
	)
	switch {
	case len(blob) > 0:
		if client, me, err = m.sessionLogin(ctx, blob); err != nil {
			return nil, igclient.User{}, err
		}
	case m.canReuse(existing, creds):
		// a known password skips the platform login while the stored session holds
		client, me, err = m.sessionLogin(ctx, []byte(existing.SessionBlob))
		if err != nil {
			if ctx.Err() != nil {
				return nil, igclient.User{}, ctx.Err()
			}
			logging.Info("stored_session_rejected", map[string]any{"account_id": accountID, "error": err.Error()})
			client = nil
		}
	}
	if client == nil {
		client = m.newClient()
		if me, err = client.Login(ctx, creds.Username, creds.Password); err != nil {
			return nil, igclient.User{}, err
		}
	}

	fresh, err := client.SerializeSession()
	if err != nil {
		return nil, igclient.User{}, fmt.Errorf("serialize session: %w", err)
	}
	acc := model.Account{AccountID: accountID, IsActive: true}
	if existing != nil {
		acc = *existing
		acc.IsActive = true
	}
	acc.Username = firstNonEmpty(creds.Username, me.Username, acc.Username)
	acc.SessionBlob = string(fresh)
	acc.FollowerCount, acc.FollowingCount = me.FollowerCount, me.FollowingCount
	at := m.now().UTC()
	acc.LastLoginAt = &at
	if creds.Password != "" && !passwordMatches(&acc, creds.Password) {
		h, err := bcrypt.GenerateFromPassword([]byte(creds.Password), m.bcryptCost)
		if err != nil {
			return nil, igclient.User{}, fmt.Errorf("hash password: %w", err)
		}
		acc.PasswordHash = string(h)
	}
	if err := m.db.UpsertAccount(ctx, acc); err != nil {
		return nil, igclient.User{}, fmt.Errorf("store session: %w", err)
	}
	return client, me, nil
}

// Refresh re-applies the account's stored session blob to client and, when the
// platform still accepts it, stores the re-serialized session with the current
// follower counts.
func (m *Manager) Refresh(ctx context.Context, accountID int64, client igclient.Client) error {
	acc, err := m.db.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if acc == nil || acc.SessionBlob == "" {
		return errors.New("no stored session")
	}
	if err := client.LoginWithSession(ctx, []byte(acc.SessionBlob)); err != nil {
		return err
	}
	me, err := client.CurrentUser(ctx)
	if err != nil {
		return err
	}
	fresh, err := client.SerializeSession()
	if err != nil {
		return fmt.Errorf("serialize session: %w", err)
	}
	return m.db.UpdateSession(ctx, accountID, string(fresh), m.now().UTC(), me.FollowerCount, me.FollowingCount)
}

func (m *Manager) sessionLogin(ctx context.Context, blob []byte) (igclient.Client, igclient.User, error) {
	client := m.newClient()
	if err := client.LoginWithSession(ctx, blob); err != nil {
		return nil, igclient.User{}, err
	}
	me, err := client.CurrentUser(ctx)
	if err != nil {
		return nil, igclient.User{}, err
	}
	return client, me, nil
}

// canReuse reports whether a password login may go through the stored session:
// same username and the password matches the stored hash.
func (m *Manager) canReuse(acc *model.Account, creds Credentials) bool {
	if acc == nil || acc.SessionBlob == "" {
		return false
	}
	if creds.Username != "" && !strings.EqualFold(creds.Username, acc.Username) {
		return false
	}
	return passwordMatches(acc, creds.Password)
}

func passwordMatches(acc *model.Account, password string) bool {
	if acc == nil || acc.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)) == nil
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
