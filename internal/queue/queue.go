package queue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"growpilot/internal/igclient"
	"growpilot/internal/logging"
	"growpilot/internal/metrics"
	"growpilot/internal/model"
)

// DefaultBatch caps how many followers one scrape enqueues.
const DefaultBatch = 20

// Store is the persistence the queue needs.
type Store interface {
	GetActiveTargets(ctx context.Context, accountID int64) ([]model.TargetAccount, error)
	TouchTarget(ctx context.Context, id int64, at time.Time, followerCount int) error
	EnqueueCandidates(ctx context.Context, cs []model.Candidate) (int, error)
	DequeueUnprocessed(ctx context.Context, accountID int64, limit int) ([]model.Candidate, error)
	MarkProcessed(ctx context.Context, id int64, followed, liked bool, at time.Time) error
	AppendLog(ctx context.Context, e model.ActionLogEntry) (int64, error)
}

// Queue is the durable FIFO of candidates of every account, filled by scraping
// the followers of target accounts.
type Queue struct {
	db          Store
	batch       int
	callTimeout time.Duration
	intn        func(n int) int
	now         func() time.Time
}

func New(db Store) *Queue {
	return &Queue{db: db, batch: DefaultBatch, intn: rand.IntN, now: time.Now}
}

// WithBatch sets the number of followers taken per scrape.
func (q *Queue) WithBatch(n int) *Queue {
	if n > 0 {
		q.batch = n
	}
	return q
}

// WithCallTimeout bounds each remote call of a scrape.
func (q *Queue) WithCallTimeout(d time.Duration) *Queue {
	q.callTimeout = d
	return q
}

// WithRand replaces the target picker, for tests.
func (q *Queue) WithRand(intn func(n int) int) *Queue {
	q.intn = intn
	return q
}

func (q *Queue) remote(ctx context.Context) (context.Context, context.CancelFunc) {
	if q.callTimeout > 0 {
		return context.WithTimeout(ctx, q.callTimeout)
	}
	return context.WithCancel(ctx)
}

// Scrape picks one active target at random and enqueues up to the batch size of
// its followers. It returns how many candidates were added; zero targets is not an error.
func (q *Queue) Scrape(ctx context.Context, accountID int64, client igclient.Client) (int, error) {
	targets, err := q.db.GetActiveTargets(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("load targets: %w", err)
	}
	if len(targets) == 0 {
		logging.Info("scrape_no_targets", map[string]any{"account_id": accountID})
		return 0, nil
	}
	target := targets[q.intn(len(targets))]

	followers, owner, err := q.fetch(ctx, client, target.Username)
	if err != nil {
		if _, lerr := q.db.AppendLog(ctx, model.ActionLogEntry{
			AccountID:      accountID,
			Type:           model.ActionScrapeFollowers,
			TargetUsername: target.Username,
			Status:         model.StatusFailed,
			ErrorMessage:   err.Error(),
			CreatedAt:      q.now().UTC(),
		}); lerr != nil {
			return 0, lerr
		}
		metrics.IncAction(string(model.ActionScrapeFollowers), string(model.StatusFailed))
		return 0, fmt.Errorf("scrape %s: %w", target.Username, err)
	}

	if len(followers) > q.batch {
		followers = followers[:q.batch]
	}
	cs := make([]model.Candidate, 0, len(followers))
	for _, f := range followers {
		cs = append(cs, model.Candidate{
			AccountID:     accountID,
			Username:      f.Username,
			RemoteID:      f.ID,
			SourceType:    model.SourceFollower,
			SourceAccount: target.Username,
		})
	}
	n, err := q.db.EnqueueCandidates(ctx, cs)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	now := q.now().UTC()
	if err := q.db.TouchTarget(ctx, target.ID, now, owner.FollowerCount); err != nil {
		return n, err
	}
	if _, err := q.db.AppendLog(ctx, model.ActionLogEntry{
		AccountID:      accountID,
		Type:           model.ActionScrapeFollowers,
		TargetUsername: target.Username,
		Status:         model.StatusSuccess,
		Metadata:       map[string]any{"count": n},
		CreatedAt:      now,
	}); err != nil {
		return n, err
	}
	metrics.IncAction(string(model.ActionScrapeFollowers), string(model.StatusSuccess))
	metrics.ScrapedCandidates.Add(float64(n))
	logging.Info("scrape_ok", map[string]any{"account_id": accountID, "target": target.Username, "count": n})
	return n, nil
}

func (q *Queue) fetch(ctx context.Context, client igclient.Client, username string) ([]igclient.User, igclient.User, error) {
	cctx, cancel := q.remote(ctx)
	owner, err := client.SearchExactUsername(cctx, username)
	cancel()
	if err != nil {
		return nil, owner, err
	}
	cctx, cancel = q.remote(ctx)
	defer cancel()
	followers, err := client.ListFollowers(cctx, owner.ID, q.batch)
	return followers, owner, err
}

// Dequeue returns the oldest unprocessed candidates of the account. The rows stay
// queued until MarkProcessed.
func (q *Queue) Dequeue(ctx context.Context, accountID int64, limit int) ([]model.Candidate, error) {
	return q.db.DequeueUnprocessed(ctx, accountID, limit)
}

// MarkProcessed fixes the candidate's flags; store.ErrAlreadyProcessed on a second call.
func (q *Queue) MarkProcessed(ctx context.Context, id int64, followed, liked bool) error {
	return q.db.MarkProcessed(ctx, id, followed, liked, q.now().UTC())
}
