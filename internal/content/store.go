package content

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/john/livesync/internal/apperr"
	"github.com/john/livesync/internal/consensus"
	"github.com/john/livesync/internal/moderation"
)

// Post is one published content item with its counters.
type Post struct {
	ID          string    `json:"id"`
	AuthorID    string    `json:"user_id"`
	AuthorName  string    `json:"username"`
	Caption     string    `json:"caption"`
	ImageURL    string    `json:"image,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LikesCount  int       `json:"likes_count"`
	Views       int       `json:"views"`
	IsRumor     bool      `json:"is_rumor"`
	RumorReason string    `json:"rumor_reason,omitempty"`
}

// EventKind classifies feed events.
type EventKind int

const (
	PostCreated EventKind = iota
	PostUpdated
	PostDeleted
)

// Event is one change on the live feed.
type Event struct {
	Kind EventKind
	Post Post
}

// Store holds posts in memory, serves the feed ordered by creation time
// descending, and implements consensus.TallyStore so report submissions run
// against versioned per-post state.
type Store struct {
	classifier *moderation.Classifier
	logger     *zap.Logger

	mu      sync.Mutex
	posts   map[string]*entry
	subs    map[int]chan Event
	nextSub int
}

type entry struct {
	post  Post
	likes map[string]struct{}
	tally consensus.Tally
	// tally version for the consensus transaction's compare-and-swap
	version int64
}

// NewStore creates an empty content store. classifier may be nil; post
// creation then skips rumor classification entirely.
func NewStore(classifier *moderation.Classifier, logger *zap.Logger) *Store {
	return &Store{
		classifier: classifier,
		logger:     logger,
		posts:      make(map[string]*entry),
		subs:       make(map[int]chan Event),
	}
}

// CreatePost publishes a post. The caption is classified at write time;
// classification is fail-open, so an unavailable classifier never blocks the
// write.
func (s *Store) CreatePost(ctx context.Context, authorID, authorName, caption, imageURL string) (Post, error) {
	post := Post{
		ID:         uuid.NewString(),
		AuthorID:   authorID,
		AuthorName: authorName,
		Caption:    caption,
		ImageURL:   imageURL,
		CreatedAt:  time.Now().UTC(),
	}

	if s.classifier != nil {
		result, err := s.classifier.ClassifyRumor(ctx, caption)
		switch {
		case err == nil:
			post.IsRumor = result.Flagged
			if result.Flagged {
				post.RumorReason = result.Reason
			}
		case apperr.IsKind(err, apperr.KindClassifierUnavailable):
			s.logger.Warn("Classifier unavailable, publishing unclassified", zap.Error(err))
		default:
			return Post{}, err
		}
	}

	s.mu.Lock()
	s.posts[post.ID] = &entry{
		post:  post,
		likes: make(map[string]struct{}),
		tally: consensus.Tally{TargetID: post.ID},
	}
	s.mu.Unlock()

	s.notify(Event{Kind: PostCreated, Post: post})
	return post, nil
}

// ListPosts returns all posts ordered by creation time descending.
func (s *Store) ListPosts() []Post {
	s.mu.Lock()
	out := make([]Post, 0, len(s.posts))
	for _, e := range s.posts {
		out = append(out, e.post)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// GetPost returns one post by ID.
func (s *Store) GetPost(id string) (Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.posts[id]
	if !ok {
		return Post{}, apperr.Newf(apperr.KindNotFound, "post %s", id)
	}
	return e.post, nil
}

// ToggleLike adds userID's like, or removes it when already present.
func (s *Store) ToggleLike(id, userID string) (liked bool, count int, err error) {
	s.mu.Lock()
	e, ok := s.posts[id]
	if !ok {
		s.mu.Unlock()
		return false, 0, apperr.Newf(apperr.KindNotFound, "post %s", id)
	}
	if _, has := e.likes[userID]; has {
		delete(e.likes, userID)
		liked = false
	} else {
		e.likes[userID] = struct{}{}
		liked = true
	}
	e.post.LikesCount = len(e.likes)
	post := e.post
	s.mu.Unlock()

	s.notify(Event{Kind: PostUpdated, Post: post})
	return liked, post.LikesCount, nil
}

// IncrementView bumps the view counter.
func (s *Store) IncrementView(id string) (int, error) {
	s.mu.Lock()
	e, ok := s.posts[id]
	if !ok {
		s.mu.Unlock()
		return 0, apperr.Newf(apperr.KindNotFound, "post %s", id)
	}
	e.post.Views++
	post := e.post
	s.mu.Unlock()

	s.notify(Event{Kind: PostUpdated, Post: post})
	return post.Views, nil
}

// DeletePost removes a post. Ownership is checked locally before anything
// else; a non-owner gets Unauthorized.
func (s *Store) DeletePost(id, userID string) error {
	s.mu.Lock()
	e, ok := s.posts[id]
	if !ok {
		s.mu.Unlock()
		return apperr.Newf(apperr.KindNotFound, "post %s", id)
	}
	if e.post.AuthorID != userID {
		s.mu.Unlock()
		return apperr.Newf(apperr.KindUnauthorized, "user %s does not own post %s", userID, id)
	}
	post := e.post
	delete(s.posts, id)
	s.mu.Unlock()

	s.notify(Event{Kind: PostDeleted, Post: post})
	return nil
}

// Subscribe returns a live feed of post events and a cancel function.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, 64)
	s.subs[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
		s.mu.Unlock()
	}
}

// GetTally implements consensus.TallyStore.
func (s *Store) GetTally(_ context.Context, itemID string) (consensus.Tally, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.posts[itemID]
	if !ok {
		return consensus.Tally{}, 0, apperr.Newf(apperr.KindNotFound, "post %s", itemID)
	}
	return cloneTally(e.tally), e.version, nil
}

// CompareAndSwapTally implements consensus.TallyStore. A flagged tally also
// marks the post itself as a rumor, mirroring the authoritative decision onto
// the feed.
func (s *Store) CompareAndSwapTally(_ context.Context, itemID string, version int64, t consensus.Tally) error {
	s.mu.Lock()
	e, ok := s.posts[itemID]
	if !ok {
		s.mu.Unlock()
		return apperr.Newf(apperr.KindNotFound, "post %s", itemID)
	}
	if e.version != version {
		s.mu.Unlock()
		return apperr.Newf(apperr.KindConflict, "post %s tally version %d is stale", itemID, version)
	}
	e.tally = cloneTally(t)
	e.version++

	var updated *Post
	if t.Flagged && !e.post.IsRumor {
		e.post.IsRumor = true
		e.post.RumorReason = t.FlagNote
		p := e.post
		updated = &p
	}
	s.mu.Unlock()

	if updated != nil {
		s.notify(Event{Kind: PostUpdated, Post: *updated})
	}
	return nil
}

// notify fans an event out to subscribers. Slow subscribers drop events
// rather than block the store.
func (s *Store) notify(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func cloneTally(t consensus.Tally) consensus.Tally {
	out := t
	out.Reports = make(map[string]consensus.Report, len(t.Reports))
	for k, v := range t.Reports {
		out.Reports[k] = v
	}
	return out
}
