package sources

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/lvonguyen/threatpulse/internal/config"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

// Reddit pulls the day's top posts from a security subreddit. Posts are
// keyless records.
type Reddit struct {
	base
}

// NewReddit creates a Reddit adapter.
func NewReddit(cfg config.FeedConfig, opts ...Option) *Reddit {
	return &Reddit{base: newBase(NameReddit, threat.KindRecord, cfg, opts...)}
}

// Fetch retrieves the top posts of the last day.
func (s *Reddit) Fetch(ctx context.Context) ([]threat.Candidate, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	q := url.Values{"t": {"day"}}
	if s.cfg.Limit > 0 {
		q.Set("limit", strconv.Itoa(s.cfg.Limit))
	}

	var listing redditListing
	if err := s.client.getJSON(ctx, "list top posts", s.cfg.BaseURL+"?"+q.Encode(), nil, &listing); err != nil {
		return nil, err
	}

	out := make([]threat.Candidate, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		post := child.Data
		if post.Title == "" {
			continue
		}
		c := s.candidate()
		c.Title = threat.String(post.Title)
		c.Description = threat.String(post.SelfText)
		c.URL = threat.String(post.URL)
		if post.Permalink != "" {
			c.ExternalRef = threat.String("https://www.reddit.com" + post.Permalink)
		}
		if post.CreatedUTC > 0 {
			t := time.Unix(int64(post.CreatedUTC), 0).UTC()
			c.PublishedAt = &t
		}
		out = append(out, c)
	}
	return out, nil
}

type redditListing struct {
	Kind string `json:"kind"`
	Data struct {
		Children []struct {
			Kind string     `json:"kind"`
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	Title      string  `json:"title"`
	SelfText   string  `json:"selftext"`
	URL        string  `json:"url"`
	Permalink  string  `json:"permalink"`
	Score      int     `json:"score"`
	CreatedUTC float64 `json:"created_utc"`
}
