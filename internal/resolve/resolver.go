// Package resolve expands new-event broadcasts into concrete recipients.
package resolve

import (
	"context"
	"fmt"
	"strings"

	"notifyd/internal/domain"
	"notifyd/internal/payload"
	logx "notifyd/pkg/logx"
)

type Clubs interface {
	GetClub(ctx context.Context, id string) (domain.Club, bool, error)
}

type Directory interface {
	ListUsers(ctx context.Context) ([]domain.User, error)
}

// Recipient is one email address taken from the user directory.
type Recipient struct {
	UserID string
	Email  string
}

// Audience is the email side of a broadcast: every directory entry with
// an email address, plus the size of the directory it was drawn from.
type Audience struct {
	Recipients    []Recipient
	DirectorySize int
}

type Resolver struct {
	clubs Clubs
	dir   Directory
	topic string
	log   logx.Logger
}

func New(clubs Clubs, dir Directory, broadcastTopic string, log logx.Logger) *Resolver {
	if strings.TrimSpace(broadcastTopic) == "" {
		broadcastTopic = "all_users"
	}
	return &Resolver{clubs: clubs, dir: dir, topic: broadcastTopic, log: log.With(logx.String("comp", "resolve"))}
}

// PushTarget is the topic every new-event broadcast goes to.
func (r *Resolver) PushTarget() domain.Target { return domain.Topic(r.topic) }

// ClubName returns the display name of a club. A missing club or a failed
// lookup yields the fallback name; neither is an error.
func (r *Resolver) ClubName(ctx context.Context, clubID string) string {
	club, ok, err := r.clubs.GetClub(ctx, clubID)
	if err != nil {
		r.log.Warn("club lookup failed; using fallback name", logx.String("club_id", clubID), logx.Err(err))
		return payload.FallbackClubName
	}
	if !ok || strings.TrimSpace(club.Name) == "" {
		r.log.Debug("club not found; using fallback name", logx.String("club_id", clubID))
		return payload.FallbackClubName
	}
	return club.Name
}

// EmailAudience reads the whole directory. A read error wraps ErrDependencyRead.
func (r *Resolver) EmailAudience(ctx context.Context) (Audience, error) {
	users, err := r.dir.ListUsers(ctx)
	if err != nil {
		return Audience{}, fmt.Errorf("%w: list users: %v", domain.ErrDependencyRead, err)
	}
	a := Audience{DirectorySize: len(users), Recipients: make([]Recipient, 0, len(users))}
	for _, u := range users {
		email := strings.TrimSpace(u.Email)
		if email == "" {
			continue
		}
		a.Recipients = append(a.Recipients, Recipient{UserID: u.ID, Email: email})
	}
	return a, nil
}
