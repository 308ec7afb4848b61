// Package propagate keeps derived exercises in step with the exercises they
// are built from.
package propagate

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"time"

	"github.com/pavelanni/salesdrill/internal/exercise"
	"github.com/pavelanni/salesdrill/internal/live"
	"github.com/pavelanni/salesdrill/internal/model"
)

const writeTimeout = 10 * time.Second

// Source is where committed changes come from.
type Source interface {
	SubscribeAll(fn func(live.Change)) *live.Subscription
}

// CDAB copies every committed CDAB matrix into the learner's Outils CDAB
// exercise. Each write overwrites the derived rows with the latest value.
type CDAB struct {
	repos  exercise.Set
	logger *slog.Logger
}

func NewCDAB(repos exercise.Set) *CDAB {
	return &CDAB{repos: repos, logger: slog.With("component", "propagate")}
}

// Start follows src until the returned func is called.
func (p *CDAB) Start(src Source) func() {
	sub := src.SubscribeAll(p.handle)
	return sub.Close
}

func (p *CDAB) handle(c live.Change) {
	userID, typ, ok := model.ParseDocumentPath(c.Key)
	if !ok || typ != model.TypeCDAB || len(c.Data) == 0 {
		return
	}
	var src model.Exercise
	if err := json.Unmarshal(c.Data, &src); err != nil {
		p.logger.Warn("skipping undecodable cdab change", "key", c.Key, "error", err)
		return
	}
	content, ok := src.Content.(model.CDABContent)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	// A change replayed after the user was deleted must not recreate their
	// Outils CDAB.
	if ok, err := p.sourceExists(ctx, userID); err != nil {
		p.logger.Error("checking cdab source failed", "user_id", userID, "error", err)
		return
	} else if !ok {
		p.logger.Debug("skipping change of a deleted cdab", "user_id", userID, "version", c.Version)
		return
	}
	if err := p.Sync(ctx, userID, content); err != nil {
		p.logger.Error("propagating cdab rows failed", "user_id", userID, "version", c.Version, "error", err)
	}
}

func (p *CDAB) sourceExists(ctx context.Context, userID string) (bool, error) {
	repo, err := p.repos.Lookup(model.TypeCDAB)
	if err != nil {
		return false, err
	}
	return repo.Exists(ctx, userID)
}

// Sync writes rows of content into the user's Outils CDAB exercise unless it
// already holds them.
func (p *CDAB) Sync(ctx context.Context, userID string, content model.CDABContent) error {
	repo, err := p.repos.Lookup(model.TypeOutilsCDAB)
	if err != nil {
		return err
	}
	want := model.OutilsCDABContent{Rows: content.Characteristics}.Normalize()

	cur, err := repo.Get(ctx, userID)
	if err != nil {
		return err
	}
	if reflect.DeepEqual(cur.Content, want) {
		return nil
	}
	if _, err := repo.Update(ctx, model.SystemActor, userID, exercise.Patch{Content: want}); err != nil {
		return err
	}
	p.logger.Debug("outils cdab updated", "user_id", userID, "rows", len(content.Characteristics))
	return nil
}
