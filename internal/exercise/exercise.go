// Package exercise reads and writes learner exercises through the document
// store, enforcing the status lifecycle and the scoring rules on every write.
package exercise

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/salesdrill/internal/apperr"
	"github.com/pavelanni/salesdrill/internal/lifecycle"
	"github.com/pavelanni/salesdrill/internal/live"
	"github.com/pavelanni/salesdrill/internal/model"
	"github.com/pavelanni/salesdrill/internal/scoring"
	"github.com/pavelanni/salesdrill/internal/store"
)

// Repository is the per-type access point to one learner's exercise.
type Repository interface {
	Type() model.ExerciseType
	Get(ctx context.Context, userID string) (*model.Exercise, error)
	// Exists reports whether the exercise is stored, without creating it.
	Exists(ctx context.Context, userID string) (bool, error)
	Subscribe(ctx context.Context, userID string, fn func(*model.Exercise)) (func(), error)
	Update(ctx context.Context, actor model.Actor, userID string, p Patch) (*model.Exercise, error)
	Submit(ctx context.Context, actor model.Actor, userID string) (*model.Exercise, error)
	Evaluate(ctx context.Context, actor model.Actor, userID string, ev *model.Evaluation) (*model.Exercise, error)
	Reset(ctx context.Context, actor model.Actor, userID string) (*model.Exercise, error)
	Publish(ctx context.Context, actor model.Actor, userID string) (*model.Exercise, error)
}

// Patch is a partial update. Nil fields are left as stored.
type Patch struct {
	Content    model.Content
	Evaluation *model.Evaluation
}

// Documents is the subset of the document store the repository needs.
type Documents interface {
	GetDocument(ctx context.Context, path string) (*store.Document, error)
	CreateDocument(ctx context.Context, path, userID string, data map[string]any) (*store.Document, bool, error)
	MergeDocument(ctx context.Context, path string, data map[string]any) (*store.Document, error)
}

// Subscriber delivers committed changes for a document key.
type Subscriber interface {
	Subscribe(key string, fn func(live.Change)) *live.Subscription
}

// Options tune every repository of a set.
type Options struct {
	// ScaleTarget overrides each variant's display scale when positive.
	ScaleTarget float64
	Now         func() time.Time
}

type repository struct {
	docs    Documents
	subs    Subscriber
	variant model.Variant
	scale   float64
	now     func() time.Time
	logger  *slog.Logger
}

// New returns the repository of one exercise variant.
func New(docs Documents, subs Subscriber, v model.Variant, opts Options) Repository {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	scale := v.ScaleTarget
	if opts.ScaleTarget > 0 {
		scale = opts.ScaleTarget
	}
	return &repository{
		docs:    docs,
		subs:    subs,
		variant: v,
		scale:   scale,
		now:     opts.Now,
		logger:  slog.With("component", "exercise", "type", v.Type),
	}
}

// Set holds one repository per exercise type.
type Set map[model.ExerciseType]Repository

// NewSet builds repositories for every known variant.
func NewSet(docs Documents, subs Subscriber, opts Options) Set {
	set := make(Set)
	for _, v := range model.Variants() {
		set[v.Type] = New(docs, subs, v, opts)
	}
	return set
}

// Lookup returns the repository for t.
func (s Set) Lookup(t model.ExerciseType) (Repository, error) {
	r, ok := s[t]
	if !ok {
		return nil, &apperr.NotFoundError{Path: "exercises/" + string(t)}
	}
	return r, nil
}

func (r *repository) Type() model.ExerciseType { return r.variant.Type }

func (r *repository) rubric() *model.Evaluation {
	ev := r.variant.NewEvaluation()
	ev.ScaleTarget = r.scale
	scoring.Recompute(ev)
	return ev
}

// Get returns the exercise, creating the default document on first access.
func (r *repository) Get(ctx context.Context, userID string) (*model.Exercise, error) {
	if userID == "" {
		return nil, apperr.Invalid("MissingUser", "user id is required")
	}
	path := model.DocumentPath(userID, r.variant.Type)
	doc, err := r.docs.GetDocument(ctx, path)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc, _, err = r.docs.CreateDocument(ctx, path, userID, map[string]any{
			"userId":  userID,
			"type":    r.variant.Type,
			"status":  model.StatusNotStarted,
			"content": r.variant.NewContent(),
		})
		if err != nil {
			return nil, err
		}
		r.logger.Debug("created exercise", "user_id", userID)
	}
	return r.decode(userID, doc.Data)
}

func (r *repository) Exists(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, apperr.Invalid("MissingUser", "user id is required")
	}
	doc, err := r.docs.GetDocument(ctx, model.DocumentPath(userID, r.variant.Type))
	if err != nil {
		return false, err
	}
	return doc != nil, nil
}

// decode fills in absent fields so callers always see a complete exercise.
func (r *repository) decode(userID string, data json.RawMessage) (*model.Exercise, error) {
	var ex model.Exercise
	if err := json.Unmarshal(data, &ex); err != nil {
		// Type missing from a legacy payload: decode with ours.
		var loose map[string]json.RawMessage
		if jerr := json.Unmarshal(data, &loose); jerr != nil {
			return nil, fmt.Errorf("decode exercise: %w", err)
		}
		loose["type"], _ = json.Marshal(r.variant.Type)
		fixed, _ := json.Marshal(loose)
		if err := json.Unmarshal(fixed, &ex); err != nil {
			return nil, fmt.Errorf("decode exercise: %w", err)
		}
	}
	if ex.UserID == "" {
		ex.UserID = userID
	}
	ex.Type = r.variant.Type
	if ex.Status == "" {
		ex.Status = model.StatusNotStarted
	}
	if ex.Content == nil {
		ex.Content = r.variant.NewContent()
	}
	if ex.Evaluation != nil {
		ex.Evaluation = scoring.Conform(r.rubric(), ex.Evaluation, false)
	}
	return &ex, nil
}

// Subscribe calls fn with the current exercise, then with every committed
// version after it, in order. The returned func releases the subscription.
func (r *repository) Subscribe(ctx context.Context, userID string, fn func(*model.Exercise)) (func(), error) {
	path := model.DocumentPath(userID, r.variant.Type)
	var last int64
	sub := r.subs.Subscribe(path, func(c live.Change) {
		if c.Version <= last || len(c.Data) == 0 {
			return
		}
		ex, err := r.decode(userID, c.Data)
		if err != nil {
			r.logger.Warn("dropping undecodable change", "key", c.Key, "error", err)
			return
		}
		last = c.Version
		fn(ex)
	})

	ex, err := r.Get(ctx, userID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	data, err := json.Marshal(ex)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	// The snapshot travels through the same queue as live changes, so the
	// version filter above drops whichever of the two is older.
	sub.Push(live.Change{Key: path, Event: live.EventUpdated, Version: ex.Version, Data: data})
	return sub.Close, nil
}

// Update merges p into the stored exercise.
func (r *repository) Update(ctx context.Context, actor model.Actor, userID string, p Patch) (*model.Exercise, error) {
	ex, err := r.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}

	if p.Content != nil {
		if p.Content.ExerciseType() != r.variant.Type {
			return nil, apperr.Invalid("WrongContentType", "%s content cannot be stored in a %s exercise", p.Content.ExerciseType(), r.variant.Type)
		}
		if err := lifecycle.CanEditContent(ex, actor); err != nil {
			return nil, err
		}
		if err := checkDialogue(ex.Content, p.Content); err != nil {
			return nil, err
		}
		if ex.Status == model.StatusNotStarted {
			if err := lifecycle.Transition(ex, model.StatusInProgress, actor, r.now()); err != nil {
				return nil, err
			}
			fields["status"] = ex.Status
		}
		fields["content"] = p.Content.Normalize()
	}

	if p.Evaluation != nil {
		if err := lifecycle.CanEditEvaluation(ex, actor); err != nil {
			return nil, err
		}
		if ex.Status.Locked() {
			return nil, apperr.Invalid("EvaluationLocked", "exercise is %s; reset it before changing scores", ex.Status)
		}
		ev, err := r.conform(p.Evaluation)
		if err != nil {
			return nil, err
		}
		fields["evaluation"] = ev
	}

	if len(fields) == 0 {
		return ex, nil
	}
	return r.merge(ctx, userID, fields)
}

func (r *repository) conform(in *model.Evaluation) (*model.Evaluation, error) {
	ev := scoring.Conform(r.rubric(), in, false)
	if err := scoring.Check(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Submit hands the learner's work in for review.
func (r *repository) Submit(ctx context.Context, actor model.Actor, userID string) (*model.Exercise, error) {
	return r.transition(ctx, actor, userID, model.StatusSubmitted, nil)
}

// Evaluate records ev, or the stored draft evaluation when ev is nil, and
// marks the exercise evaluated.
func (r *repository) Evaluate(ctx context.Context, actor model.Actor, userID string, ev *model.Evaluation) (*model.Exercise, error) {
	return r.transition(ctx, actor, userID, model.StatusEvaluated, func(ex *model.Exercise, fields map[string]any) error {
		if err := lifecycle.CanEditEvaluation(ex, actor); err != nil {
			return err
		}
		if ev != nil {
			conformed, err := r.conform(ev)
			if err != nil {
				return err
			}
			ex.Evaluation = conformed
		}
		if ex.Evaluation == nil {
			return apperr.Invalid("EvaluationMissing", "evaluation is required")
		}
		if la, ok := ex.Content.(model.LineAnnotator); ok && len(ex.Evaluation.LineFeedback) > 0 {
			ex.Content = la.ApplyLineFeedback(ex.Evaluation.LineFeedback)
			fields["content"] = ex.Content
		}
		fields["evaluation"] = ex.Evaluation
		return nil
	})
}

// Reset reopens an evaluated or published exercise. The evaluation and its
// evaluatedAt/By stamps are kept until the next Evaluate.
func (r *repository) Reset(ctx context.Context, actor model.Actor, userID string) (*model.Exercise, error) {
	ex, err := r.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ex.Status.Locked() {
		return nil, apperr.Invalid("InvalidTransition", "only evaluated or published exercises can be reset")
	}
	return r.transition(ctx, actor, userID, model.StatusSubmitted, nil)
}

// Publish releases the evaluation to the learner.
func (r *repository) Publish(ctx context.Context, actor model.Actor, userID string) (*model.Exercise, error) {
	return r.transition(ctx, actor, userID, model.StatusPublished, nil)
}

func (r *repository) transition(ctx context.Context, actor model.Actor, userID string, to model.Status, prepare func(*model.Exercise, map[string]any) error) (*model.Exercise, error) {
	ex, err := r.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	from := ex.Status
	fields := map[string]any{}
	if prepare != nil {
		if err := prepare(ex, fields); err != nil {
			return nil, err
		}
	}
	if err := lifecycle.Transition(ex, to, actor, r.now()); err != nil {
		return nil, err
	}
	fields["status"] = ex.Status
	if ex.EvaluatedAt != nil {
		fields["evaluatedAt"] = ex.EvaluatedAt.UTC()
		fields["evaluatedBy"] = ex.EvaluatedBy
	}

	out, err := r.merge(ctx, userID, fields)
	if err != nil {
		return nil, err
	}
	r.logger.Info("exercise status changed", "user_id", userID, "from", from, "to", to, "actor", actor.ID)
	return out, nil
}

func (r *repository) merge(ctx context.Context, userID string, fields map[string]any) (*model.Exercise, error) {
	doc, err := r.docs.MergeDocument(ctx, model.DocumentPath(userID, r.variant.Type), fields)
	if err != nil {
		return nil, err
	}
	return r.decode(userID, doc.Data)
}

// checkDialogue keeps Goalkeeper lines to the known speakers and to
// append/pop edits of what is stored.
func checkDialogue(stored, next model.Content) error {
	gk, ok := next.(model.GoalkeeperContent)
	if !ok {
		return nil
	}
	if i := gk.UnknownSpeaker(); i >= 0 {
		return apperr.Invalid("InvalidSpeaker", "line %d: unknown speaker %q", i, gk.Lines[i].Speaker)
	}
	prev, ok := stored.(model.GoalkeeperContent)
	if !ok {
		return nil
	}
	if !gk.Follows(prev) {
		return apperr.Invalid("DialogueReordered", "lines can only be added or removed at the end of the dialogue")
	}
	return nil
}
