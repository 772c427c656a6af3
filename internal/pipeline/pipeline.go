// Package pipeline runs the ordered generation steps of one work unit.
//
// Steps run in a fixed order: selection, main content, room profiles and
// images. A failing step fails the unit and every step depending on it is
// skipped. Only the image step fans out, and every external call waits on
// the shared limiter first.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"boardgen/internal/store"

	"golang.org/x/sync/errgroup"
)

// Step names one stage of the pipeline.
type Step string

const (
	StepSelection    Step = "selection"
	StepMainContent  Step = "main_content"
	StepRoomProfiles Step = "room_profiles"
	StepImages       Step = "images"
)

var (
	// ErrProvider marks a failure reported by an external generator.
	ErrProvider = errors.New("provider error")

	// ErrPartialImages is returned when an image call produced fewer URLs than requested.
	ErrPartialImages = errors.New("partial image batch")

	// ErrInvalidOutput is returned when a completion cannot be parsed or validated.
	ErrInvalidOutput = errors.New("invalid generator output")
)

// StepError wraps the failure of a single step.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s step: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Completion is the result of one text call.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// TextGenerator produces one text completion for a prompt.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string) (Completion, error)
}

// ImageSpec describes one image slot.
type ImageSpec struct {
	UnitID string `json:"unitId"`
	Kind   string `json:"kind"` // room, material, texture, composite, anchor
	Slot   string `json:"slot"`
	Prompt string `json:"prompt"`
	Count  int    `json:"count"`
}

// ImageGenerator produces stored image URLs. It may return fewer URLs than requested.
type ImageGenerator interface {
	GenerateImages(ctx context.Context, spec ImageSpec) ([]string, error)
}

// Limiter paces externally visible calls. *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Result is the output of one unit. Calls is filled in even when Run fails,
// since failed calls are still paid for.
type Result struct {
	Content store.UnitContent
	Calls   store.CallCounts
}

// Pipeline wires the generators and the limiter.
type Pipeline struct {
	text        TextGenerator
	images      ImageGenerator
	limiter     Limiter
	maxParallel int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMaxParallelImages bounds how many image calls of one unit are in flight.
func WithMaxParallelImages(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxParallel = n
		}
	}
}

// New creates a pipeline.
func New(text TextGenerator, images ImageGenerator, limiter Limiter, opts ...Option) *Pipeline {
	p := &Pipeline{
		text:        text,
		images:      images,
		limiter:     limiter,
		maxParallel: 4,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes every enabled step for unit.
func (p *Pipeline) Run(ctx context.Context, unit store.WorkUnit, cfg store.BatchConfig) (Result, error) {
	cfg = cfg.WithDefaults()
	var res Result

	sel, err := p.selection(ctx, unit, &res.Calls)
	if err != nil {
		return res, &StepError{Step: StepSelection, Err: err}
	}
	res.Content.Approach = sel.Approach
	res.Content.Color = sel.Color

	main, err := p.mainContent(ctx, unit, sel, &res.Calls)
	if err != nil {
		return res, &StepError{Step: StepMainContent, Err: err}
	}
	res.Content.Title = main.Title
	res.Content.Summary = main.Summary
	res.Content.Description = main.Description

	if cfg.GenerateRoomProfiles {
		profiles, err := p.roomProfiles(ctx, unit, sel, cfg.Rooms, &res.Calls)
		if err != nil {
			return res, &StepError{Step: StepRoomProfiles, Err: err}
		}
		res.Content.RoomProfiles = profiles
	}

	if cfg.GenerateImages {
		if err := p.generateImages(ctx, unit, sel, cfg, &res); err != nil {
			return res, &StepError{Step: StepImages, Err: err}
		}
	}

	return res, nil
}

func (p *Pipeline) complete(ctx context.Context, prompt string, calls *store.CallCounts, count *int) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	*count++
	c, err := p.text.GenerateText(ctx, prompt)
	calls.InputTokens += c.InputTokens
	calls.OutputTokens += c.OutputTokens
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return c.Text, nil
}

func (p *Pipeline) selection(ctx context.Context, unit store.WorkUnit, calls *store.CallCounts) (selection, error) {
	text, err := p.complete(ctx, selectionPrompt(unit), calls, &calls.Selection)
	if err != nil {
		return selection{}, err
	}
	var sel selection
	if err := decodeJSON(text, &sel); err != nil {
		return selection{}, err
	}
	if sel.Approach == "" || sel.Color == "" {
		return selection{}, fmt.Errorf("%w: approach and color are required", ErrInvalidOutput)
	}
	return sel, nil
}

func (p *Pipeline) mainContent(ctx context.Context, unit store.WorkUnit, sel selection, calls *store.CallCounts) (mainContent, error) {
	text, err := p.complete(ctx, mainContentPrompt(unit, sel), calls, &calls.MainContent)
	if err != nil {
		return mainContent{}, err
	}
	var main mainContent
	if err := decodeJSON(text, &main); err != nil {
		return mainContent{}, err
	}
	if main.Title == "" || main.Description == "" {
		return mainContent{}, fmt.Errorf("%w: title and description are required", ErrInvalidOutput)
	}
	return main, nil
}

func (p *Pipeline) roomProfiles(ctx context.Context, unit store.WorkUnit, sel selection, rooms []string, calls *store.CallCounts) (map[string]string, error) {
	profiles := make(map[string]string, len(rooms))
	for _, room := range rooms {
		text, err := p.complete(ctx, roomProfilePrompt(unit, sel, room), calls, &calls.RoomProfile)
		if err != nil {
			return nil, fmt.Errorf("room %s: %w", room, err)
		}
		if text == "" {
			return nil, fmt.Errorf("room %s: %w: empty profile", room, ErrInvalidOutput)
		}
		profiles[room] = text
	}
	return profiles, nil
}

func (p *Pipeline) generateImages(ctx context.Context, unit store.WorkUnit, sel selection, cfg store.BatchConfig, res *Result) error {
	specs := imageSpecs(unit, sel, cfg)

	var mu sync.Mutex
	urls := make([]string, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxParallel)
	for i, spec := range specs {
		g.Go(func() error {
			if err := p.limiter.Wait(gctx); err != nil {
				return err
			}
			mu.Lock()
			res.Calls.Images++
			mu.Unlock()

			got, err := p.images.GenerateImages(gctx, spec)
			if err != nil {
				return fmt.Errorf("%s %s: %w: %v", spec.Kind, spec.Slot, ErrProvider, err)
			}
			if len(got) < spec.Count {
				return fmt.Errorf("%s %s: %w: got %d of %d", spec.Kind, spec.Slot, ErrPartialImages, len(got), spec.Count)
			}
			urls[i] = got[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	res.Content.RoomImages = make(map[string]string, len(cfg.Rooms))
	for i, spec := range specs {
		switch spec.Kind {
		case "room":
			res.Content.RoomImages[spec.Slot] = urls[i]
		case "material":
			res.Content.Materials = append(res.Content.Materials, urls[i])
		case "texture":
			res.Content.Textures = append(res.Content.Textures, urls[i])
		case "composite":
			res.Content.Composite = urls[i]
		case "anchor":
			res.Content.Anchor = urls[i]
		}
	}
	return nil
}

// imageSpecs lists the image slots of one unit in a stable order.
func imageSpecs(unit store.WorkUnit, sel selection, cfg store.BatchConfig) []ImageSpec {
	var specs []ImageSpec
	add := func(kind, slot string) {
		specs = append(specs, ImageSpec{
			UnitID: unit.ID,
			Kind:   kind,
			Slot:   slot,
			Prompt: imagePrompt(unit, sel, kind, slot),
			Count:  1,
		})
	}
	for _, room := range cfg.Rooms {
		add("room", room)
	}
	for i := 1; i <= cfg.MaterialShots; i++ {
		add("material", fmt.Sprintf("material_%d", i))
	}
	for i := 1; i <= cfg.TextureShots; i++ {
		add("texture", fmt.Sprintf("texture_%d", i))
	}
	add("composite", "composite")
	add("anchor", "anchor")
	return specs
}
