package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"loom/pkg/config"
	"loom/pkg/flight"
	"loom/pkg/grammar"
	"loom/pkg/schema"
	"loom/pkg/store"
)

var ErrEmptyPrompt = errors.New("story prompt is empty")

type options struct {
	log         *log.Logger
	countTokens func(string) int
	parser      grammar.Parser
}

type Option func(*options)

func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithTokenCounter replaces the tiktoken based counter used to size prompts.
func WithTokenCounter(fn func(string) int) Option {
	return func(o *options) { o.countTokens = fn }
}

// WithParser replaces the delimiter grammar used to read oracle answers.
func WithParser(p grammar.Parser) Option {
	return func(o *options) { o.parser = p }
}

// Service is the entry point callers use: it creates templates, runs the
// template pipeline stage by stage, and instantiates stories.
type Service struct {
	store store.Store
	cfg   config.PipelineConfig
	log   *log.Logger
	runs  *flight.Group[string, struct{}]

	// guards the find-or-create in TemplateFor
	templateMu sync.Mutex

	Summarizer   *Summarizer
	Extractor    *Extractor
	Consolidator *Consolidator
	Abstractor   *Abstractor
	Instantiator *Instantiator
}

func New(oracle Invoker, st store.Store, cfg config.PipelineConfig, opts ...Option) *Service {
	o := options{log: log.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		store: st,
		cfg:   cfg,
		log:   o.log.WithPrefix("pipeline"),
		runs:  flight.NewGroup[string, struct{}](),

		Summarizer:   NewSummarizer(oracle, st, cfg, o.log),
		Extractor:    NewExtractor(oracle, st, cfg, o.log),
		Consolidator: NewConsolidator(oracle, st, cfg, o.log),
		Abstractor:   NewAbstractor(oracle, st, cfg, o.log),
		Instantiator: NewInstantiator(oracle, st, cfg, o.log),
	}
	for _, b := range []*base{&s.Summarizer.base, &s.Extractor.base, &s.Consolidator.base, &s.Abstractor.base, &s.Instantiator.base} {
		if o.countTokens != nil {
			b.countTokens = o.countTokens
		}
		if o.parser != nil {
			b.parser = o.parser
		}
	}
	return s
}

func (s *Service) Store() store.Store { return s.store }

// CreateTemplate creates an empty template for workID with every stage NOT_STARTED.
func (s *Service) CreateTemplate(ctx context.Context, workID string) (*schema.Template, error) {
	if _, err := s.store.GetWork(ctx, workID); err != nil {
		return nil, err
	}
	tpl := &schema.Template{WorkID: workID, Status: schema.NewPipelineStatus()}
	if err := s.store.CreateTemplate(ctx, tpl); err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	return tpl, nil
}

// TemplateFor returns the work's template, creating it on first use. A work
// has a single template; it is what later runs resume.
func (s *Service) TemplateFor(ctx context.Context, workID string) (*schema.Template, error) {
	s.templateMu.Lock()
	defer s.templateMu.Unlock()

	if _, err := s.store.GetWork(ctx, workID); err != nil {
		return nil, err
	}
	existing, err := s.store.ListTemplates(ctx, workID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	if len(existing) > 0 {
		return s.store.GetTemplate(ctx, existing[0].ID)
	}
	return s.CreateTemplate(ctx, workID)
}

// RunTemplatePipeline runs every stage of the work's template that has not
// completed yet, creating the template on the first run. The template id is
// returned even when a stage fails, so the run can be resumed.
func (s *Service) RunTemplatePipeline(ctx context.Context, workID string) (string, error) {
	tpl, err := s.TemplateFor(ctx, workID)
	if err != nil {
		return "", err
	}
	return tpl.ID, s.Run(ctx, workID, tpl.ID)
}

// Run runs, or resumes, the pipeline for an existing template. Stages already
// COMPLETED are skipped. A second Run for a template that is still running
// waits for the first and shares its result.
func (s *Service) Run(ctx context.Context, workID, templateID string) error {
	_, err, shared := s.runs.Do(templateID, func() (struct{}, error) {
		return struct{}{}, s.run(ctx, workID, templateID)
	})
	if shared {
		s.log.Info("joined running pipeline", "template", templateID)
	}
	return err
}

func (s *Service) run(ctx context.Context, workID, templateID string) error {
	tpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return err
	}
	if tpl.WorkID != workID {
		return fmt.Errorf("template %s belongs to work %s, not %s: %w", templateID, tpl.WorkID, workID, store.ErrNotFound)
	}

	units, err := s.store.ListUnits(ctx, workID)
	if err != nil {
		return fmt.Errorf("list chapters: %w", err)
	}
	if len(units) == 0 {
		return fmt.Errorf("work %s has no chapters: %w", workID, ErrNoExtractableContent)
	}

	tr := NewTracker(s.store, tpl, s.log)
	logger := s.log.With("work", workID, "template", templateID)
	logger.Info("pipeline started", "chapters", len(units))

	stages := []struct {
		stage schema.Stage
		run   func(ctx context.Context) error
	}{
		{schema.StageSummary, func(ctx context.Context) error {
			units, err = s.Summarizer.SummarizeAll(ctx, units)
			return err
		}},
		{schema.StageCharacterArcExtraction, func(ctx context.Context) error {
			return s.Extractor.Extract(ctx, schema.KindCharacter, tpl, units)
		}},
		{schema.StagePlotBeatExtraction, func(ctx context.Context) error {
			return s.Extractor.Extract(ctx, schema.KindPlotBeat, tpl, units)
		}},
		{schema.StageCharacterArcAbstraction, func(ctx context.Context) error {
			ents, err := s.consolidated(ctx, tpl)
			if err != nil {
				return err
			}
			return s.Abstractor.AbstractCharacters(ctx, tpl, ents)
		}},
		{schema.StagePlotBeatAbstraction, func(ctx context.Context) error {
			beats, err := s.store.ListExtracted(ctx, tpl.ID, schema.KindPlotBeat)
			if err != nil {
				return err
			}
			return s.Abstractor.AbstractPlotBeats(ctx, tpl, beats)
		}},
	}

	for _, st := range stages {
		if tr.Done(st.stage) {
			logger.Info("stage already completed", "stage", st.stage)
			continue
		}
		if err := tr.Begin(ctx, st.stage); err != nil {
			return err
		}
		if err := st.run(ctx); err != nil {
			if ferr := tr.Fail(context.WithoutCancel(ctx), st.stage, err); ferr != nil {
				logger.Error("could not record stage failure", "stage", st.stage, "error", ferr)
			}
			return fmt.Errorf("%s: %w", st.stage, err)
		}
		if err := tr.Complete(ctx, st.stage); err != nil {
			return err
		}
		logger.Info("stage completed", "stage", st.stage)
	}

	logger.Info("pipeline finished")
	return nil
}

// consolidated returns the template's consolidated characters, building and
// persisting them from the extracted records the first time.
func (s *Service) consolidated(ctx context.Context, tpl *schema.Template) ([]schema.ConsolidatedEntity, error) {
	ents, err := s.store.ListConsolidated(ctx, tpl.ID)
	if err != nil {
		return nil, err
	}
	if len(ents) > 0 {
		s.log.Info("reusing consolidated characters", "template", tpl.ID, "characters", len(ents))
		return ents, nil
	}

	extracted, err := s.store.ListExtracted(ctx, tpl.ID, schema.KindCharacter)
	if err != nil {
		return nil, err
	}
	var batches [][]schema.ConsolidatedEntity
	for _, b := range Batches(extracted) {
		batches = append(batches, Singletons(b))
	}

	ents, report, err := s.Consolidator.Consolidate(ctx, batches)
	if err != nil {
		return nil, fmt.Errorf("consolidate: %w", err)
	}
	s.log.Info("consolidated characters", "template", tpl.ID, "extracted", len(extracted), "characters", len(ents),
		"levels", report.Levels, "calls", report.Calls, "dropped", len(report.Dropped), "fallbacks", report.Fallbacks)

	for i := range ents {
		ents[i].WorkID = tpl.WorkID
		ents[i].TemplateID = tpl.ID
		ents[i].Seq = i
	}
	if err := s.store.CreateConsolidated(ctx, ents); err != nil {
		return nil, fmt.Errorf("save consolidated characters: %w", err)
	}
	return ents, nil
}

// InstantiateFromTemplate generates a new story from a finished template.
func (s *Service) InstantiateFromTemplate(ctx context.Context, templateID, prompt string, emit func(schema.GeneratedEntity)) (*schema.Generated, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	tpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	return s.Instantiator.Instantiate(ctx, tpl, prompt, emit)
}

func (s *Service) GetPipelineStatus(ctx context.Context, templateID string) (schema.PipelineStatus, error) {
	tpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return schema.PipelineStatus{}, err
	}
	return tpl.Status, nil
}
