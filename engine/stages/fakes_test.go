package stages

import (
	"context"
	"sync"

	"github.com/loreweaver-ai/loreweaver/engine/domain"
	"github.com/loreweaver-ai/loreweaver/engine/gateway"
	"github.com/loreweaver-ai/loreweaver/engine/vector"
)

// fakeStore is an in-memory Store used by stage handler tests, grounded
// on the same fakes-for-collaborators approach engine/ingest's own tests
// use for its Deps.
type fakeStore struct {
	mu        sync.Mutex
	works     map[string]domain.Work
	chapters  map[string]domain.Chapter
	summaries map[string]domain.Summary
	notes     map[string]domain.Note
	analyses  map[string]domain.Analysis
	folders   []domain.Folder
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		works:     map[string]domain.Work{},
		chapters:  map[string]domain.Chapter{},
		summaries: map[string]domain.Summary{},
		notes:     map[string]domain.Note{},
		analyses:  map[string]domain.Analysis{},
	}
}

func (s *fakeStore) GetWork(_ context.Context, id string) (*domain.Work, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.works[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (s *fakeStore) SaveWork(_ context.Context, w domain.Work) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.works[w.ID] = w
	return nil
}

func (s *fakeStore) GetChapter(_ context.Context, id string) (*domain.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chapters[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *fakeStore) SaveChapter(_ context.Context, c domain.Chapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chapters[c.ID] = c
	return nil
}

func (s *fakeStore) ListChaptersByWork(_ context.Context, workID string) ([]domain.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Chapter
	for _, c := range s.chapters {
		if c.WorkID == workID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateChapter(_ context.Context, id string, patch map[string]any) (*domain.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chapters[id]
	if !ok {
		return nil, nil
	}
	for k, v := range patch {
		switch k {
		case "overviewStatus":
			c.OverviewStatus = domain.StageStatus(v.(string))
		case "analysisStatus":
			c.AnalysisStatus = domain.StageStatus(v.(string))
		case "notesStatus":
			c.NotesStatus = domain.StageStatus(v.(string))
		case "summaryRef":
			c.SummaryRef = v.(string)
		case "lastError":
			c.LastError = v.(string)
		}
	}
	s.chapters[id] = c
	return &c, nil
}

func (s *fakeStore) GetSummary(_ context.Context, id string) (*domain.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[id]
	if !ok {
		return nil, nil
	}
	return &sum, nil
}

func (s *fakeStore) SaveSummary(_ context.Context, sum domain.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[sum.ID] = sum
	return nil
}

func (s *fakeStore) GetNote(_ context.Context, id string) (*domain.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[id]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (s *fakeStore) SaveNote(_ context.Context, n domain.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[n.ID] = n
	return nil
}

func (s *fakeStore) DeleteNotesByChapter(_ context.Context, workID, chapterID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted []string
	for id, n := range s.notes {
		if n.Source.WorkID == workID && n.Source.ChapterID == chapterID {
			deleted = append(deleted, id)
			delete(s.notes, id)
		}
	}
	return deleted, nil
}

func (s *fakeStore) ListNotes(_ context.Context, offset, limit int, search string) ([]domain.Note, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Note
	for _, n := range s.notes {
		out = append(out, n)
	}
	return out, len(out), nil
}

func (s *fakeStore) ListAllNotes(_ context.Context) ([]domain.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Note
	for _, n := range s.notes {
		out = append(out, n)
	}
	return out, nil
}

func (s *fakeStore) GetAnalysis(_ context.Context, workID string) (*domain.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[workID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *fakeStore) SaveAnalysis(_ context.Context, a domain.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyses[a.WorkID] = a
	return nil
}

func (s *fakeStore) GetFolders(_ context.Context) ([]domain.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.folders, nil
}

func (s *fakeStore) SaveFolders(_ context.Context, folders []domain.Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folders = folders
	return nil
}

// fakePublisher records every job and event published, for assertions on
// cascade ordering (spec §8 scenarios).
type fakePublisher struct {
	mu     sync.Mutex
	jobs   []domain.Job
	events []domain.Event
}

func (p *fakePublisher) PublishJob(_ context.Context, job domain.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *fakePublisher) PublishEvent(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) eventTypes() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

// fakeGraph is a no-op GraphStore recording calls for assertions.
type fakeGraph struct {
	mu    sync.Mutex
	nodes []domain.GraphNode
	edges []domain.GraphEdge
}

func (g *fakeGraph) UpsertNode(_ context.Context, n domain.GraphNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = append(g.nodes, n)
	return nil
}

func (g *fakeGraph) AddEdge(_ context.Context, e domain.GraphEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = append(g.edges, e)
	return nil
}

func (g *fakeGraph) DeleteNotesCascade(_ context.Context, noteIDs []string) error {
	return nil
}

// fakeGateway is a scriptable gateway.Client for stage handler tests.
type fakeGateway struct {
	overview         string
	overviewErr      error
	structured       []domain.Summary // consumed in order, one per GenerateStructuredSummary call
	structuredIdx    int
	structuredErr    error
	notes            []domain.Note
	notesErr         error
	overallAnalysis  domain.Analysis
	overallErr       error
	folders          []domain.Folder
	foldersErr       error
	linkReason       string
	linkConfidence   float64
	embedding        []float32
	embedErr         error
}

var _ gateway.Client = (*fakeGateway)(nil)

func (g *fakeGateway) GenerateOverview(_ context.Context, _ string, _ domain.WorkKind, chapterID string, onToken gateway.TokenFunc) (string, error) {
	if g.overviewErr != nil {
		return "", g.overviewErr
	}
	if onToken != nil {
		onToken(chapterID, g.overview)
	}
	return g.overview, nil
}

func (g *fakeGateway) GenerateStructuredSummary(_ context.Context, _ string, _ domain.WorkKind) (domain.Summary, error) {
	if g.structuredErr != nil {
		return domain.Summary{}, g.structuredErr
	}
	if g.structuredIdx >= len(g.structured) {
		return g.structured[len(g.structured)-1], nil
	}
	s := g.structured[g.structuredIdx]
	g.structuredIdx++
	return s, nil
}

func (g *fakeGateway) GenerateAtomicNotes(_ context.Context, _ domain.Summary) ([]domain.Note, error) {
	if g.notesErr != nil {
		return nil, g.notesErr
	}
	return g.notes, nil
}

func (g *fakeGateway) GenerateOverallAnalysis(_ context.Context, _ []domain.Summary, _ domain.WorkKind) (domain.Analysis, error) {
	if g.overallErr != nil {
		return domain.Analysis{}, g.overallErr
	}
	return g.overallAnalysis, nil
}

func (g *fakeGateway) GenerateFolderStructure(_ context.Context, notes []domain.Note, onProgress gateway.ProgressFunc, prior []domain.Folder) ([]domain.Folder, error) {
	if g.foldersErr != nil {
		return nil, g.foldersErr
	}
	if onProgress != nil {
		onProgress(len(notes), len(notes))
	}
	return g.folders, nil
}

func (g *fakeGateway) ExplainLinkRelationship(_ context.Context, _, _ domain.Note) (string, float64, error) {
	return g.linkReason, g.linkConfidence, nil
}

func (g *fakeGateway) Embed(_ context.Context, _ string) ([]float32, error) {
	if g.embedErr != nil {
		return nil, g.embedErr
	}
	return g.embedding, nil
}

// fakeGatewayDeletingOnCall simulates a work/chapter deletion racing with
// an in-flight AI call (spec §8 scenario S2: cancel mid-flight).
type fakeGatewayDeletingOnCall struct {
	store     *fakeStore
	chapterID string
	overview  string
}

var _ gateway.Client = (*fakeGatewayDeletingOnCall)(nil)

func (g *fakeGatewayDeletingOnCall) GenerateOverview(_ context.Context, _ string, _ domain.WorkKind, _ string, _ gateway.TokenFunc) (string, error) {
	g.store.mu.Lock()
	delete(g.store.chapters, g.chapterID)
	g.store.mu.Unlock()
	return g.overview, nil
}

func (g *fakeGatewayDeletingOnCall) GenerateStructuredSummary(_ context.Context, _ string, _ domain.WorkKind) (domain.Summary, error) {
	return domain.Summary{}, nil
}

func (g *fakeGatewayDeletingOnCall) GenerateAtomicNotes(_ context.Context, _ domain.Summary) ([]domain.Note, error) {
	return nil, nil
}

func (g *fakeGatewayDeletingOnCall) GenerateOverallAnalysis(_ context.Context, _ []domain.Summary, _ domain.WorkKind) (domain.Analysis, error) {
	return domain.Analysis{}, nil
}

func (g *fakeGatewayDeletingOnCall) GenerateFolderStructure(_ context.Context, _ []domain.Note, _ gateway.ProgressFunc, _ []domain.Folder) ([]domain.Folder, error) {
	return nil, nil
}

func (g *fakeGatewayDeletingOnCall) ExplainLinkRelationship(_ context.Context, _, _ domain.Note) (string, float64, error) {
	return "", 0, nil
}

func (g *fakeGatewayDeletingOnCall) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, nil
}

// fakeVector is an in-memory vector.Index for stage handler tests.
type fakeVector struct {
	mu   sync.Mutex
	vecs map[string][]float32
}

func newFakeVector() *fakeVector {
	return &fakeVector{vecs: map[string][]float32{}}
}

func (v *fakeVector) Upsert(_ context.Context, noteID string, embedding []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vecs[noteID] = embedding
	return nil
}

func (v *fakeVector) Delete(_ context.Context, noteID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vecs, noteID)
	return nil
}

func (v *fakeVector) TopK(_ context.Context, _ []float32, topK int, excludeID string) ([]vector.Match, error) {
	return nil, nil
}

var _ vector.Index = (*fakeVector)(nil)
