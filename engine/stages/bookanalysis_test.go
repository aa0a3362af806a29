package stages

import (
	"context"
	"testing"

	"github.com/loreweaver-ai/loreweaver/engine/domain"
)

func TestBookAnalysisProbeNotReady(t *testing.T) {
	// S6: one chapter still processing notes.
	store := newFakeStore()
	store.works["w2"] = domain.Work{ID: "w2", Kind: domain.KindNonfiction, OverallStatus: domain.OverallProcessing}
	store.chapters["cA"] = domain.Chapter{
		ID: "cA", WorkID: "w2", SummaryRef: "sA",
		OverviewStatus: domain.StageCompleted, AnalysisStatus: domain.StageCompleted, NotesStatus: domain.StageCompleted,
	}
	store.chapters["cB"] = domain.Chapter{
		ID: "cB", WorkID: "w2", SummaryRef: "sB",
		OverviewStatus: domain.StageCompleted, AnalysisStatus: domain.StageCompleted, NotesStatus: domain.StageProcessing,
	}
	pub := &fakePublisher{}
	d := newTestDeps(store, pub, &fakeGateway{})

	if err := BookAnalysis(context.Background(), d, "w2", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pub.events) != 0 {
		t.Fatal("probe before all chapters ready must emit nothing")
	}
	if len(store.analyses) != 0 {
		t.Fatal("expected no analyses saved")
	}
	w, _ := store.GetWork(context.Background(), "w2")
	if w.OverallStatus != domain.OverallProcessing {
		t.Fatalf("got status %v, want processing", w.OverallStatus)
	}
}

func TestBookAnalysisWritesWhenAllChaptersDone(t *testing.T) {
	store := newFakeStore()
	store.works["w2"] = domain.Work{ID: "w2", Kind: domain.KindNonfiction, OverallStatus: domain.OverallProcessing}
	store.chapters["cA"] = domain.Chapter{
		ID: "cA", WorkID: "w2", SummaryRef: "sA",
		OverviewStatus: domain.StageCompleted, AnalysisStatus: domain.StageCompleted, NotesStatus: domain.StageCompleted,
	}
	store.summaries["sA"] = domain.Summary{ID: "sA", ChapterID: "cA", MainIdea: "idea"}
	pub := &fakePublisher{}
	gw := &fakeGateway{overallAnalysis: domain.Analysis{CoreThemes: []string{"theme"}}}
	d := newTestDeps(store, pub, gw)

	if err := BookAnalysis(context.Background(), d, "w2", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, err := store.GetAnalysis(context.Background(), "w2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == nil {
		t.Fatal("expected non-nil analysis")
	}
	if len(a.CoreThemes) != 1 || a.CoreThemes[0] != "theme" {
		t.Fatalf("got core themes %v, want [theme]", a.CoreThemes)
	}

	w, _ := store.GetWork(context.Background(), "w2")
	if w.OverallStatus != domain.OverallDone {
		t.Fatalf("got status %v, want done", w.OverallStatus)
	}

	if len(pub.events) != 1 {
		t.Fatalf("got %d events, want 1", len(pub.events))
	}
	if pub.events[0].Type != domain.EventBookDone {
		t.Fatalf("got event type %v, want %v", pub.events[0].Type, domain.EventBookDone)
	}
}

func TestBookAnalysisGeneratorFailureLeavesWorkProcessing(t *testing.T) {
	store := newFakeStore()
	store.works["w2"] = domain.Work{ID: "w2", OverallStatus: domain.OverallProcessing}
	store.chapters["cA"] = domain.Chapter{
		ID: "cA", WorkID: "w2", SummaryRef: "sA",
		OverviewStatus: domain.StageCompleted, AnalysisStatus: domain.StageCompleted, NotesStatus: domain.StageCompleted,
	}
	store.summaries["sA"] = domain.Summary{ID: "sA", ChapterID: "cA", MainIdea: "idea"}
	pub := &fakePublisher{}
	gw := &fakeGateway{overallErr: assertErr("model down")}
	d := newTestDeps(store, pub, gw)

	if err := BookAnalysis(context.Background(), d, "w2", false); err != nil {
		t.Fatalf("generator failure must not fail the handler: %v", err)
	}

	w, _ := store.GetWork(context.Background(), "w2")
	if w.OverallStatus != domain.OverallProcessing {
		t.Fatal("work must not be marked error on generator failure")
	}
	if len(store.analyses) != 0 {
		t.Fatal("expected no analyses saved")
	}
}

func TestBookAnalysisForceWithNoSummariesStillNoOp(t *testing.T) {
	store := newFakeStore()
	store.works["w2"] = domain.Work{ID: "w2", OverallStatus: domain.OverallProcessing}
	pub := &fakePublisher{}
	d := newTestDeps(store, pub, &fakeGateway{})

	if err := BookAnalysis(context.Background(), d, "w2", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.analyses) != 0 {
		t.Fatal("expected no analyses saved")
	}
	if len(pub.events) != 0 {
		t.Fatal("expected no events published")
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
