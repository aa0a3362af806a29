package domain

import "testing"

func TestValidateWork(t *testing.T) {
	cases := []struct {
		name    string
		work    Work
		wantErr bool
	}{
		{"valid", Work{ID: "w1", Title: "A Book", ChapterIDs: []string{"c1", "c2"}}, false},
		{"empty id", Work{ID: "", Title: "A Book"}, true},
		{"empty title", Work{ID: "w1", Title: ""}, true},
		{"duplicate chapter ids", Work{ID: "w1", Title: "A Book", ChapterIDs: []string{"c1", "c1"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateWork(tc.work)
			if tc.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestValidateChapter(t *testing.T) {
	cases := []struct {
		name    string
		chapter Chapter
		wantErr bool
	}{
		{
			"all pending",
			Chapter{ID: "c1", WorkID: "w1", OverviewStatus: StagePending, AnalysisStatus: StagePending, NotesStatus: StagePending},
			false,
		},
		{
			"notes processing with analysis completed is fine",
			Chapter{ID: "c1", WorkID: "w1", SummaryRef: "s1", OverviewStatus: StageCompleted, AnalysisStatus: StageCompleted, NotesStatus: StageProcessing},
			false,
		},
		{
			"notes active without analysis satisfied is invalid",
			Chapter{ID: "c1", WorkID: "w1", SummaryRef: "s1", OverviewStatus: StageCompleted, AnalysisStatus: StagePending, NotesStatus: StageProcessing},
			true,
		},
		{
			"analysis active without overview satisfied is invalid",
			Chapter{ID: "c1", WorkID: "w1", SummaryRef: "s1", OverviewStatus: StagePending, AnalysisStatus: StageProcessing},
			true,
		},
		{
			"skipped overview satisfies analysis precondition",
			Chapter{ID: "c1", WorkID: "w1", SummaryRef: "s1", OverviewStatus: StageSkipped, AnalysisStatus: StageProcessing},
			false,
		},
		{
			"active status without summary ref is invalid",
			Chapter{ID: "c1", WorkID: "w1", OverviewStatus: StageProcessing},
			true,
		},
		{
			"missing ids",
			Chapter{ID: "", WorkID: ""},
			true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateChapter(tc.chapter)
			if tc.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestValidTransition(t *testing.T) {
	valid := []struct{ from, to StageStatus }{
		{StagePending, StageProcessing},
		{StageProcessing, StageProcessing},
		{StageProcessing, StageCompleted},
		{StageProcessing, StageFailed},
		{StageProcessing, StageSkipped},
		{StageFailed, StageProcessing},
		{StageSkipped, StageProcessing},
	}
	for _, tc := range valid {
		if !ValidTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be valid", tc.from, tc.to)
		}
	}

	invalid := []struct{ from, to StageStatus }{
		{StagePending, StageCompleted},
		{StageCompleted, StageProcessing},
		{StageFailed, StageCompleted},
		{StageSkipped, StageFailed},
	}
	for _, tc := range invalid {
		if ValidTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be invalid", tc.from, tc.to)
		}
	}
}

func TestChapterDone(t *testing.T) {
	c := Chapter{OverviewStatus: StageCompleted, AnalysisStatus: StageSkipped, NotesStatus: StageCompleted}
	if !c.Done() {
		t.Fatal("expected chapter to be done")
	}

	c.NotesStatus = StageProcessing
	if c.Done() {
		t.Fatal("expected chapter to no longer be done")
	}
}

func TestSummaryHasStructuredContent(t *testing.T) {
	if (Summary{}).HasStructuredContent() {
		t.Fatal("expected empty summary to have no structured content")
	}
	if !(Summary{MainIdea: "x"}).HasStructuredContent() {
		t.Fatal("expected MainIdea to count as structured content")
	}
	if !(Summary{KeyConcepts: []string{"a"}}).HasStructuredContent() {
		t.Fatal("expected KeyConcepts to count as structured content")
	}
}
