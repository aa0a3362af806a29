// Package domain defines the core entities, stage state machine, and
// validation gate for the pipeline orchestrator. It acts as the validation
// gate at pipeline entry points and is imported by every other package.
package domain

import "time"

// WorkKind classifies the authorial register of a work.
type WorkKind string

const (
	KindFiction    WorkKind = "fiction"
	KindNonfiction WorkKind = "nonfiction"
)

// SourceKind classifies where a work's raw text originated.
type SourceKind string

const (
	SourcePDF     SourceKind = "pdf"
	SourceYouTube SourceKind = "youtube"
	SourceBlog    SourceKind = "blog"
	SourceOther   SourceKind = "other"
)

// OverallStatus is the work-level lifecycle status.
type OverallStatus string

const (
	OverallProcessing OverallStatus = "processing"
	OverallDone       OverallStatus = "done"
	OverallError      OverallStatus = "error"
)

// StageStatus is the per-chapter, per-stage status.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageSkipped    StageStatus = "skipped"
	StageFailed     StageStatus = "failed"
)

// Stage names the three chapter stages plus the two work-level jobs.
type Stage string

const (
	StageOverview       Stage = "overview"
	StageAnalysis       Stage = "analysis"
	StageNotes          Stage = "notes"
	StageBookAnalysis   Stage = "book_analysis"
	StageFolderOrganize Stage = "folder_organize"
)

// JobType names job envelopes (§6.2). It is an alias of Stage, so job
// types and stage names are the same type and the same values.
type JobType = Stage

// Satisfied reports whether a stage status counts as "done" for the
// purposes of a downstream precondition (completed or skipped).
func (s StageStatus) Satisfied() bool {
	return s == StageCompleted || s == StageSkipped
}

// ValidTransition implements the transition table in spec §4.1:
// pending→processing, processing→processing (re-entrant start write),
// processing→{completed,failed,skipped}, failed→processing (retry),
// skipped→processing (regenerate). No other transition is permitted.
func ValidTransition(from, to StageStatus) bool {
	switch from {
	case StagePending:
		return to == StageProcessing
	case StageProcessing:
		switch to {
		case StageProcessing, StageCompleted, StageFailed, StageSkipped:
			return true
		}
	case StageFailed:
		return to == StageProcessing
	case StageSkipped:
		return to == StageProcessing
	case StageCompleted:
		return false
	}
	return false
}

// Work is one ingested source.
type Work struct {
	ID            string        `json:"id"`
	Kind          WorkKind      `json:"kind"`
	SourceKind    SourceKind    `json:"sourceKind"`
	Title         string        `json:"title"`
	ChapterIDs    []string      `json:"chapterIds"`
	OverallStatus OverallStatus `json:"overallStatus"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// Chapter is a contiguous unit of a work's raw text and the three
// independent stage statuses that track its pipeline progress.
type Chapter struct {
	ID             string      `json:"id"`
	WorkID         string      `json:"workId"`
	ChapterIndex   int         `json:"chapterIndex"`
	RawText        string      `json:"rawText"`
	SummaryRef     string      `json:"summaryRef,omitempty"`
	OverviewStatus StageStatus `json:"overviewStatus"`
	AnalysisStatus StageStatus `json:"analysisStatus"`
	NotesStatus    StageStatus `json:"notesStatus"`
	UpdatedAt      time.Time   `json:"updatedAt"`
	LastError      string      `json:"lastError,omitempty"`
}

// StatusFor returns the chapter's status for the given stage.
func (c Chapter) StatusFor(stage Stage) StageStatus {
	switch stage {
	case StageOverview:
		return c.OverviewStatus
	case StageAnalysis:
		return c.AnalysisStatus
	case StageNotes:
		return c.NotesStatus
	default:
		return ""
	}
}

// Done reports whether all three chapter stages have reached a satisfied
// state (spec §4.5 step 2).
func (c Chapter) Done() bool {
	return c.OverviewStatus.Satisfied() && c.AnalysisStatus.Satisfied() && c.NotesStatus.Satisfied()
}

// Summary is the per-chapter narrative overview plus structured analysis.
type Summary struct {
	ID           string   `json:"id"`
	ChapterID    string   `json:"chapterId"`
	Overview     string   `json:"overview"`
	MainIdea     string   `json:"mainIdea"`
	KeyConcepts  []string `json:"keyConcepts"`
	Examples     []string `json:"examples"`
	MentalModels []string `json:"mentalModels"`
	LifeLessons  []string `json:"lifeLessons"`
}

// HasStructuredContent reports whether a generated structured summary is
// usable (spec §4.3 malformed-JSON check, §4.4 precondition check).
func (s Summary) HasStructuredContent() bool {
	return s.MainIdea != "" || len(s.KeyConcepts) > 0
}

// NoteSource identifies the chapter and work a note was extracted from.
type NoteSource struct {
	WorkID    string `json:"workId"`
	ChapterID string `json:"chapterId"`
}

// Note is an atomic knowledge unit with a vector embedding.
type Note struct {
	ID             string           `json:"id"`
	Title          string           `json:"title"`
	Content        string           `json:"content"`
	Tags           []string         `json:"tags"`
	Source         NoteSource       `json:"source"`
	Embedding      []float32        `json:"embedding"`
	SuggestedLinks []LinkSuggestion `json:"suggestedLinks,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// LinkSuggestion is an AI-validated candidate edge attached to a note at
// creation time, before it is accepted into the graph.
type LinkSuggestion struct {
	NoteID     string  `json:"noteId"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// Analysis is the work-level synthesis across all chapter summaries.
type Analysis struct {
	WorkID                string   `json:"workId"`
	CoreThemes            []string `json:"coreThemes"`
	KeyTakeaways          []string `json:"keyTakeaways"`
	MentalModels          []string `json:"mentalModels"`
	PracticalApplications []string `json:"practicalApplications"`
}

// EdgeDirection classifies a graph edge as one-way or mutual.
type EdgeDirection string

const (
	DirectDirected      EdgeDirection = "directed"
	DirectBidirectional EdgeDirection = "bidirectional"
)

// EdgeCreator identifies who asserted an edge.
type EdgeCreator string

const (
	CreatedByManual EdgeCreator = "manual"
	CreatedByAI     EdgeCreator = "ai"
)

// GraphNode is the cached display metadata for a note in the graph.
type GraphNode struct {
	NoteID    string    `json:"noteId"`
	Title     string    `json:"title"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"createdAt"`
}

// GraphEdge links two notes.
type GraphEdge struct {
	From       string        `json:"from"`
	To         string        `json:"to"`
	Reason     string        `json:"reason"`
	CreatedBy  EdgeCreator   `json:"createdBy"`
	Confidence float64       `json:"confidence"`
	Direction  EdgeDirection `json:"direction"`
}

// Folder is a named, thematic partition of notes.
type Folder struct {
	Name    string   `json:"name"`
	NoteIDs []string `json:"noteIds"`
}

// UncategorizedFolder is the implicit catch-all folder name (spec §3).
const UncategorizedFolder = "Uncategorized"

// Job is a unit of work published to the jobs queue.
type Job struct {
	Type      JobType        `json:"type"`
	WorkID    string         `json:"workId"`
	ChapterID string         `json:"chapterId,omitempty"`
	Stage     Stage          `json:"stage,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventType enumerates the wire-level event discriminants in spec §6.3.
type EventType string

const (
	EventStageStatus       EventType = "stageStatus"
	EventOverviewStream    EventType = "overviewStream"
	EventChapterDone       EventType = "chapterDone"
	EventChapterFinalized  EventType = "chapterFinalized"
	EventBookDone          EventType = "bookDone"
	EventFoldersProcessing EventType = "foldersProcessing"
	EventFoldersProgress   EventType = "foldersProgress"
	EventFoldersDone       EventType = "foldersDone"
	EventFoldersError      EventType = "foldersError"
	EventStatus            EventType = "status"
	EventError             EventType = "error"
)

// Event is a lifecycle notification published to the events queue and
// fanned out to subscribers. Fields beyond Type/WorkID are interpreted
// according to EventType (spec §6.3).
type Event struct {
	Type      EventType   `json:"type"`
	WorkID    string      `json:"workId,omitempty"`
	ChapterID string      `json:"chapterId,omitempty"`
	Stage     Stage       `json:"stage,omitempty"`
	Status    StageStatus `json:"status,omitempty"`
	Content   string      `json:"content,omitempty"`
	Summary   *Summary    `json:"summary,omitempty"`
	Work      *Work       `json:"work,omitempty"`
	Message   string      `json:"message,omitempty"`
	Current   int         `json:"current,omitempty"`
	Total     int         `json:"total,omitempty"`
	Folders   []Folder    `json:"folders,omitempty"`
	Error     string      `json:"error,omitempty"`
}
