package domain

// ValidateWork checks a Work struct's invariants from spec §3: id and
// title must be non-empty, and chapter ids must be unique.
func ValidateWork(w Work) error {
	if w.ID == "" {
		return NewValidationError("id", w.ID, ErrInvalidWork)
	}
	if w.Title == "" {
		return NewValidationError("title", w.Title, ErrInvalidWork)
	}
	seen := make(map[string]bool, len(w.ChapterIDs))
	for _, id := range w.ChapterIDs {
		if seen[id] {
			return NewValidationError("chapterIds", id, ErrInvalidWork)
		}
		seen[id] = true
	}
	return nil
}

// ValidateChapter checks the Chapter invariants from spec §3:
// (a) notesStatus active ⇒ analysisStatus satisfied
// (b) analysisStatus active ⇒ overviewStatus satisfied
// (c) summaryRef present whenever any status is processing or completed
func ValidateChapter(c Chapter) error {
	if c.ID == "" || c.WorkID == "" {
		return NewValidationError("id", c.ID, ErrInvalidChapter)
	}
	if c.ChapterIndex < 0 {
		return NewValidationError("chapterIndex", "", ErrInvalidChapter)
	}

	active := func(s StageStatus) bool { return s == StageProcessing || s == StageCompleted }

	if active(c.NotesStatus) && !c.AnalysisStatus.Satisfied() {
		return NewValidationError("analysisStatus", string(c.AnalysisStatus), ErrInvalidChapter)
	}
	if active(c.AnalysisStatus) && !c.OverviewStatus.Satisfied() {
		return NewValidationError("overviewStatus", string(c.OverviewStatus), ErrInvalidChapter)
	}
	anyActive := active(c.OverviewStatus) || active(c.AnalysisStatus) || active(c.NotesStatus)
	if anyActive && c.SummaryRef == "" {
		return NewValidationError("summaryRef", c.SummaryRef, ErrInvalidChapter)
	}
	return nil
}
