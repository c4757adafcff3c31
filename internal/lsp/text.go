package lsp

import "martianls/internal/edit"

func applyChanges(text string, changes []textDocumentContentChangeEvent) string {
	for _, change := range changes {
		if change.Range == nil {
			text = change.Text
			continue
		}
		start := edit.OffsetAt(text, change.Range.Start)
		end := edit.OffsetAt(text, change.Range.End)
		if end < start {
			end = start
		}
		text = edit.Apply(text, edit.Edit{Start: start, End: end, NewText: change.Text})
	}
	return text
}
