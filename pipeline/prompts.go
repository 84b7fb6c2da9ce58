package pipeline

import (
	"fmt"

	"voxnote/job"
)

// RefineMode selects the structured document format for the optional
// refinement pass
type RefineMode string

const (
	RefineReport      RefineMode = "report"
	RefineArticle     RefineMode = "article"
	RefineKeyPoints   RefineMode = "key-points"
	RefineActionItems RefineMode = "action-items"
)

// Label returns the display title used when the model does not provide one
func (m RefineMode) Label() string {
	switch m {
	case RefineReport:
		return "Report"
	case RefineArticle:
		return "Article"
	case RefineKeyPoints:
		return "Key Points"
	case RefineActionItems:
		return "Action Items"
	default:
		return "Refined Document"
	}
}

// cleanPrompt asks the model to clean and format a literal transcript
func cleanPrompt(raw, language string) string {
	p := "Clean up and format the following literal audio transcript. " +
		"Fix punctuation and casing, remove filler words and false starts, " +
		"and break the text into paragraphs. Keep the original meaning and " +
		"wording; do not summarize. Output HTML paragraphs only.\n\n"
	if language != "" && language != job.LanguageIndeterminate {
		p += "The transcript is in " + language + ".\n\n"
	}
	return p + "Transcript:\n" + raw
}

// refinePrompt asks the model to reshape the transcript into a structured
// document
func refinePrompt(mode RefineMode, raw string) string {
	var instruction string
	switch mode {
	case RefineReport:
		instruction = "Write a formal report based on the transcript, with a title on the first line."
	case RefineArticle:
		instruction = "Write a readable article based on the transcript, with a title on the first line."
	case RefineKeyPoints:
		instruction = "Extract the key points from the transcript as a bulleted list, with a title on the first line."
	case RefineActionItems:
		instruction = "Extract concrete action items from the transcript as a checklist, with a title on the first line."
	default:
		instruction = "Reformat the transcript into a structured document, with a title on the first line."
	}

	return fmt.Sprintf("%s\n\nTranscript:\n%s", instruction, raw)
}
