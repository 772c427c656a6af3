package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"boardgen/internal/store"
)

type selection struct {
	Approach string `json:"approach"`
	Color    string `json:"color"`
}

type mainContent struct {
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

func selectionPrompt(unit store.WorkUnit) string {
	return fmt.Sprintf(`You are an interior designer building a mood board.
Style: %s
Category: %s
Context: %s

Pick one design approach and one dominant color for this style.
Answer with JSON only: {"approach": "...", "color": "..."}`,
		unit.Name, unit.CategoryName, unit.Description)
}

func mainContentPrompt(unit store.WorkUnit, sel selection) string {
	return fmt.Sprintf(`Write the mood board copy for the interior style %q.
Design approach: %s
Dominant color: %s
Context: %s

Answer with JSON only: {"title": "...", "summary": "...", "description": "..."}`,
		unit.Name, sel.Approach, sel.Color, unit.Description)
}

func roomProfilePrompt(unit store.WorkUnit, sel selection, room string) string {
	return fmt.Sprintf(`Describe how the interior style %q looks in a %s.
Design approach: %s. Dominant color: %s.
Answer with two or three sentences of plain text.`,
		unit.Name, humanRoom(room), sel.Approach, sel.Color)
}

func imagePrompt(unit store.WorkUnit, sel selection, kind, slot string) string {
	base := fmt.Sprintf("%s interior style, %s approach, dominant color %s", unit.Name, sel.Approach, sel.Color)
	switch kind {
	case "room":
		return fmt.Sprintf("Photorealistic %s, %s", humanRoom(slot), base)
	case "material":
		return fmt.Sprintf("Close-up material sample, %s", base)
	case "texture":
		return fmt.Sprintf("Seamless texture swatch, %s", base)
	case "composite":
		return fmt.Sprintf("Mood board collage of furniture, materials and palette, %s", base)
	default:
		return fmt.Sprintf("Signature hero shot, %s", base)
	}
}

func humanRoom(room string) string {
	return strings.ReplaceAll(room, "_", " ")
}

// decodeJSON parses the first JSON object in text. Models tend to wrap
// answers in prose or code fences.
func decodeJSON(text string, v any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return fmt.Errorf("%w: no JSON object in completion", ErrInvalidOutput)
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return nil
}
