package pipeline

import (
	"sort"
	"time"

	"github.com/tbourn/go-letter-batch/internal/domain"
)

// MaxPreviousLetters bounds how many earlier letters feed a generation.
const MaxPreviousLetters = 5

const previewRunes = 100

// PreviousLetter summarizes an earlier letter for prompt context.
type PreviousLetter struct {
	Date    string `json:"date"`
	Theme   string `json:"theme"`
	Preview string `json:"preview,omitempty"`
}

// History is what the pipeline knows about a user.
type History struct {
	TotalLetters int
	Letters      map[string]*domain.Letter
}

// HistoryFrom builds a History from a stored user record. A nil record
// yields an empty history.
func HistoryFrom(u *domain.UserRecord) History {
	if u == nil {
		return History{}
	}
	return History{TotalLetters: u.Profile.TotalLetters, Letters: u.Letters}
}

// GenerationContext is the prompt context shared by both stages.
type GenerationContext struct {
	Theme        string           `json:"theme"`
	Previous     []PreviousLetter `json:"previous_letters"`
	TotalLetters int              `json:"interaction_count"`
	Season       string           `json:"season"`
	TimeOfDay    string           `json:"time_of_day"`
}

// BuildContext derives the generation context for theme at now.
func BuildContext(theme string, h History, now time.Time) GenerationContext {
	gc := GenerationContext{
		Theme:        theme,
		Previous:     []PreviousLetter{},
		TotalLetters: h.TotalLetters,
		Season:       Season(now),
		TimeOfDay:    TimeOfDay(now),
	}
	for day, l := range h.Letters {
		if l == nil || l.Status != domain.LetterCompleted {
			continue
		}
		gc.Previous = append(gc.Previous, PreviousLetter{Date: day, Theme: l.Theme, Preview: preview(l.Content)})
	}
	sort.Slice(gc.Previous, func(i, j int) bool { return gc.Previous[i].Date > gc.Previous[j].Date })
	if len(gc.Previous) > MaxPreviousLetters {
		gc.Previous = gc.Previous[:MaxPreviousLetters]
	}
	return gc
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewRunes {
		return s
	}
	return string(r[:previewRunes]) + "..."
}

// Season names the meteorological season of t (northern hemisphere).
func Season(t time.Time) string {
	switch t.Month() {
	case time.December, time.January, time.February:
		return "winter"
	case time.March, time.April, time.May:
		return "spring"
	case time.June, time.July, time.August:
		return "summer"
	default:
		return "autumn"
	}
}

// TimeOfDay buckets the hour of t.
func TimeOfDay(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return "morning"
	case h >= 12 && h < 17:
		return "afternoon"
	case h >= 17 && h < 21:
		return "evening"
	default:
		return "night"
	}
}
