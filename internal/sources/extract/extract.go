package extract

import (
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"listing-engine/internal/models"
)

var (
	areaRe   = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*м(?:²|2|\s*кв)`)
	roomsRe  = regexp.MustCompile(`(\d+)\s*-?\s*(?:к\.|комн|к\s|к,)`)
	floorRe  = regexp.MustCompile(`(\d+)\s*/\s*(\d+)\s*эт`)
	phoneRe  = regexp.MustCompile(`\+7[\s\-(]*\d{3}[\s\-)]*\d{3}[\s\-]*\d{2}[\s\-]*\d{2}`)
	digitsRe = regexp.MustCompile(`\D`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// Area extracts the total area in square meters from a title such as
// "2-к. квартира, 54,5 м², 5/12 эт."
func Area(text string) (float64, bool) {
	m := areaRe.FindStringSubmatch(Clean(text))
	if len(m) < 2 {
		return 0, false
	}
	val, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
	if err != nil || val <= 0 || val > 2000 {
		return 0, false
	}
	return val, true
}

// IsStudio reports whether the title describes a studio
func IsStudio(text string) bool {
	return strings.Contains(strings.ToLower(text), "студия")
}

// Rooms extracts the room count; studios have zero rooms
func Rooms(text string) *int {
	if IsStudio(text) {
		n := models.StudioRooms
		return &n
	}
	m := roomsRe.FindStringSubmatch(strings.ToLower(Clean(text)) + " ")
	if len(m) < 2 {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 || n > 20 {
		return nil
	}
	return &n
}

// Floor extracts "floor/floors" from a title
func Floor(text string) string {
	m := floorRe.FindStringSubmatch(Clean(text))
	if len(m) < 3 {
		return ""
	}
	return m[1] + "/" + m[2]
}

// HomeType classifies the offer as flat, studio or apartment
func HomeType(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "апартамент"):
		return models.HomeTypeApartment
	case IsStudio(lower):
		return models.HomeTypeStudio
	default:
		return models.HomeTypeFlat
	}
}

// CleanPrice keeps the digits of a price string such as "50 000 ₽"
func CleanPrice(text string) float64 {
	digits := digitsRe.ReplaceAllString(text, "")
	if digits == "" {
		return 0
	}
	v, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return 0
	}
	return v
}

// IsRecent reports whether a millisecond timestamp is within maxAge of now
func IsRecent(tsMillis int64, maxAge time.Duration, now time.Time) bool {
	if tsMillis <= 0 {
		return false
	}
	return now.Sub(time.UnixMilli(tsMillis)) <= maxAge
}

// Phone returns the first Russian mobile number found in a page
func Phone(page string) string {
	m := phoneRe.FindString(page)
	if m == "" {
		return ""
	}
	return strings.TrimSpace(m)
}

// Clean unescapes HTML entities and collapses whitespace
func Clean(text string) string {
	text = html.UnescapeString(text)
	text = strings.ReplaceAll(text, " ", " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}

// FloorPtr returns nil for an unknown floor
func FloorPtr(floor string) *string {
	if floor == "" {
		return nil
	}
	return &floor
}
