package session

import (
	"fmt"
	"math/rand"
)

// adjectives and nouns are the fixed palettes used to synthesize a
// human-friendly session name when the creator doesn't supply one.
var adjectives = []string{
	"Amazing", "Brilliant", "Curious", "Dynamic", "Energetic",
	"Fantastic", "Glorious", "Happy", "Incredible", "Joyful",
	"Kinetic", "Luminous", "Magnificent", "Noble", "Outstanding",
	"Powerful", "Quick", "Radiant", "Spectacular", "Tremendous",
	"Unique", "Vibrant", "Wonderful", "Exciting", "Yearning", "Zealous",
}

var nouns = []string{
	"Adventure", "Journey", "Quest", "Expedition", "Voyage",
	"Trip", "Excursion", "Tour", "Outing", "Exploration",
	"Discovery", "Mission", "Campaign", "Venture", "Safari",
	"Trek", "Hike", "Walk", "Ride", "Drive", "Flight", "Cruise",
	"Gathering", "Meetup", "Session", "Event",
}

// GenerateName synthesizes a two-word "Adjective Noun" session name.
func GenerateName() string {
	adj := adjectives[rand.Intn(len(adjectives))]
	noun := nouns[rand.Intn(len(nouns))]
	return fmt.Sprintf("%s %s", adj, noun)
}
