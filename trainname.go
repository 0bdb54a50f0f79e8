package simrail

import (
	"regexp"
	"strings"

	"railhub.dev/simrail/model"
)

var (
	// Three uppercase letters, e.g. "ROJ" or "MPE".
	categoryPattern = regexp.MustCompile(`^[A-Z]{3}$`)
	// A line designator carries at least one digit, e.g. "S1" or "RE40".
	linePattern = regexp.MustCompile(`^[A-Z][A-Z0-9]*\d[A-Z0-9]*$`)
)

// parseTrainName tokenizes the human-readable display name, e.g.
// `ROJ - "Wolsztyniak" - S40`, into its category, marketing label and
// line. Tokens that fit neither shape are ignored; ambiguous names
// leave the label and line empty rather than guessing.
func parseTrainName(name string) (category, label, line string) {
	var tokens []string
	for _, tok := range strings.FieldsFunc(name, func(r rune) bool { return r == '-' || r == '–' }) {
		if tok = strings.TrimSpace(tok); tok != "" {
			tokens = append(tokens, tok)
		}
	}
	if len(tokens) == 0 {
		return "", "", ""
	}

	catIdx := 0
	for i, tok := range tokens {
		if categoryPattern.MatchString(tok) {
			catIdx = i
			break
		}
	}
	category = tokens[catIdx]

	for i, tok := range tokens {
		if i == catIdx {
			continue
		}
		if len(tok) >= 2 && strings.HasPrefix(tok, `"`) && strings.HasSuffix(tok, `"`) {
			if label == "" {
				label = strings.Trim(tok, `"`)
			}
			continue
		}
		if line == "" && linePattern.MatchString(tok) {
			line = tok
		}
	}
	return category, label, line
}

// transportTypeFor maps an upstream train category onto the coarse
// classification.
func transportTypeFor(category string) model.TransportType {
	switch category {
	case "EIP":
		return model.TransportTypeHighSpeedTrain
	case "EIC", "EIE", "EC", "MPE", "MME":
		return model.TransportTypeIntercityTrain
	case "TLK", "IC", "MOJ", "MHJ":
		return model.TransportTypeFastTrain
	case "RPJ", "RAJ", "REJ":
		return model.TransportTypeRegionalFastTrain
	case "ROJ", "ROE", "RNJ", "RMJ":
		return model.TransportTypeRegionalTrain
	}
	// Freight and work-train categories start with T, Z, L or P.
	if category != "" {
		switch category[0] {
		case 'T', 'Z', 'L', 'P':
			return model.TransportTypeCargoTrain
		}
	}
	return model.TransportTypeOther
}

// transportFor builds the transport descriptor of one timetable entry.
// The display name is preferred for the category; the entry's raw train
// type is the fallback. Only regional services keep a line.
func transportFor(displayName, trainType, number string, maxSpeed int) model.Transport {
	category, label, line := parseTrainName(displayName)
	if category == "" {
		category = trainType
	}
	typ := transportTypeFor(category)
	if typ != model.TransportTypeRegionalTrain && typ != model.TransportTypeRegionalFastTrain {
		line = ""
	}
	return model.Transport{
		Category: category,
		Number:   number,
		Type:     typ,
		Line:     line,
		Label:    label,
		MaxSpeed: maxSpeed,
	}
}
